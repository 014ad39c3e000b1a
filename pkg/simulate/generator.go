// Package simulate generates synthetic traffic for demos and tests.
package simulate

import (
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Kind identifies the traffic pattern an event was drawn from.
type Kind string

const (
	KindNormal         Kind = "normal"
	KindSmallPacket    Kind = "small_packet"
	KindLargePacket    Kind = "large_packet"
	KindUnusualPort    Kind = "unusual_port"
	KindPortScan       Kind = "port_scan"
	KindBurstTraffic   Kind = "burst_traffic"
	KindSuspiciousPort Kind = "suspicious_port"
)

// AnomalyKinds lists every anomalous pattern.
var AnomalyKinds = []Kind{
	KindSmallPacket,
	KindLargePacket,
	KindUnusualPort,
	KindPortScan,
	KindBurstTraffic,
	KindSuspiciousPort,
}

// NormalPorts are the services normal traffic talks to.
var NormalPorts = []int{80, 443, 22, 3306}

// SuspiciousPorts are telnet, SMB, RDP and MSSQL.
var SuspiciousPorts = []int{23, 445, 3389, 1433}

// DefaultAnomalyRate is the share of generated events that are anomalous.
const DefaultAnomalyRate = 0.3

// Generator draws traffic events from a normal profile mixed with a
// configurable share of anomalous patterns. It is safe for concurrent use.
type Generator struct {
	mu          sync.Mutex
	faker       *gofakeit.Faker
	anomalyRate float64
	now         func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes the generated sequence reproducible.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.faker = gofakeit.New(seed)
	}
}

// WithAnomalyRate sets the share of anomalous events, clamped to [0, 1].
func WithAnomalyRate(rate float64) Option {
	return func(g *Generator) {
		switch {
		case rate < 0:
			rate = 0
		case rate > 1:
			rate = 1
		}
		g.anomalyRate = rate
	}
}

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a generator. Without WithSeed it is seeded randomly.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		anomalyRate: DefaultAnomalyRate,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.faker == nil {
		g.faker = gofakeit.New(0)
	}
	return g
}

// Next returns one event and the pattern it was drawn from.
func (g *Generator) Next() (traffic.Event, Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.faker.Float64() < g.anomalyRate {
		kind := AnomalyKinds[g.faker.Number(0, len(AnomalyKinds)-1)]
		return g.event(kind), kind
	}
	return g.event(KindNormal), KindNormal
}

// Generate returns one event of the given kind.
func (g *Generator) Generate(kind Kind) traffic.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.event(kind)
}

// Batch returns n events.
func (g *Generator) Batch(n int) []traffic.Event {
	events := make([]traffic.Event, n)
	for i := range events {
		events[i], _ = g.Next()
	}
	return events
}

// NormalBatch returns n events drawn from the normal profile only.
func (g *Generator) NormalBatch(n int) []traffic.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	events := make([]traffic.Event, n)
	for i := range events {
		events[i] = g.event(KindNormal)
	}
	return events
}

func (g *Generator) event(kind Kind) traffic.Event {
	f := g.faker
	e := traffic.Event{
		SourceAddress:   fmt.Sprintf("192.168.0.%d", f.Number(1, 254)),
		DestinationPort: f.RandomInt(NormalPorts),
		PacketSize:      f.Number(200, 1500),
		Timestamp:       g.now(),
	}

	switch kind {
	case KindSmallPacket:
		e.PacketSize = f.Number(20, 100)
	case KindLargePacket:
		e.PacketSize = f.Number(5000, 10000)
	case KindUnusualPort:
		e.DestinationPort = f.Number(10000, 65535)
	case KindPortScan:
		e.DestinationPort = f.Number(1, 1024)
		e.PacketSize = f.Number(40, 100)
	case KindBurstTraffic:
		e.PacketSize = f.Number(2000, 5000)
	case KindSuspiciousPort:
		e.DestinationPort = f.RandomInt(SuspiciousPorts)
	}
	return e
}
