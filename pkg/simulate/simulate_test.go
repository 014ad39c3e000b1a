package simulate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

func TestGeneratorIsReproducible(t *testing.T) {
	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	a := NewGenerator(WithSeed(7), WithClock(clock)).Batch(50)
	b := NewGenerator(WithSeed(7), WithClock(clock)).Batch(50)
	assert.Equal(t, a, b)
}

func TestGeneratorKindRanges(t *testing.T) {
	g := NewGenerator(WithSeed(1))

	tests := []struct {
		kind    Kind
		portOK  func(int) bool
		minSize int
		maxSize int
	}{
		{KindNormal, isNormalPort, 200, 1500},
		{KindSmallPacket, isNormalPort, 20, 100},
		{KindLargePacket, isNormalPort, 5000, 10000},
		{KindUnusualPort, func(p int) bool { return p >= 10000 && p <= 65535 }, 200, 1500},
		{KindPortScan, func(p int) bool { return p >= 1 && p <= 1024 }, 40, 100},
		{KindBurstTraffic, isNormalPort, 2000, 5000},
		{KindSuspiciousPort, func(p int) bool { return contains(SuspiciousPorts, p) }, 200, 1500},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			for i := 0; i < 200; i++ {
				e := g.Generate(tt.kind)
				assert.True(t, tt.portOK(e.DestinationPort), "port %d", e.DestinationPort)
				assert.GreaterOrEqual(t, e.PacketSize, tt.minSize)
				assert.LessOrEqual(t, e.PacketSize, tt.maxSize)
				assert.True(t, strings.HasPrefix(e.SourceAddress, "192.168.0."))
				assert.False(t, e.Timestamp.IsZero())
			}
		})
	}
}

func TestGeneratorAnomalyRate(t *testing.T) {
	count := func(rate float64) int {
		g := NewGenerator(WithSeed(3), WithAnomalyRate(rate))
		anomalies := 0
		for i := 0; i < 2000; i++ {
			if _, kind := g.Next(); kind != KindNormal {
				anomalies++
			}
		}
		return anomalies
	}

	assert.Zero(t, count(0))
	assert.Equal(t, 2000, count(1))
	assert.Equal(t, 2000, count(5))
	assert.InDelta(t, 600, count(DefaultAnomalyRate), 100)
}

func TestNormalBatch(t *testing.T) {
	for _, e := range NewGenerator(WithSeed(4)).NormalBatch(300) {
		assert.True(t, isNormalPort(e.DestinationPort))
		assert.GreaterOrEqual(t, e.PacketSize, 200)
		assert.LessOrEqual(t, e.PacketSize, 1500)
	}
}

func TestRunCount(t *testing.T) {
	var seen []traffic.Event
	n, err := Run(context.Background(), NewGenerator(WithSeed(5)), 0, 25, func(_ context.Context, e traffic.Event, _ Kind) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Len(t, seen, 25)
}

func TestRunInterval(t *testing.T) {
	start := time.Now()
	n, err := Run(context.Background(), NewGenerator(), 5*time.Millisecond, 4, func(context.Context, traffic.Event, Kind) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRunStops(t *testing.T) {
	boom := errors.New("sink failed")
	n, err := Run(context.Background(), NewGenerator(), 0, 0, func(_ context.Context, _ traffic.Event, _ Kind) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(context.Background())
	n, err = Run(ctx, NewGenerator(), time.Millisecond, 0, func(context.Context, traffic.Event, Kind) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func isNormalPort(p int) bool {
	return contains(NormalPorts, p)
}

func contains(ports []int, p int) bool {
	for _, q := range ports {
		if q == p {
			return true
		}
	}
	return false
}
