// Package pcap turns captured network packets into traffic events.
package pcap

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Reader reads packets from PCAP files or live interfaces. Packets without
// a TCP or UDP layer carry no destination port and are skipped.
type Reader struct {
	source *gopacket.PacketSource
	closer func()
	live   bool

	mu      sync.Mutex
	skipped int
}

var (
	_ tgio.Reader  = (*Reader)(nil)
	_ tgio.Skipper = (*Reader)(nil)
)

// DefaultSnapLen captures full Ethernet frames.
const DefaultSnapLen int32 = 1600

// ErrLiveCapture is returned by Read on a live capture, which never ends.
var ErrLiveCapture = errors.New("pcap: live capture has no end, use Stream")

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReaderFrom(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = func() { f.Close() }
	return r, nil
}

// NewReaderFrom creates a reader over PCAP data in src.
func NewReaderFrom(src io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, err
	}
	return &Reader{
		source: gopacket.NewPacketSource(pr, pr.LinkType()),
	}, nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return &Reader{
		source: gopacket.NewPacketSource(handle, handle.LinkType()),
		closer: handle.Close,
		live:   true,
	}, nil
}

// Live reports whether the reader captures from a network interface.
func (r *Reader) Live() bool {
	return r.live
}

// Skipped returns the number of packets dropped so far.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Reader) convert(packet gopacket.Packet) (traffic.Event, bool) {
	e, ok := EventFromPacket(packet)
	if !ok {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
	}
	return e, ok
}

// Read returns all packets of a capture file as events.
func (r *Reader) Read() ([]traffic.Event, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}
	if r.live {
		return nil, ErrLiveCapture
	}

	var events []traffic.Event
	for packet := range r.source.Packets() {
		if e, ok := r.convert(packet); ok {
			events = append(events, e)
		}
	}
	return events, nil
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan traffic.Event, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan traffic.Event, 1000)
	packets := r.source.Packets()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packets:
				if !ok {
					return
				}
				e, ok := r.convert(packet)
				if !ok {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		r.closer()
	}
	return nil
}

// EventFromPacket extracts the source address, destination port, wire
// length and capture time of a packet. It reports false for packets without
// a TCP or UDP layer.
func EventFromPacket(packet gopacket.Packet) (traffic.Event, bool) {
	var e traffic.Event

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		e.DestinationPort = int(tcpLayer.(*layers.TCP).DstPort)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		e.DestinationPort = int(udpLayer.(*layers.UDP).DstPort)
	} else {
		return traffic.Event{}, false
	}

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		e.SourceAddress = ipLayer.(*layers.IPv4).SrcIP.String()
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		e.SourceAddress = ipLayer.(*layers.IPv6).SrcIP.String()
	}

	e.PacketSize = len(packet.Data())
	if md := packet.Metadata(); md != nil {
		if md.Length > 0 {
			e.PacketSize = md.Length
		}
		e.Timestamp = md.Timestamp.UTC()
	}
	return e, true
}
