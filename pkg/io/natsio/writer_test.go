package natsio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

type fakePublisher struct {
	msgs     []*nats.Msg
	flushes  int
	deadline bool
	err      error
}

func (p *fakePublisher) PublishMsg(msg *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) FlushWithContext(ctx context.Context) error {
	_, p.deadline = ctx.Deadline()
	p.flushes++
	return nil
}

func TestWriterPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	w := NewWriter(pub, "")
	assert.Equal(t, DefaultSubject, w.Subject())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	scored := traffic.NewScored(traffic.Event{SourceAddress: "10.0.0.1", DestinationPort: 445, PacketSize: 64, Timestamp: ts}, true)
	require.NoError(t, w.Write(context.Background(), scored))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, DefaultSubject, msg.Subject)
	assert.Equal(t, "Anomaly", msg.Header.Get(HeaderTag))

	got, err := traffic.ParseScored(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, scored.Tag, got.Tag)
	assert.Equal(t, 445, got.DestinationPort)
	assert.True(t, got.Timestamp.Equal(ts))
	assert.NoError(t, w.Close())
}

func TestWriterWriteAllFlushes(t *testing.T) {
	pub := &fakePublisher{}
	w := NewWriter(pub, "custom.subject")

	records := []traffic.Scored{
		traffic.NewScored(traffic.Event{DestinationPort: 80, PacketSize: 400}, false),
		{Event: traffic.Event{DestinationPort: 22, PacketSize: 300}},
	}
	require.NoError(t, w.WriteAll(context.Background(), records))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "custom.subject", pub.msgs[1].Subject)
	assert.Equal(t, "Normal", pub.msgs[0].Header.Get(HeaderTag))
	assert.Empty(t, pub.msgs[1].Header.Get(HeaderTag))
	assert.Equal(t, 1, pub.flushes)
	assert.True(t, pub.deadline)
}

func TestWriterErrors(t *testing.T) {
	boom := errors.New("connection closed")
	w := NewWriter(&fakePublisher{err: boom}, "")
	assert.ErrorIs(t, w.Write(context.Background(), traffic.Scored{}), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := &fakePublisher{}
	w = NewWriter(pub, "")
	assert.ErrorIs(t, w.WriteAll(ctx, []traffic.Scored{{}}), context.Canceled)
	assert.Empty(t, pub.msgs)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
}

func TestConnectUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	_, err := Connect(cfg, nil)
	assert.Error(t, err)
}
