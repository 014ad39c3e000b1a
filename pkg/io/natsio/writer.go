// Package natsio publishes scored traffic events to NATS.
package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hed1ad/trafficguard/internal/logging"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// DefaultSubject is the subject scored events are published on.
const DefaultSubject = "traffic.scored"

// HeaderTag carries the record's tag so subscribers can filter without
// decoding the payload.
const HeaderTag = "Traffic-Tag"

const flushTimeout = 5 * time.Second

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "trafficguard",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect dials the NATS server described by cfg.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Publisher is the subset of *nats.Conn used by Writer.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Writer publishes each scored record as a JSON message.
type Writer struct {
	pub     Publisher
	subject string
	closer  func()
}

var _ tgio.Writer = (*Writer)(nil)

// NewWriter creates a writer publishing on subject. An empty subject
// selects DefaultSubject.
func NewWriter(pub Publisher, subject string) *Writer {
	if subject == "" {
		subject = DefaultSubject
	}
	w := &Writer{pub: pub, subject: subject}
	if conn, ok := pub.(*nats.Conn); ok {
		w.closer = conn.Close
	}
	return w
}

// Subject returns the subject records are published on.
func (w *Writer) Subject() string {
	return w.subject
}

func (w *Writer) publish(s traffic.Scored) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msg := nats.NewMsg(w.subject)
	msg.Data = data
	if s.IsScored() {
		msg.Header.Set(HeaderTag, string(s.Tag))
	}
	return w.pub.PublishMsg(msg)
}

// Write publishes one record.
func (w *Writer) Write(ctx context.Context, s traffic.Scored) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.publish(s)
}

// WriteAll publishes records in order and flushes the connection.
func (w *Writer) WriteAll(ctx context.Context, records []traffic.Scored) error {
	for _, s := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.publish(s); err != nil {
			return err
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return w.pub.FlushWithContext(ctx)
}

// Close flushes pending messages and closes the connection when pub is a
// *nats.Conn.
func (w *Writer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := w.pub.FlushWithContext(ctx)
	if w.closer != nil {
		w.closer()
	}
	return err
}
