// Package jsonl reads and appends traffic records stored as JSON lines.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hed1ad/trafficguard/internal/logging"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

var (
	_ tgio.Reader  = (*Reader)(nil)
	_ tgio.Skipper = (*Reader)(nil)
	_ tgio.Writer  = (*Writer)(nil)
)

const maxLineSize = 1 << 20

// Reader reads events from a JSON lines source. Malformed lines are skipped
// and counted.
type Reader struct {
	src    io.Reader
	closer io.Closer
	logger *slog.Logger

	scanner *bufio.Scanner
	line    int

	mu      sync.Mutex
	skipped int
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger logs every skipped line at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// NewReader creates a reader over src.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{src: src, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.scanner = bufio.NewScanner(src)
	r.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return r
}

// Open creates a reader over the file at path.
func Open(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, opts...)
	r.closer = f
	return r, nil
}

// next returns the next non-empty line, or io.EOF.
func (r *Reader) next() ([]byte, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

func (r *Reader) skip(err error) {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
	r.logger.Debug("skipping malformed record", slog.Int("line", r.line), logging.Error(err))
}

// Skipped returns the number of malformed lines seen so far.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Read returns every well-formed event.
func (r *Reader) Read() ([]traffic.Event, error) {
	var events []traffic.Event
	for {
		line, err := r.next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		e, err := traffic.ParseEvent(line)
		if err != nil {
			r.skip(err)
			continue
		}
		events = append(events, e)
	}
}

// ReadScored returns every well-formed record, scored or not.
func (r *Reader) ReadScored() ([]traffic.Scored, error) {
	var records []traffic.Scored
	for {
		line, err := r.next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		s, err := traffic.ParseScored(line)
		if err != nil {
			r.skip(err)
			continue
		}
		records = append(records, s)
	}
}

// Stream returns a channel of events read in the background.
func (r *Reader) Stream(ctx context.Context) (<-chan traffic.Event, error) {
	out := make(chan traffic.Event, 100)

	go func() {
		defer close(out)
		for {
			line, err := r.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Error("stream stopped", logging.Error(err))
				}
				return
			}
			e, err := traffic.ParseEvent(line)
			if err != nil {
				r.skip(err)
				continue
			}

			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadFile loads every scored or unscored record in the log at path. A
// missing file yields no records.
func ReadFile(path string) ([]traffic.Scored, int, error) {
	r, err := Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	records, err := r.ReadScored()
	return records, r.Skipped(), err
}
