// Package csv reads traffic events from CSV exports.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Column names recognised in the header row.
const (
	ColumnSourceIP   = "src_ip"
	ColumnDstPort    = "dst_port"
	ColumnPacketSize = "packet_size"
	ColumnTimestamp  = "timestamp"
)

// DefaultColumns is the column order assumed when the file has no header.
var DefaultColumns = []string{ColumnSourceIP, ColumnDstPort, ColumnPacketSize, ColumnTimestamp}

// Reader reads events from CSV files. Rows that do not map onto a valid
// event are skipped and counted.
type Reader struct {
	file      io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	index     map[string]int

	mu      sync.Mutex
	skipped int
}

var (
	_ tgio.Reader  = (*Reader)(nil)
	_ tgio.Skipper = (*Reader)(nil)
)

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// NewReader creates a new CSV reader over the file at filename.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := newReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

// NewReaderFrom creates a CSV reader over src.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, opts...)
}

func newReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	r.headers = DefaultColumns
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
	}

	r.index = make(map[string]int, len(r.headers))
	for i, h := range r.headers {
		r.index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{ColumnDstPort, ColumnPacketSize} {
		if _, ok := r.index[required]; !ok {
			return nil, &traffic.SchemaError{Field: required, Reason: "has no column"}
		}
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of rows dropped so far.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Reader) skip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

// next returns the next well-formed event, or io.EOF.
func (r *Reader) next() (traffic.Event, error) {
	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			return traffic.Event{}, io.EOF
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				r.skip()
				continue
			}
			return traffic.Event{}, err
		}

		e, err := r.parseRow(record)
		if err != nil {
			r.skip()
			continue
		}
		return e, nil
	}
}

// Read returns all well-formed events.
func (r *Reader) Read() ([]traffic.Event, error) {
	var events []traffic.Event
	for {
		e, err := r.next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan traffic.Event, error) {
	out := make(chan traffic.Event, 100)

	go func() {
		defer close(out)
		for {
			e, err := r.next()
			if err != nil {
				return
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
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) column(record []string, name string) (string, bool) {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[i]), true
}

// parseRow maps a CSV record onto an event.
func (r *Reader) parseRow(record []string) (traffic.Event, error) {
	var e traffic.Event
	if v, ok := r.column(record, ColumnSourceIP); ok {
		e.SourceAddress = v
	}

	port, err := r.intColumn(record, ColumnDstPort)
	if err != nil {
		return traffic.Event{}, err
	}
	size, err := r.intColumn(record, ColumnPacketSize)
	if err != nil {
		return traffic.Event{}, err
	}
	e.DestinationPort = port
	e.PacketSize = size

	if v, ok := r.column(record, ColumnTimestamp); ok && v != "" {
		if e.Timestamp, err = traffic.ParseTimestamp(v); err != nil {
			return traffic.Event{}, err
		}
	}
	return e, nil
}

func (r *Reader) intColumn(record []string, name string) (int, error) {
	v, ok := r.column(record, name)
	if !ok || v == "" {
		return 0, &traffic.SchemaError{Field: name, Reason: "is missing"}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &traffic.SchemaError{Field: name, Reason: "is not an integer"}
	}
	return n, nil
}
