package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Writer appends records as JSON lines. It is safe for concurrent use and
// each record is written with a single call to the underlying writer.
type Writer struct {
	mu     sync.Mutex
	dst    io.Writer
	closer io.Closer
}

// NewWriter creates a writer over dst. Closing it does not close dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// OpenAppend opens the log at path for appending, creating it and its
// directory when missing.
func OpenAppend(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{dst: f, closer: f}, nil
}

func encodeLine(s traffic.Scored) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Write appends one record. Records without a tag are written without
// risk_score and tag.
func (w *Writer) Write(ctx context.Context, s traffic.Scored) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := encodeLine(s)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.dst.Write(line)
	return err
}

// WriteAll appends records in order.
func (w *Writer) WriteAll(ctx context.Context, records []traffic.Scored) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf := bufio.NewWriter(w.dst)
	for _, s := range records {
		line, err := encodeLine(s)
		if err != nil {
			return err
		}
		if _, err := buf.Write(line); err != nil {
			return err
		}
	}
	return buf.Flush()
}

// Close releases resources.
func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
