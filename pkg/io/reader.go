// Package io defines the record sources and sinks used to move traffic
// events in and out of the scoring engine.
package io

import (
	"context"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Reader is the interface for reading traffic events from various sources.
type Reader interface {
	// Read returns every well-formed event in the source.
	Read() ([]traffic.Event, error)

	// Stream returns a channel of events for real-time processing.
	// The channel is closed when the source is exhausted or ctx is done.
	Stream(ctx context.Context) (<-chan traffic.Event, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for emitting scored events.
type Writer interface {
	// Write outputs a single record.
	Write(ctx context.Context, s traffic.Scored) error

	// WriteAll outputs multiple records.
	WriteAll(ctx context.Context, records []traffic.Scored) error

	// Close releases resources.
	Close() error
}

// Skipper is implemented by readers that drop malformed records.
type Skipper interface {
	// Skipped returns the number of records dropped so far.
	Skipped() int
}
