// Package features maps traffic events onto the numeric vectors used by the
// outlier-detection model.
package features

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// SchemaVersion identifies the feature definitions below. Bump it whenever
// the meaning of an existing feature changes.
const SchemaVersion = 1

// Feature names.
const (
	DestinationPort = "destination_port"
	PacketSize      = "packet_size"
	HourOfDay       = "hour_of_day"
)

// DefaultFeatures is the feature set used when none is configured.
var DefaultFeatures = []string{DestinationPort, PacketSize}

type feature func(traffic.Event) (float64, error)

var registry = map[string]feature{
	DestinationPort: func(e traffic.Event) (float64, error) {
		if e.DestinationPort < 0 || e.DestinationPort > 65535 {
			return 0, &traffic.SchemaError{Field: "dst_port", Reason: fmt.Sprintf("out of range: %d", e.DestinationPort)}
		}
		return float64(e.DestinationPort), nil
	},
	PacketSize: func(e traffic.Event) (float64, error) {
		if e.PacketSize < 0 {
			return 0, &traffic.SchemaError{Field: "packet_size", Reason: fmt.Sprintf("is negative: %d", e.PacketSize)}
		}
		return float64(e.PacketSize), nil
	},
	HourOfDay: func(e traffic.Event) (float64, error) {
		if e.Timestamp.IsZero() {
			return 0, &traffic.SchemaError{Field: "timestamp", Reason: "is missing"}
		}
		return float64(e.Timestamp.UTC().Hour()), nil
	},
}

// Known returns the names of all supported features.
func Known() []string {
	return []string{DestinationPort, PacketSize, HourOfDay}
}

// Schema is the ordered, versioned list of features a model is trained on.
type Schema struct {
	Version  int
	Features []string
}

// NewSchema validates names against the supported features.
func NewSchema(names []string) (Schema, error) {
	if len(names) == 0 {
		return Schema{}, errors.New("feature set is empty")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := registry[name]; !ok {
			return Schema{}, fmt.Errorf("unknown feature %q (known: %s)", name, strings.Join(Known(), ", "))
		}
		if seen[name] {
			return Schema{}, fmt.Errorf("duplicate feature %q", name)
		}
		seen[name] = true
	}
	return Schema{
		Version:  SchemaVersion,
		Features: append([]string(nil), names...),
	}, nil
}

// Dim returns the vector length.
func (s Schema) Dim() int {
	return len(s.Features)
}

// Equal reports whether both schemas produce identical vectors.
func (s Schema) Equal(o Schema) bool {
	if s.Version != o.Version || len(s.Features) != len(o.Features) {
		return false
	}
	for i := range s.Features {
		if s.Features[i] != o.Features[i] {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	return fmt.Sprintf("v%d[%s]", s.Version, strings.Join(s.Features, ","))
}

// Extractor converts events into feature vectors.
type Extractor struct {
	schema Schema
	funcs  []feature
}

// NewExtractor creates an extractor for the given schema.
func NewExtractor(schema Schema) (*Extractor, error) {
	if schema.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported feature schema version %d", schema.Version)
	}
	funcs := make([]feature, len(schema.Features))
	for i, name := range schema.Features {
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		funcs[i] = fn
	}
	return &Extractor{schema: schema, funcs: funcs}, nil
}

// Schema returns the schema this extractor produces.
func (x *Extractor) Schema() Schema {
	return x.schema
}

// Extract returns the feature vector for e in schema order.
func (x *Extractor) Extract(e traffic.Event) ([]float64, error) {
	vec := make([]float64, len(x.funcs))
	for i, fn := range x.funcs {
		v, err := fn(e)
		if err != nil {
			return nil, err
		}
		vec[i] = v
	}
	return vec, nil
}

// ExtractBatch extracts every event it can. Events failing extraction are
// skipped; the number skipped is returned alongside the first such error.
func (x *Extractor) ExtractBatch(events []traffic.Event) ([][]float64, int, error) {
	data := make([][]float64, 0, len(events))
	var (
		skipped  int
		firstErr error
	)
	for _, e := range events {
		vec, err := x.Extract(e)
		if err != nil {
			skipped++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		data = append(data, vec)
	}
	return data, skipped, firstErr
}
