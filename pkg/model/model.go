// Package model holds the trained anomaly model together with the metadata
// needed to score against it, and its serialized form.
package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/iforest"
	"github.com/hed1ad/trafficguard/pkg/features"
)

// AlgorithmIsolationForest names the only detector currently produced.
const AlgorithmIsolationForest = "iforest"

// formatVersion is bumped whenever the envelope or payload layout changes.
const formatVersion = 1

// ErrCorrupt is returned when a serialized model fails validation.
var ErrCorrupt = errors.New("model blob is corrupt")

// Model is a trained detector plus training metadata. It is never mutated
// after construction; retraining produces a new Model.
type Model struct {
	ID            uuid.UUID
	Algorithm     string
	TrainedAt     time.Time
	Contamination float64
	Schema        features.Schema
	SampleCount   int
	Skipped       int
	Detector      detectors.Detector
}

// New wraps a fitted detector.
func New(d detectors.Detector, schema features.Schema, contamination float64, samples, skipped int) (*Model, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate model id: %w", err)
	}
	return &Model{
		ID:            id,
		Algorithm:     AlgorithmIsolationForest,
		TrainedAt:     time.Now().UTC(),
		Contamination: contamination,
		Schema:        schema,
		SampleCount:   samples,
		Skipped:       skipped,
		Detector:      d,
	}, nil
}

// Classify scores a feature vector built with m.Schema.
func (m *Model) Classify(vec []float64) (detectors.Score, error) {
	if len(vec) != m.Schema.Dim() {
		return detectors.Score{}, fmt.Errorf("vector has %d features, model schema %s expects %d", len(vec), m.Schema, m.Schema.Dim())
	}
	v, err := m.Detector.PredictOne(vec)
	if err != nil {
		return detectors.Score{}, err
	}
	return detectors.Score{
		Value:     v,
		IsAnomaly: m.Detector.IsAnomaly(v),
		Features:  vec,
	}, nil
}

type envelope struct {
	Version  int
	Checksum [sha256.Size]byte
	Payload  []byte
}

type payload struct {
	ID            [16]byte
	Algorithm     string
	TrainedAt     time.Time
	Contamination float64
	SchemaVersion int
	Features      []string
	SampleCount   int
	Skipped       int
	Detector      []byte
}

// Marshal encodes m into a self-checking blob.
func Marshal(m *Model) ([]byte, error) {
	det, err := m.Detector.Save()
	if err != nil {
		return nil, fmt.Errorf("serialize detector: %w", err)
	}

	var body bytes.Buffer
	err = gob.NewEncoder(&body).Encode(payload{
		ID:            m.ID,
		Algorithm:     m.Algorithm,
		TrainedAt:     m.TrainedAt,
		Contamination: m.Contamination,
		SchemaVersion: m.Schema.Version,
		Features:      m.Schema.Features,
		SampleCount:   m.SampleCount,
		Skipped:       m.Skipped,
		Detector:      det,
	})
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}

	var out bytes.Buffer
	err = gob.NewEncoder(&out).Encode(envelope{
		Version:  formatVersion,
		Checksum: sha256.Sum256(body.Bytes()),
		Payload:  body.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out.Bytes(), nil
}

// Unmarshal decodes a blob produced by Marshal. Any structural or checksum
// failure is reported as ErrCorrupt.
func Unmarshal(data []byte) (*Model, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrCorrupt, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, env.Version)
	}
	if sha256.Sum256(env.Payload) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var p payload
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	var det detectors.Detector
	switch p.Algorithm {
	case AlgorithmIsolationForest:
		det = iforest.New()
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrCorrupt, p.Algorithm)
	}
	if err := det.Load(p.Detector); err != nil {
		return nil, fmt.Errorf("%w: detector: %v", ErrCorrupt, err)
	}

	return &Model{
		ID:            uuid.UUID(p.ID),
		Algorithm:     p.Algorithm,
		TrainedAt:     p.TrainedAt,
		Contamination: p.Contamination,
		Schema:        features.Schema{Version: p.SchemaVersion, Features: p.Features},
		SampleCount:   p.SampleCount,
		Skipped:       p.Skipped,
		Detector:      det,
	}, nil
}
