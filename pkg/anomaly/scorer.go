package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/internal/metrics"
	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/model"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Scorer classifies events against the stored model. The loaded model is
// cached and treated as immutable, so Score is safe for concurrent use.
type Scorer struct {
	store     modelstore.Store
	extractor *features.Extractor
	opts      options

	current atomic.Pointer[model.Model]
	loadMu  sync.Mutex
}

// Result pairs an event's scored form with the per-record error, if any.
type Result struct {
	Scored traffic.Scored
	Err    error
}

// NewScorer creates a scorer reading from store. The model is loaded lazily
// on the first Score call.
func NewScorer(store modelstore.Store, extractor *features.Extractor, opts ...Option) *Scorer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Scorer{store: store, extractor: extractor, opts: o}
}

// Current returns the cached model, or nil.
func (s *Scorer) Current() *model.Model {
	return s.current.Load()
}

// Use installs m as the cached model, e.g. straight after training.
func (s *Scorer) Use(m *model.Model) error {
	if err := s.checkSchema(m); err != nil {
		return err
	}
	s.current.Store(m)
	return nil
}

// Reload replaces the cached model with the stored one. If the store is
// empty ErrNoModel is returned and the cache is left as is.
func (s *Scorer) Reload(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	_, err := s.load(ctx)
	return err
}

func (s *Scorer) load(ctx context.Context) (*model.Model, error) {
	m, err := s.store.Load(ctx)
	if errors.Is(err, modelstore.ErrNotFound) {
		return nil, ErrNoModel
	}
	if err != nil {
		metrics.ObserveStorageError("load")
		return nil, fmt.Errorf("load model: %w", err)
	}
	if err := s.checkSchema(m); err != nil {
		return nil, err
	}

	prev := s.current.Swap(m)
	if prev == nil || prev.ID != m.ID {
		s.opts.logger.Info("model loaded", logging.ModelID(m.ID), logging.Records(m.SampleCount), logging.Schema(m.Schema.String()))
	}
	return m, nil
}

func (s *Scorer) model(ctx context.Context) (*model.Model, error) {
	if s.opts.reloadEachCall {
		return s.load(ctx)
	}
	if m := s.current.Load(); m != nil {
		return m, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if m := s.current.Load(); m != nil {
		return m, nil
	}
	return s.load(ctx)
}

func (s *Scorer) checkSchema(m *model.Model) error {
	if !m.Schema.Equal(s.extractor.Schema()) {
		return &traffic.SchemaError{
			Field:  "features",
			Reason: fmt.Sprintf("model was trained on %s but scorer extracts %s", m.Schema, s.extractor.Schema()),
		}
	}
	return nil
}

// Score classifies a single event. It returns ErrNoModel before any model
// was trained, a *traffic.SchemaError for malformed events, and a wrapped
// *modelstore.StorageError when the model cannot be loaded.
func (s *Scorer) Score(ctx context.Context, e traffic.Event) (traffic.Scored, error) {
	m, err := s.model(ctx)
	if err != nil {
		if errors.Is(err, ErrNoModel) {
			metrics.ObserveNoModel()
		}
		return traffic.Scored{}, err
	}
	return s.classify(m, e)
}

func (s *Scorer) classify(m *model.Model, e traffic.Event) (traffic.Scored, error) {
	vec, err := s.extractor.Extract(e)
	if err != nil {
		metrics.ObserveSchemaErrors("score", 1)
		return traffic.Scored{}, err
	}
	score, err := m.Classify(vec)
	if err != nil {
		return traffic.Scored{}, err
	}

	scored := traffic.NewScored(e, score.IsAnomaly)
	metrics.ObserveScore(string(scored.Tag))
	if score.IsAnomaly {
		s.opts.logger.Debug("anomaly detected",
			logging.SourceIP(e.SourceAddress),
			logging.RiskScore(scored.RiskScore),
			logging.Tag(string(scored.Tag)),
		)
	}
	return scored, nil
}

// ScoreBatch scores events against one model snapshot. Per-record failures
// are reported in the results; only model loading errors abort the batch.
func (s *Scorer) ScoreBatch(ctx context.Context, events []traffic.Event) ([]Result, error) {
	m, err := s.model(ctx)
	if err != nil {
		if errors.Is(err, ErrNoModel) {
			metrics.ObserveNoModel()
		}
		return nil, err
	}

	results := make([]Result, len(events))
	for i, e := range events {
		scored, err := s.classify(m, e)
		if err != nil {
			scored = traffic.Scored{Event: e}
		}
		results[i] = Result{Scored: scored, Err: err}
	}
	return results, nil
}

// ScoreStream scores events from input until it is closed or ctx is done.
// output is closed on return.
func (s *Scorer) ScoreStream(ctx context.Context, input <-chan traffic.Event, output chan<- Result) error {
	defer close(output)

	m, err := s.model(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-input:
			if !ok {
				return nil
			}

			scored, err := s.classify(m, e)
			if err != nil {
				scored = traffic.Scored{Event: e}
			}

			select {
			case output <- Result{Scored: scored, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
