package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/internal/metrics"
	"github.com/hed1ad/trafficguard/pkg/detectors/iforest"
	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/model"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Trainer fits the outlier model on a historical batch and persists it.
// Train calls are serialized.
type Trainer struct {
	mu        sync.Mutex
	store     modelstore.Store
	extractor *features.Extractor
	opts      options
}

// NewTrainer creates a trainer writing to store.
func NewTrainer(store modelstore.Store, extractor *features.Extractor, opts ...Option) *Trainer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Trainer{store: store, extractor: extractor, opts: o}
}

// Train extracts features from batch, fits a new model and replaces the
// stored one. Records failing extraction are skipped and counted; the
// minimum batch size applies to the remaining records. When the batch is
// too small ErrInsufficientData is returned and the store is untouched.
func (t *Trainer) Train(ctx context.Context, batch []traffic.Event) (*model.Model, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	log := t.opts.logger.With(logging.Schema(t.extractor.Schema().String()))

	data, skipped, firstErr := t.extractor.ExtractBatch(batch)
	if skipped > 0 {
		metrics.ObserveSchemaErrors("train", skipped)
		log.Warn("skipped malformed training records", logging.Skipped(skipped), logging.Error(firstErr))
	}

	if len(data) < t.opts.minBatchSize {
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeInsufficient, len(data))
		log.Info("not enough data to train model", logging.Records(len(data)), slog.Int("required", t.opts.minBatchSize))
		return nil, fmt.Errorf("%w: %d valid records, need %d", ErrInsufficientData, len(data), t.opts.minBatchSize)
	}

	det := iforest.FromConfig(t.opts.detector)
	if err := det.Fit(data); err != nil {
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeError, len(data))
		return nil, fmt.Errorf("fit detector: %w", err)
	}

	m, err := model.New(det, t.extractor.Schema(), t.opts.detector.Contamination, len(data), skipped)
	if err != nil {
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeError, len(data))
		return nil, err
	}

	flagged, err := countFlagged(m, data)
	if err != nil {
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeError, len(data))
		return nil, fmt.Errorf("score training batch: %w", err)
	}

	if err := t.store.Save(ctx, m); err != nil {
		metrics.ObserveStorageError("save")
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeError, len(data))
		return nil, fmt.Errorf("save model: %w", err)
	}

	metrics.ObserveTraining(time.Since(start), metrics.OutcomeSuccess, len(data))
	log.Info("model trained and saved",
		logging.ModelID(m.ID),
		logging.Records(len(data)),
		logging.Skipped(skipped),
		logging.Flagged(flagged),
		logging.Contamination(m.Contamination),
		logging.Duration(time.Since(start).Milliseconds()),
	)
	return m, nil
}

func countFlagged(m *model.Model, data [][]float64) (int, error) {
	scores, err := m.Detector.Predict(data)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, s := range scores {
		if m.Detector.IsAnomaly(s) {
			flagged++
		}
	}
	return flagged, nil
}
