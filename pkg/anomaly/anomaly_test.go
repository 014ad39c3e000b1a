package anomaly

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/model"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

var normalPorts = []int{80, 443, 22, 3306}

func newExtractor(t *testing.T, names ...string) *features.Extractor {
	t.Helper()
	if len(names) == 0 {
		names = features.DefaultFeatures
	}
	schema, err := features.NewSchema(names)
	require.NoError(t, err)
	x, err := features.NewExtractor(schema)
	require.NoError(t, err)
	return x
}

func event(port, size int) traffic.Event {
	return traffic.Event{
		SourceAddress:   "192.168.0.10",
		DestinationPort: port,
		PacketSize:      size,
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// scenarioBatch is ten normal-range records.
func scenarioBatch() []traffic.Event {
	return []traffic.Event{
		event(80, 400),
		event(80, 520),
		event(80, 610),
		event(443, 450),
		event(443, 500),
		event(443, 560),
		event(22, 300),
		event(22, 380),
		event(3306, 600),
		event(3306, 700),
	}
}

func normalTraffic(rng *rand.Rand, n int) []traffic.Event {
	events := make([]traffic.Event, n)
	for i := range events {
		events[i] = event(normalPorts[rng.Intn(len(normalPorts))], 200+rng.Intn(1301))
	}
	return events
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	trainer := NewTrainer(store, x)
	scorer := NewScorer(store, x)

	t.Run("nine records are not enough", func(t *testing.T) {
		_, err := trainer.Train(ctx, scenarioBatch()[:9])
		assert.ErrorIs(t, err, ErrInsufficientData)

		exists, err := store.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ten records train", func(t *testing.T) {
		m, err := trainer.Train(ctx, scenarioBatch())
		require.NoError(t, err)
		assert.Equal(t, 10, m.SampleCount)
		assert.Equal(t, 0.05, m.Contamination)
	})

	t.Run("oversized packet is an anomaly", func(t *testing.T) {
		got, err := scorer.Score(ctx, event(80, 50000))
		require.NoError(t, err)
		assert.Equal(t, traffic.TagAnomaly, got.Tag)
		assert.Equal(t, 1.0, got.RiskScore)
		assert.Equal(t, 50000, got.PacketSize)
	})

	t.Run("typical packet is normal", func(t *testing.T) {
		got, err := scorer.Score(ctx, event(443, 500))
		require.NoError(t, err)
		assert.Equal(t, traffic.TagNormal, got.Tag)
		assert.Equal(t, 0.0, got.RiskScore)
	})
}

func TestTrainOnIdenticalRecords(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)

	batch := make([]traffic.Event, 10)
	for i := range batch {
		batch[i] = event(443, 500)
	}
	_, err := NewTrainer(store, x).Train(ctx, batch)
	require.NoError(t, err)

	scorer := NewScorer(store, x)
	got, err := scorer.Score(ctx, event(80, 50000))
	require.NoError(t, err)
	assert.Equal(t, traffic.TagAnomaly, got.Tag)

	got, err = scorer.Score(ctx, event(443, 500))
	require.NoError(t, err)
	assert.Equal(t, traffic.TagNormal, got.Tag)
}

func TestTrainBelowMinimumLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	trainer := NewTrainer(store, x)

	first, err := trainer.Train(ctx, scenarioBatch())
	require.NoError(t, err)

	for n := 0; n < DefaultMinBatchSize; n++ {
		_, err := trainer.Train(ctx, scenarioBatch()[:n])
		assert.ErrorIs(t, err, ErrInsufficientData, "batch of %d", n)
	}

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestTrainSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	trainer := NewTrainer(modelstore.NewMemoryStore(), newExtractor(t))

	batch := append(scenarioBatch(), event(-1, 100), event(80, -40))
	m, err := trainer.Train(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 10, m.SampleCount)
	assert.Equal(t, 2, m.Skipped)

	// Malformed records do not count towards the minimum.
	short := append(scenarioBatch()[:9], event(70000, 100))
	_, err = trainer.Train(ctx, short)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestTrainCustomMinimum(t *testing.T) {
	trainer := NewTrainer(modelstore.NewMemoryStore(), newExtractor(t), WithMinBatchSize(3))
	_, err := trainer.Train(context.Background(), scenarioBatch()[:3])
	assert.NoError(t, err)
}

func TestTrainInvalidDetectorConfig(t *testing.T) {
	cfg := detectors.DefaultConfig()
	cfg.Contamination = 0.9
	store := modelstore.NewMemoryStore()
	trainer := NewTrainer(store, newExtractor(t), WithDetectorConfig(cfg))

	_, err := trainer.Train(context.Background(), scenarioBatch())
	assert.Error(t, err)

	exists, err := store.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestScoreBeforeTrain(t *testing.T) {
	scorer := NewScorer(modelstore.NewMemoryStore(), newExtractor(t))

	_, err := scorer.Score(context.Background(), event(443, 500))
	assert.ErrorIs(t, err, ErrNoModel)

	_, err = scorer.ScoreBatch(context.Background(), scenarioBatch())
	assert.ErrorIs(t, err, ErrNoModel)

	assert.ErrorIs(t, scorer.Reload(context.Background()), ErrNoModel)
	assert.Nil(t, scorer.Current())
}

func TestScorerPicksUpModelTrainedLater(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	scorer := NewScorer(store, x)

	_, err := scorer.Score(ctx, event(443, 500))
	require.ErrorIs(t, err, ErrNoModel)

	_, err = NewTrainer(store, x).Train(ctx, scenarioBatch())
	require.NoError(t, err)

	_, err = scorer.Score(ctx, event(443, 500))
	assert.NoError(t, err)
}

func TestSelfConsistencyAfterRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewFileStore(t.TempDir() + "/model.bin")
	x := newExtractor(t)

	batch := normalTraffic(rand.New(rand.NewSource(9)), 200)
	trained, err := NewTrainer(store, x).Train(ctx, batch)
	require.NoError(t, err)

	scorer := NewScorer(store, x)
	for _, e := range batch {
		vec, err := x.Extract(e)
		require.NoError(t, err)
		want, err := trained.Classify(vec)
		require.NoError(t, err)

		got, err := scorer.Score(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, want.IsAnomaly, got.Tag == traffic.TagAnomaly)
	}
	assert.Equal(t, trained.ID, scorer.Current().ID)
}

func TestSameDistributionMostlyNormal(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	rng := rand.New(rand.NewSource(2024))

	_, err := NewTrainer(store, x).Train(ctx, normalTraffic(rng, 1000))
	require.NoError(t, err)

	results, err := NewScorer(store, x).ScoreBatch(ctx, normalTraffic(rng, 500))
	require.NoError(t, err)

	normal := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.Scored.Tag == traffic.TagNormal {
			normal++
		}
	}
	assert.GreaterOrEqual(t, float64(normal)/float64(len(results)), 0.9)
}

func TestScoreSchemaError(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	_, err := NewTrainer(store, x).Train(ctx, scenarioBatch())
	require.NoError(t, err)

	scorer := NewScorer(store, x)
	_, err = scorer.Score(ctx, event(-3, 100))
	var schemaErr *traffic.SchemaError
	require.True(t, errors.As(err, &schemaErr))

	results, err := scorer.ScoreBatch(ctx, []traffic.Event{event(443, 500), event(80, -1), event(22, 400)})
	require.NoError(t, err, "per-record errors do not abort the batch")
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, -1, results[1].Scored.PacketSize)
	assert.NoError(t, results[2].Err)
}

func TestScoreSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	_, err := NewTrainer(store, newExtractor(t)).Train(ctx, scenarioBatch())
	require.NoError(t, err)

	scorer := NewScorer(store, newExtractor(t, features.PacketSize, features.HourOfDay))
	_, err = scorer.Score(ctx, event(443, 500))
	var schemaErr *traffic.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "features", schemaErr.Field)
}

type failingStore struct {
	modelstore.Store
	err error
}

func (s failingStore) Load(context.Context) (*model.Model, error) {
	return nil, s.err
}

func (s failingStore) Save(context.Context, *model.Model) error {
	return s.err
}

func TestStorageErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	storageErr := &modelstore.StorageError{Op: "read", Backend: "test", Err: errors.New("io failure")}
	store := failingStore{err: storageErr}
	x := newExtractor(t)

	_, err := NewTrainer(store, x).Train(ctx, scenarioBatch())
	var se *modelstore.StorageError
	assert.True(t, errors.As(err, &se))

	_, err = NewScorer(store, x).Score(ctx, event(443, 500))
	assert.True(t, errors.As(err, &se))
	assert.NotErrorIs(t, err, ErrNoModel)
}

func TestReloadEachCall(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	trainer := NewTrainer(store, x)
	scorer := NewScorer(store, x, WithReloadEachCall())

	first, err := trainer.Train(ctx, scenarioBatch())
	require.NoError(t, err)
	_, err = scorer.Score(ctx, event(443, 500))
	require.NoError(t, err)
	assert.Equal(t, first.ID, scorer.Current().ID)

	second, err := trainer.Train(ctx, normalTraffic(rand.New(rand.NewSource(1)), 50))
	require.NoError(t, err)
	_, err = scorer.Score(ctx, event(443, 500))
	require.NoError(t, err)
	assert.Equal(t, second.ID, scorer.Current().ID)
}

func TestCachedScorerNeedsReload(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	trainer := NewTrainer(store, x)
	scorer := NewScorer(store, x)

	first, err := trainer.Train(ctx, scenarioBatch())
	require.NoError(t, err)
	_, err = scorer.Score(ctx, event(443, 500))
	require.NoError(t, err)

	second, err := trainer.Train(ctx, normalTraffic(rand.New(rand.NewSource(1)), 50))
	require.NoError(t, err)
	assert.Equal(t, first.ID, scorer.Current().ID)

	require.NoError(t, scorer.Reload(ctx))
	assert.Equal(t, second.ID, scorer.Current().ID)
}

func TestUse(t *testing.T) {
	ctx := context.Background()
	x := newExtractor(t)
	m, err := NewTrainer(modelstore.NewMemoryStore(), x).Train(ctx, scenarioBatch())
	require.NoError(t, err)

	scorer := NewScorer(modelstore.NewMemoryStore(), x)
	require.NoError(t, scorer.Use(m))

	got, err := scorer.Score(ctx, event(80, 50000))
	require.NoError(t, err)
	assert.Equal(t, traffic.TagAnomaly, got.Tag)

	other := NewScorer(modelstore.NewMemoryStore(), newExtractor(t, features.HourOfDay))
	assert.Error(t, other.Use(m))
}

func TestConcurrentScoring(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	trainer := NewTrainer(store, x)
	_, err := trainer.Train(ctx, normalTraffic(rand.New(rand.NewSource(5)), 300))
	require.NoError(t, err)

	scorer := NewScorer(store, x)
	want, err := scorer.Score(ctx, event(80, 50000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := scorer.Score(ctx, event(80, 50000))
				if assert.NoError(t, err) {
					assert.Equal(t, want.Tag, got.Tag)
				}
			}
		}()
	}

	// Retraining concurrently replaces the stored model without disturbing
	// scorers holding the cached one.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := trainer.Train(ctx, normalTraffic(rand.New(rand.NewSource(6)), 300))
		assert.NoError(t, err)
	}()
	wg.Wait()
}

func TestScoreStream(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	_, err := NewTrainer(store, x).Train(ctx, scenarioBatch())
	require.NoError(t, err)

	scorer := NewScorer(store, x)
	input := make(chan traffic.Event, 3)
	output := make(chan Result, 3)

	errc := make(chan error, 1)
	go func() { errc <- scorer.ScoreStream(ctx, input, output) }()

	input <- event(443, 500)
	input <- event(80, -1)
	input <- event(80, 50000)
	close(input)

	var results []Result
	for r := range output {
		results = append(results, r)
	}
	require.NoError(t, <-errc)
	require.Len(t, results, 3)
	assert.Equal(t, traffic.TagNormal, results[0].Scored.Tag)
	assert.Error(t, results[1].Err)
	assert.Equal(t, traffic.TagAnomaly, results[2].Scored.Tag)
}

func TestScoreStreamCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := modelstore.NewMemoryStore()
	x := newExtractor(t)
	_, err := NewTrainer(store, x).Train(context.Background(), scenarioBatch())
	require.NoError(t, err)

	input := make(chan traffic.Event)
	output := make(chan Result)
	errc := make(chan error, 1)
	go func() { errc <- NewScorer(store, x).ScoreStream(ctx, input, output) }()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	_, open := <-output
	assert.False(t, open)
}

func TestScoreStreamNoModel(t *testing.T) {
	output := make(chan Result)
	err := NewScorer(modelstore.NewMemoryStore(), newExtractor(t)).ScoreStream(context.Background(), make(chan traffic.Event), output)
	assert.ErrorIs(t, err, ErrNoModel)
}
