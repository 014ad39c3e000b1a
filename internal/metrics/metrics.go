// Package metrics exposes Prometheus collectors for training and scoring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trafficguard"

const (
	// OutcomeSuccess labels completed operations.
	OutcomeSuccess = "success"
	// OutcomeInsufficient labels training runs rejected for lack of data.
	OutcomeInsufficient = "insufficient_data"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	eventsScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_scored_total",
			Help:      "Events scored, partitioned by tag.",
		},
		[]string{"tag"},
	)

	schemaErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_errors_total",
			Help:      "Records rejected for schema violations, partitioned by stage.",
		},
		[]string{"stage"},
	)

	noModelTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_no_model_total",
			Help:      "Scoring attempts made before any model was available.",
		},
	)

	trainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Training runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	trainingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_seconds",
			Help:      "Model training latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	trainingSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_training_samples",
			Help:      "Number of records the current model was trained on.",
		},
	)

	storageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_store_errors_total",
			Help:      "Model store failures, partitioned by operation.",
		},
		[]string{"op"},
	)
)

// Register attaches the collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsScoredTotal,
		schemaErrorsTotal,
		noModelTotal,
		trainingRunsTotal,
		trainingDurationSeconds,
		trainingSamples,
		storageErrorsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveScore counts a scored event.
func ObserveScore(tag string) {
	eventsScoredTotal.WithLabelValues(tag).Inc()
}

// ObserveSchemaErrors counts n rejected records at stage ("train" or "score").
func ObserveSchemaErrors(stage string, n int) {
	if n <= 0 {
		return
	}
	schemaErrorsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveNoModel counts a scoring attempt without a model.
func ObserveNoModel() {
	noModelTotal.Inc()
}

// ObserveTraining records a training run.
func ObserveTraining(duration time.Duration, outcome string, samples int) {
	trainingRunsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	trainingDurationSeconds.Observe(duration.Seconds())
	if outcome == OutcomeSuccess {
		trainingSamples.Set(float64(samples))
	}
}

// ObserveStorageError counts a model store failure.
func ObserveStorageError(op string) {
	storageErrorsTotal.WithLabelValues(op).Inc()
}
