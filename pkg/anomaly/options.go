package anomaly

import (
	"log/slog"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// DefaultMinBatchSize is the smallest batch Train accepts.
const DefaultMinBatchSize = 10

type options struct {
	logger         *slog.Logger
	minBatchSize   int
	detector       detectors.Config
	reloadEachCall bool
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		minBatchSize: DefaultMinBatchSize,
		detector:     detectors.DefaultConfig(),
	}
}

// Option configures a Trainer or Scorer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMinBatchSize sets the minimum number of valid records Train needs.
func WithMinBatchSize(n int) Option {
	return func(o *options) {
		o.minBatchSize = n
	}
}

// WithDetectorConfig sets the outlier detector parameters used by Train.
func WithDetectorConfig(cfg detectors.Config) Option {
	return func(o *options) {
		o.detector = cfg
	}
}

// WithReloadEachCall makes the Scorer load the model from the store on every
// call instead of caching it.
func WithReloadEachCall() Option {
	return func(o *options) {
		o.reloadEachCall = true
	}
}
