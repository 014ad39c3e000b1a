// Package config loads trafficguard settings from defaults, an optional YAML
// file and TRAFFICGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/io/natsio"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
)

// EnvPrefix prefixes environment overrides, e.g. TRAFFICGUARD_MODEL_BACKEND.
const EnvPrefix = "TRAFFICGUARD"

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "trafficguard.yaml"

// Config is the complete application configuration.
type Config struct {
	Training TrainingConfig `mapstructure:"training"`
	Features []string       `mapstructure:"features"`
	Model    ModelConfig    `mapstructure:"model"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logs     LogsConfig     `mapstructure:"logs"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TrainingConfig holds trainer and detector parameters.
type TrainingConfig struct {
	MinimumBatchSize      int     `mapstructure:"minimum_batch_size"`
	ContaminationFraction float64 `mapstructure:"contamination_fraction"`
	Trees                 int     `mapstructure:"trees"`
	SampleSize            int     `mapstructure:"sample_size"`
	Seed                  int64   `mapstructure:"seed"`
}

// ModelConfig selects the model store.
type ModelConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisKey string `mapstructure:"redis_key"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogsConfig locates the traffic log store.
type LogsConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds publishing settings for scored records.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subject       string        `mapstructure:"subject"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("training.minimum_batch_size", 10)
	v.SetDefault("training.contamination_fraction", 0.05)
	v.SetDefault("training.trees", 100)
	v.SetDefault("training.sample_size", 256)
	v.SetDefault("training.seed", 42)

	v.SetDefault("features", features.DefaultFeatures)

	v.SetDefault("model.backend", modelstore.BackendFile)
	v.SetDefault("model.path", "models/anomaly_model.bin")
	v.SetDefault("model.redis_key", modelstore.DefaultRedisKey)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logs.path", "logs/traffic_log.json")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", natsio.DefaultConfig().URL)
	v.SetDefault("nats.subject", natsio.DefaultSubject)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration. path may be empty, in which case DefaultFile is
// used when present. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Lists from the environment are comma separated and may carry spaces.
	cfg.Features = splitList(strings.Join(cfg.Features, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.Training.MinimumBatchSize < 1 {
		errs = append(errs, errors.New("training.minimum_batch_size must be at least 1"))
	}
	if c.Training.ContaminationFraction < 0 || c.Training.ContaminationFraction >= 0.5 {
		errs = append(errs, errors.New("training.contamination_fraction must be in [0, 0.5)"))
	}
	if c.Training.Trees < 1 {
		errs = append(errs, errors.New("training.trees must be positive"))
	}
	if c.Training.SampleSize < 2 {
		errs = append(errs, errors.New("training.sample_size must be at least 2"))
	}
	if _, err := features.NewSchema(c.Features); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}

	switch c.Model.Backend {
	case modelstore.BackendFile:
		if c.Model.Path == "" {
			errs = append(errs, errors.New("model.path is required for the file backend"))
		}
	case modelstore.BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case modelstore.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("model.backend %q is not one of file, redis, memory", c.Model.Backend))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// DetectorConfig returns the outlier detector parameters.
func (c *Config) DetectorConfig() detectors.Config {
	return detectors.Config{
		Contamination: c.Training.ContaminationFraction,
		Trees:         c.Training.Trees,
		SampleSize:    c.Training.SampleSize,
		RandomSeed:    c.Training.Seed,
	}
}

// Schema returns the configured feature schema.
func (c *Config) Schema() (features.Schema, error) {
	return features.NewSchema(c.Features)
}

// StoreConfig returns the model store settings.
func (c *Config) StoreConfig() modelstore.Config {
	sc := modelstore.Config{
		Backend:  c.Model.Backend,
		Path:     c.Model.Path,
		RedisKey: c.Model.RedisKey,
	}
	if c.Model.Backend == modelstore.BackendRedis {
		sc.Redis = &redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		}
	}
	return sc
}

// NATSClientConfig returns the NATS connection settings.
func (c *Config) NATSClientConfig() natsio.Config {
	nc := natsio.DefaultConfig()
	nc.URL = c.NATS.URL
	if c.NATS.ReconnectWait > 0 {
		nc.ReconnectWait = c.NATS.ReconnectWait
	}
	if c.NATS.Timeout > 0 {
		nc.Timeout = c.NATS.Timeout
	}
	return nc
}
