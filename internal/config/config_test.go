package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Training.MinimumBatchSize)
	assert.Equal(t, 0.05, cfg.Training.ContaminationFraction)
	assert.Equal(t, 100, cfg.Training.Trees)
	assert.Equal(t, 256, cfg.Training.SampleSize)
	assert.Equal(t, int64(42), cfg.Training.Seed)
	assert.Equal(t, features.DefaultFeatures, cfg.Features)
	assert.Equal(t, modelstore.BackendFile, cfg.Model.Backend)
	assert.Equal(t, "models/anomaly_model.bin", cfg.Model.Path)
	assert.Equal(t, "logs/traffic_log.json", cfg.Logs.Path)
	assert.Equal(t, "traffic.scored", cfg.NATS.Subject)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.False(t, cfg.NATS.Enabled)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	dc := cfg.DetectorConfig()
	assert.Equal(t, 0.05, dc.Contamination)
	assert.Equal(t, int64(42), dc.RandomSeed)

	sc := cfg.StoreConfig()
	assert.Equal(t, modelstore.BackendFile, sc.Backend)
	assert.Nil(t, sc.Redis)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
training:
  minimum_batch_size: 25
  contamination_fraction: 0.1
features: [packet_size, hour_of_day]
model:
  backend: redis
redis:
  addr: redis:6379
  db: 2
logging:
  format: json
`), 0o644))

	t.Setenv("TRAFFICGUARD_TRAINING_TREES", "50")
	t.Setenv("TRAFFICGUARD_REDIS_PASSWORD", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Training.MinimumBatchSize)
	assert.Equal(t, 0.1, cfg.Training.ContaminationFraction)
	assert.Equal(t, 50, cfg.Training.Trees)
	assert.Equal(t, []string{features.PacketSize, features.HourOfDay}, cfg.Features)

	sc := cfg.StoreConfig()
	require.NotNil(t, sc.Redis)
	assert.Equal(t, "redis:6379", sc.Redis.Addr)
	assert.Equal(t, "secret", sc.Redis.Password)
	assert.Equal(t, 2, sc.Redis.DB)

	schema, err := cfg.Schema()
	require.NoError(t, err)
	assert.Equal(t, 2, schema.Dim())
}

func TestLoadDefaultFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte("logs:\n  path: /var/log/traffic.json\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/traffic.json", cfg.Logs.Path)
}

func TestLoadFeaturesFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TRAFFICGUARD_FEATURES", "destination_port, hour_of_day")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{features.DestinationPort, features.HourOfDay}, cfg.Features)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		chdir(t, t.TempDir())
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min batch", func(c *Config) { c.Training.MinimumBatchSize = 0 }},
		{"contamination high", func(c *Config) { c.Training.ContaminationFraction = 0.5 }},
		{"contamination negative", func(c *Config) { c.Training.ContaminationFraction = -0.1 }},
		{"trees", func(c *Config) { c.Training.Trees = 0 }},
		{"sample size", func(c *Config) { c.Training.SampleSize = 1 }},
		{"unknown feature", func(c *Config) { c.Features = []string{"ttl"} }},
		{"no features", func(c *Config) { c.Features = nil }},
		{"backend", func(c *Config) { c.Model.Backend = "s3" }},
		{"file path", func(c *Config) { c.Model.Path = "" }},
		{"redis addr", func(c *Config) { c.Model.Backend = modelstore.BackendRedis; c.Redis.Addr = "" }},
		{"nats url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNATSClientConfig(t *testing.T) {
	cfg := &Config{NATS: NATSConfig{URL: "nats://broker:4222", Timeout: time.Second}}
	nc := cfg.NATSClientConfig()
	assert.Equal(t, "nats://broker:4222", nc.URL)
	assert.Equal(t, time.Second, nc.Timeout)
	assert.Equal(t, 2*time.Second, nc.ReconnectWait)
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
}
