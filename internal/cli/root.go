// Package cli implements the trafficguard command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/internal/config"
	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/internal/metrics"
	"github.com/hed1ad/trafficguard/pkg/anomaly"
	"github.com/hed1ad/trafficguard/pkg/features"
	"github.com/hed1ad/trafficguard/pkg/modelstore"
)

// Version is set at build time.
var Version = "0.1.0"

type app struct {
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsAddr string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Server
}

// Execute runs the root command against the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "trafficguard",
		Short: "Network traffic anomaly scoring",
		Long: `trafficguard learns what normal network traffic looks like from a batch
of historical records and tags new records as Normal or Anomaly.

Configuration cascade (priority order):
  1. Command-line flags
  2. TRAFFICGUARD_* environment variables
  3. --config file, or ./trafficguard.yaml
  4. Built-in defaults`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text, json")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		newTrainCommand(a),
		newScoreCommand(a),
		newSimulateCommand(a),
		newReportCommand(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.stdin = cmd.InOrStdin()
	a.stdout = cmd.OutOrStdout()
	a.stderr = cmd.ErrOrStderr()

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Addr = a.metricsAddr
	}
	a.cfg = cfg

	a.logger = logging.NewWithWriter(a.stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(a.logger)

	if cfg.Metrics.Addr != "" {
		reg, err := metrics.NewRegistry()
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if a.metrics, err = metrics.Start(cfg.Metrics.Addr, reg, a.logger); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	return nil
}

func (a *app) teardown() error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

func (a *app) extractor() (*features.Extractor, error) {
	schema, err := a.cfg.Schema()
	if err != nil {
		return nil, err
	}
	return features.NewExtractor(schema)
}

func (a *app) openStore(ctx context.Context) (modelstore.Store, func() error, error) {
	store, closeFn, err := modelstore.Open(ctx, a.cfg.StoreConfig())
	if err != nil {
		return nil, closeFn, err
	}
	a.logger.Debug("model store opened", logging.Backend(a.cfg.Model.Backend))
	return store, closeFn, nil
}

func (a *app) trainer(store modelstore.Store, x *features.Extractor) *anomaly.Trainer {
	return anomaly.NewTrainer(store, x,
		anomaly.WithLogger(a.logger),
		anomaly.WithMinBatchSize(a.cfg.Training.MinimumBatchSize),
		anomaly.WithDetectorConfig(a.cfg.DetectorConfig()),
	)
}

func (a *app) scorer(store modelstore.Store, x *features.Extractor, reloadEachCall bool) *anomaly.Scorer {
	opts := []anomaly.Option{anomaly.WithLogger(a.logger)}
	if reloadEachCall {
		opts = append(opts, anomaly.WithReloadEachCall())
	}
	return anomaly.NewScorer(store, x, opts...)
}
