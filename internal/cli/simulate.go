package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/pkg/anomaly"
	"github.com/hed1ad/trafficguard/pkg/io/jsonl"
	"github.com/hed1ad/trafficguard/pkg/simulate"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

func newSimulateCommand(a *app) *cobra.Command {
	var (
		count       int
		interval    time.Duration
		anomalyRate float64
		seed        int64
		reload      bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate synthetic traffic into the log store",
		Long: `Generate a mix of normal and anomalous traffic, score each record when a
model exists and append it to logs.path. Records generated before any model
was trained are stored without a tag.

Examples:
  # Seed the log store with 200 records, then train on them
  trafficguard simulate --count 200
  trafficguard train

  # Generate one record per second until interrupted
  trafficguard simulate --count 0 --interval 1s --reload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			x, err := a.extractor()
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore(ctx)
			defer closeStore()
			if err != nil {
				return err
			}
			scorer := a.scorer(store, x, reload)

			w, err := jsonl.OpenAppend(a.cfg.Logs.Path)
			if err != nil {
				return fmt.Errorf("open log store: %w", err)
			}
			defer w.Close()

			opts := []simulate.Option{simulate.WithAnomalyRate(anomalyRate)}
			if cmd.Flags().Changed("seed") {
				opts = append(opts, simulate.WithSeed(seed))
			}
			gen := simulate.NewGenerator(opts...)

			var unscored, anomalies int
			n, err := simulate.Run(ctx, gen, interval, count, func(ctx context.Context, e traffic.Event, kind simulate.Kind) error {
				scored, err := scorer.Score(ctx, e)
				switch {
				case errors.Is(err, anomaly.ErrNoModel):
					scored = traffic.Scored{Event: e}
					unscored++
				case err != nil:
					return err
				case scored.Tag == traffic.TagAnomaly:
					anomalies++
				}

				if err := w.Write(ctx, scored); err != nil {
					return fmt.Errorf("append record: %w", err)
				}
				if !quiet {
					tag := string(scored.Tag)
					if tag == "" {
						tag = "-"
					}
					fmt.Fprintf(a.stdout, "%s  %-15s  port=%-5d size=%-5d  %-15s  %s\n",
						e.Timestamp.Format(time.RFC3339), e.SourceAddress, e.DestinationPort, e.PacketSize, kind, tag)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			a.logger.Info("simulation finished",
				logging.Records(n),
				logging.Flagged(anomalies),
				logging.Path(a.cfg.Logs.Path),
				logging.Unscored(unscored),
			)
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 100, "number of records to generate, 0 for unlimited")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between records")
	cmd.Flags().Float64Var(&anomalyRate, "anomaly-rate", simulate.DefaultAnomalyRate, "share of anomalous records")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for reproducible traffic")
	cmd.Flags().BoolVar(&reload, "reload", false, "reload the model before every record to pick up retraining")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print generated records")
	return cmd
}
