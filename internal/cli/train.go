package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/pkg/anomaly"
)

func newTrainCommand(a *app) *cobra.Command {
	var (
		input  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model on historical traffic",
		Long: `Fit a new model on every well-formed record in the input and replace the
stored model. Malformed records are skipped; training is refused when fewer
valid records than training.minimum_batch_size remain.

Examples:
  # Train on the traffic log store
  trafficguard train

  # Train on a packet capture
  trafficguard train --input capture.pcap`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if input == "" {
				input = a.cfg.Logs.Path
			}

			events, dropped, err := a.readEvents(input, format)
			if err != nil {
				return err
			}

			x, err := a.extractor()
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore(ctx)
			defer closeStore()
			if err != nil {
				return err
			}

			m, err := a.trainer(store, x).Train(ctx, events)
			if errors.Is(err, anomaly.ErrInsufficientData) {
				return fmt.Errorf("%w (read %d records from %s, %d unreadable)", err, len(events), input, dropped)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "Model %s trained on %d records (%d skipped, %d unreadable)\n",
				m.ID, m.SampleCount, m.Skipped, dropped)
			fmt.Fprintf(a.stdout, "Features: %s  contamination: %.3f  threshold: %.4f\n",
				m.Schema, m.Contamination, m.Detector.Threshold())
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "training input, - for stdin (default: logs.path)")
	cmd.Flags().StringVar(&format, "format", formatAuto, "input format: auto, jsonl, csv, pcap")
	return cmd
}
