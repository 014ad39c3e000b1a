package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/pkg/anomaly"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/io/natsio"
	"github.com/hed1ad/trafficguard/pkg/io/pcap"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

func newScoreCommand(a *app) *cobra.Command {
	var (
		input   string
		format  string
		output  string
		publish bool
		live    liveOptions
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Tag traffic records as Normal or Anomaly",
		Long: `Score every record in the input against the stored model and write the
scored records as JSON lines. Malformed records are reported and skipped.

Examples:
  # Score a capture and print the results
  trafficguard score --input capture.pcap

  # Score JSON lines from stdin, append to a file and publish to NATS
  cat traffic.json | trafficguard score -i - -o scored.json --nats

  # Score live traffic on eth0 until interrupted
  trafficguard score --interface eth0 -o scored.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if input == "" {
				input = a.cfg.Logs.Path
			}
			if cmd.Flags().Changed("nats") {
				a.cfg.NATS.Enabled = publish
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

			writers, closeWriters, err := a.scoreWriters(output)
			defer closeWriters()
			if err != nil {
				return err
			}

			var r tgio.Reader
			if live.iface != "" {
				r, err = pcap.NewLiveReader(live.iface, live.snaplen, live.promisc, live.timeout)
				if err != nil {
					return fmt.Errorf("open capture on %s: %w", live.iface, err)
				}
				a.logger.Info("capturing live traffic", logging.Interface(live.iface))
			} else {
				r, err = a.openInput(input, format)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
			}
			defer r.Close()

			stats, err := a.scoreStream(ctx, a.scorer(store, x, false), r, writers)
			if errors.Is(err, anomaly.ErrNoModel) {
				return fmt.Errorf("%w: run 'trafficguard train' first", err)
			}
			if live.iface != "" && errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				return err
			}

			if s, ok := r.(tgio.Skipper); ok {
				stats.unreadable = s.Skipped()
			}
			a.logger.Info("scoring finished",
				logging.Records(stats.scored),
				logging.Flagged(stats.anomalies),
				logging.Skipped(stats.rejected+stats.unreadable),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "records to score, - for stdin (default: logs.path)")
	cmd.Flags().StringVar(&format, "format", formatAuto, "input format: auto, jsonl, csv, pcap")
	cmd.Flags().StringVarP(&output, "output", "o", stdio, "append scored records to this file, - for stdout")
	cmd.Flags().BoolVar(&publish, "nats", false, "publish scored records to nats.subject (default: nats.enabled)")
	cmd.Flags().StringVar(&live.iface, "interface", "", "capture and score live traffic from this network interface")
	cmd.Flags().Int32Var(&live.snaplen, "snaplen", pcap.DefaultSnapLen, "bytes captured per packet")
	cmd.Flags().BoolVar(&live.promisc, "promisc", false, "put the interface into promiscuous mode")
	cmd.Flags().DurationVar(&live.timeout, "capture-timeout", 500*time.Millisecond, "packet buffer timeout of the live capture")
	cmd.MarkFlagsMutuallyExclusive("input", "interface")
	cmd.MarkFlagsMutuallyExclusive("format", "interface")
	return cmd
}

type liveOptions struct {
	iface   string
	snaplen int32
	promisc bool
	timeout time.Duration
}

type scoreStats struct {
	scored     int
	anomalies  int
	rejected   int
	unreadable int
}

func (a *app) scoreWriters(output string) ([]tgio.Writer, func(), error) {
	var writers []tgio.Writer
	closeAll := func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				a.logger.Warn("close output", logging.Error(err))
			}
		}
	}

	out, err := a.openOutput(output)
	if err != nil {
		return nil, closeAll, fmt.Errorf("open output: %w", err)
	}
	writers = append(writers, out)

	if a.cfg.NATS.Enabled {
		conn, err := natsio.Connect(a.cfg.NATSClientConfig(), a.logger)
		if err != nil {
			return nil, closeAll, err
		}
		writers = append(writers, natsio.NewWriter(conn, a.cfg.NATS.Subject))
	}
	return writers, closeAll, nil
}

func (a *app) scoreStream(ctx context.Context, scorer *anomaly.Scorer, r tgio.Reader, writers []tgio.Writer) (scoreStats, error) {
	var stats scoreStats

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := r.Stream(ctx)
	if err != nil {
		return stats, fmt.Errorf("read input: %w", err)
	}

	results := make(chan anomaly.Result, 100)
	errc := make(chan error, 1)
	go func() { errc <- scorer.ScoreStream(ctx, events, results) }()

	var writeErr error
	for res := range results {
		if writeErr != nil {
			continue
		}
		if res.Err != nil {
			stats.rejected++
			a.logger.Warn("record rejected", logging.SourceIP(res.Scored.SourceAddress), logging.Error(res.Err))
			continue
		}
		stats.scored++
		if res.Scored.Tag == traffic.TagAnomaly {
			stats.anomalies++
		}
		for _, w := range writers {
			if err := w.Write(ctx, res.Scored); err != nil {
				writeErr = fmt.Errorf("write output: %w", err)
				cancel()
				break
			}
		}
	}

	if writeErr != nil {
		<-errc
		return stats, writeErr
	}
	return stats, <-errc
}
