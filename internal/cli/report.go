package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/pkg/io/jsonl"
	"github.com/hed1ad/trafficguard/pkg/report"
)

func newReportCommand(a *app) *cobra.Command {
	var (
		input  string
		output string
		recent int
		bucket time.Duration
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the traffic log store",
		Long: `Show the Normal/Anomaly distribution of the log store, the sources with
the most anomalies, a timeline of tags per time bucket and the latest records.

Examples:
  trafficguard report
  trafficguard report --output json --recent 25
  trafficguard report --bucket 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				input = a.cfg.Logs.Path
			}

			records, malformed, err := jsonl.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read log store: %w", err)
			}
			if malformed > 0 {
				a.logger.Warn("skipped malformed log lines", logging.Skipped(malformed), logging.Path(input))
			}

			return report.Render(a.stdout, report.Summarize(records, malformed, recent, bucket), output)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "log store to read (default: logs.path)")
	cmd.Flags().StringVarP(&output, "output", "o", report.FormatTable, "output format: table, json, yaml")
	cmd.Flags().IntVar(&recent, "recent", report.DefaultRecent, "number of latest records to show")
	cmd.Flags().DurationVar(&bucket, "bucket", report.DefaultBucket, "width of a timeline bucket")
	return cmd
}
