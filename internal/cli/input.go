package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/io/csv"
	"github.com/hed1ad/trafficguard/pkg/io/jsonl"
	"github.com/hed1ad/trafficguard/pkg/io/pcap"
	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// Input formats.
const (
	formatAuto  = "auto"
	formatJSONL = "jsonl"
	formatCSV   = "csv"
	formatPCAP  = "pcap"
)

const stdio = "-"

func detectFormat(path, format string) (string, error) {
	if format != "" && format != formatAuto {
		switch format {
		case formatJSONL, formatCSV, formatPCAP:
			return format, nil
		}
		return "", fmt.Errorf("unknown input format %q", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return formatCSV, nil
	case ".pcap", ".cap":
		return formatPCAP, nil
	default:
		return formatJSONL, nil
	}
}

func (a *app) openInput(path, format string) (tgio.Reader, error) {
	format, err := detectFormat(path, format)
	if err != nil {
		return nil, err
	}

	switch format {
	case formatCSV:
		if path == stdio {
			return csv.NewReaderFrom(a.stdin)
		}
		return csv.NewReader(path)
	case formatPCAP:
		if path == stdio {
			return pcap.NewReaderFrom(a.stdin)
		}
		return pcap.NewFileReader(path)
	default:
		if path == stdio {
			return jsonl.NewReader(a.stdin, jsonl.WithLogger(a.logger)), nil
		}
		return jsonl.Open(path, jsonl.WithLogger(a.logger))
	}
}

// readEvents loads every well-formed event from path and reports how many
// records the reader dropped.
func (a *app) readEvents(path, format string) ([]traffic.Event, int, error) {
	r, err := a.openInput(path, format)
	if err != nil {
		return nil, 0, fmt.Errorf("open input: %w", err)
	}
	defer r.Close()

	events, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read input: %w", err)
	}
	skipped := 0
	if s, ok := r.(tgio.Skipper); ok {
		skipped = s.Skipped()
	}
	return events, skipped, nil
}

func (a *app) openOutput(path string) (tgio.Writer, error) {
	if path == "" || path == stdio {
		return jsonl.NewWriter(a.stdout), nil
	}
	return jsonl.OpenAppend(path)
}
