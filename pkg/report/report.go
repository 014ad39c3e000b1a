// Package report summarizes the traffic log for operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/trafficguard/pkg/traffic"
)

// DefaultRecent is the number of latest records shown.
const DefaultRecent = 10

// DefaultBucket is the width of a timeline bucket.
const DefaultBucket = time.Minute

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Summary is the tag distribution and latest records of a traffic log.
type Summary struct {
	Total       int              `json:"total" yaml:"total"`
	Normal      int              `json:"normal" yaml:"normal"`
	Anomaly     int              `json:"anomaly" yaml:"anomaly"`
	Unscored    int              `json:"unscored" yaml:"unscored"`
	Malformed   int              `json:"malformed" yaml:"malformed"`
	AnomalyRate float64          `json:"anomaly_rate" yaml:"anomaly_rate"`
	TopSources  []SourceCount    `json:"top_anomalous_sources,omitempty" yaml:"top_anomalous_sources,omitempty"`
	Bucket      time.Duration    `json:"-" yaml:"-"`
	Timeline    []Bucket         `json:"timeline" yaml:"timeline"`
	Recent      []traffic.Scored `json:"recent" yaml:"-"`
	RecentRows  []Row            `json:"-" yaml:"recent"`
}

// SourceCount is the number of anomalies attributed to one source address.
type SourceCount struct {
	SourceAddress string `json:"src_ip" yaml:"src_ip"`
	Anomalies     int    `json:"anomalies" yaml:"anomalies"`
}

// Bucket counts the records whose timestamp falls in [Start, Start+width).
type Bucket struct {
	Start    time.Time `json:"start" yaml:"start"`
	Normal   int       `json:"normal" yaml:"normal"`
	Anomaly  int       `json:"anomaly" yaml:"anomaly"`
	Unscored int       `json:"unscored" yaml:"unscored"`
}

// Row is the flattened form of a record used for tables and YAML.
type Row struct {
	Timestamp       string `yaml:"timestamp"`
	SourceAddress   string `yaml:"src_ip"`
	DestinationPort int    `yaml:"dst_port"`
	PacketSize      int    `yaml:"packet_size"`
	RiskScore       string `yaml:"risk_score"`
	Tag             string `yaml:"tag"`
}

// Summarize builds a summary of records. recent bounds the number of latest
// records kept; records are ordered by timestamp, newest first. The timeline
// groups timestamped records into buckets of the given width, oldest first;
// a non-positive width means DefaultBucket.
func Summarize(records []traffic.Scored, malformed, recent int, bucket time.Duration) Summary {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	s := Summary{Total: len(records), Malformed: malformed, Bucket: bucket}
	s.Timeline = timeline(records, bucket)

	sources := make(map[string]int)
	for _, r := range records {
		switch r.Tag {
		case traffic.TagNormal:
			s.Normal++
		case traffic.TagAnomaly:
			s.Anomaly++
			sources[r.SourceAddress]++
		default:
			s.Unscored++
		}
	}
	if scored := s.Normal + s.Anomaly; scored > 0 {
		s.AnomalyRate = float64(s.Anomaly) / float64(scored)
	}

	for addr, n := range sources {
		s.TopSources = append(s.TopSources, SourceCount{SourceAddress: addr, Anomalies: n})
	}
	sort.Slice(s.TopSources, func(i, j int) bool {
		if s.TopSources[i].Anomalies != s.TopSources[j].Anomalies {
			return s.TopSources[i].Anomalies > s.TopSources[j].Anomalies
		}
		return s.TopSources[i].SourceAddress < s.TopSources[j].SourceAddress
	})
	if len(s.TopSources) > 5 {
		s.TopSources = s.TopSources[:5]
	}

	// Stable sort keeps log order among equal timestamps, so the later
	// line wins when reversed.
	ordered := make([]traffic.Scored, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	if recent < 0 {
		recent = 0
	}
	if len(ordered) > recent {
		ordered = ordered[len(ordered)-recent:]
	}
	s.Recent = make([]traffic.Scored, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		s.Recent = append(s.Recent, ordered[i])
	}
	s.RecentRows = make([]Row, len(s.Recent))
	for i, r := range s.Recent {
		s.RecentRows[i] = toRow(r)
	}
	return s
}

func timeline(records []traffic.Scored, width time.Duration) []Bucket {
	index := make(map[time.Time]int)
	buckets := []Bucket{}
	for _, r := range records {
		if r.Timestamp.IsZero() {
			continue
		}
		start := r.Timestamp.UTC().Truncate(width)
		i, ok := index[start]
		if !ok {
			i = len(buckets)
			index[start] = i
			buckets = append(buckets, Bucket{Start: start})
		}
		switch r.Tag {
		case traffic.TagNormal:
			buckets[i].Normal++
		case traffic.TagAnomaly:
			buckets[i].Anomaly++
		default:
			buckets[i].Unscored++
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	return buckets
}

func toRow(r traffic.Scored) Row {
	row := Row{
		SourceAddress:   r.SourceAddress,
		DestinationPort: r.DestinationPort,
		PacketSize:      r.PacketSize,
		RiskScore:       "-",
		Tag:             "-",
	}
	if !r.Timestamp.IsZero() {
		row.Timestamp = r.Timestamp.Format(time.RFC3339)
	}
	if r.IsScored() {
		row.RiskScore = strconv.FormatFloat(r.RiskScore, 'f', 1, 64)
		row.Tag = string(r.Tag)
	}
	return row
}

// Render writes s to w in the given format.
func Render(w io.Writer, s Summary, format string) error {
	switch strings.ToLower(format) {
	case FormatTable, "":
		return renderTable(w, s)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(w io.Writer, s Summary) error {
	if s.Total == 0 {
		_, err := fmt.Fprintln(w, "No traffic logs found.")
		return err
	}

	tags := NewTable([]string{"TAG", "COUNT", "SHARE"})
	for _, tc := range []struct {
		tag string
		n   int
	}{
		{string(traffic.TagNormal), s.Normal},
		{string(traffic.TagAnomaly), s.Anomaly},
		{"Unscored", s.Unscored},
	} {
		share := float64(tc.n) / float64(s.Total) * 100
		tags.AddRow([]string{tc.tag, strconv.Itoa(tc.n), fmt.Sprintf("%.1f%%", share)})
	}
	if err := tags.Render(w); err != nil {
		return err
	}
	if s.Malformed > 0 {
		fmt.Fprintf(w, "\n%d malformed lines skipped\n", s.Malformed)
	}

	if len(s.TopSources) > 0 {
		fmt.Fprintln(w, "\nTop anomalous sources")
		sources := NewTable([]string{"SRC_IP", "ANOMALIES"})
		for _, sc := range s.TopSources {
			sources.AddRow([]string{sc.SourceAddress, strconv.Itoa(sc.Anomalies)})
		}
		if err := sources.Render(w); err != nil {
			return err
		}
	}

	if len(s.Timeline) > 0 {
		fmt.Fprintf(w, "\nTimeline (%s buckets)\n", s.Bucket)
		tl := NewTable([]string{"START", "NORMAL", "ANOMALY", "UNSCORED"})
		for _, b := range s.Timeline {
			tl.AddRow([]string{
				b.Start.Format(time.RFC3339),
				strconv.Itoa(b.Normal),
				strconv.Itoa(b.Anomaly),
				strconv.Itoa(b.Unscored),
			})
		}
		if err := tl.Render(w); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "\nRecent traffic")
	rows := NewTable([]string{"TIMESTAMP", "SRC_IP", "DST_PORT", "PACKET_SIZE", "RISK", "TAG"})
	for _, r := range s.RecentRows {
		rows.AddRow([]string{
			r.Timestamp,
			r.SourceAddress,
			strconv.Itoa(r.DestinationPort),
			strconv.Itoa(r.PacketSize),
			r.RiskScore,
			r.Tag,
		})
	}
	return rows.Render(w)
}
