package logging

import (
	"log/slog"

	"github.com/google/uuid"
)

// Common field names for consistent logging across commands.
const (
	FieldModelID       = "model_id"
	FieldRecords       = "records"
	FieldSkipped       = "skipped"
	FieldUnscored      = "unscored"
	FieldFlagged       = "flagged"
	FieldContamination = "contamination"
	FieldSchema        = "schema"
	FieldTag           = "tag"
	FieldRiskScore     = "risk_score"
	FieldSourceIP      = "src_ip"
	FieldBackend       = "backend"
	FieldPath          = "path"
	FieldInterface     = "interface"
	FieldError         = "error"
	FieldDuration      = "duration_ms"
)

// ModelID returns a slog attribute for a model identifier.
func ModelID(id uuid.UUID) slog.Attr {
	return slog.String(FieldModelID, id.String())
}

// Records returns a slog attribute for a record count.
func Records(n int) slog.Attr {
	return slog.Int(FieldRecords, n)
}

// Skipped returns a slog attribute for the number of rejected records.
func Skipped(n int) slog.Attr {
	return slog.Int(FieldSkipped, n)
}

// Unscored returns a slog attribute for records stored without a tag.
func Unscored(n int) slog.Attr {
	return slog.Int(FieldUnscored, n)
}

// Flagged returns a slog attribute for the number of anomalous records.
func Flagged(n int) slog.Attr {
	return slog.Int(FieldFlagged, n)
}

// Contamination returns a slog attribute for the contamination fraction.
func Contamination(c float64) slog.Attr {
	return slog.Float64(FieldContamination, c)
}

// Schema returns a slog attribute for a feature schema description.
func Schema(s string) slog.Attr {
	return slog.String(FieldSchema, s)
}

// Tag returns a slog attribute for a classification tag.
func Tag(tag string) slog.Attr {
	return slog.String(FieldTag, tag)
}

// RiskScore returns a slog attribute for a risk score.
func RiskScore(score float64) slog.Attr {
	return slog.Float64(FieldRiskScore, score)
}

// SourceIP returns a slog attribute for a source address.
func SourceIP(ip string) slog.Attr {
	return slog.String(FieldSourceIP, ip)
}

// Backend returns a slog attribute for a storage backend name.
func Backend(name string) slog.Attr {
	return slog.String(FieldBackend, name)
}

// Path returns a slog attribute for a file path.
func Path(p string) slog.Attr {
	return slog.String(FieldPath, p)
}

// Interface returns a slog attribute for a capture interface.
func Interface(name string) slog.Attr {
	return slog.String(FieldInterface, name)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}
