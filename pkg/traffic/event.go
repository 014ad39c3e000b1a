// Package traffic defines the network traffic records consumed and produced
// by the anomaly scoring engine.
package traffic

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Event is one observed traffic unit.
type Event struct {
	SourceAddress   string    `json:"src_ip"`
	DestinationPort int       `json:"dst_port"`
	PacketSize      int       `json:"packet_size"`
	Timestamp       time.Time `json:"timestamp"`
}

// Tag is the binary classification attached to a scored event.
type Tag string

const (
	TagNormal  Tag = "Normal"
	TagAnomaly Tag = "Anomaly"
)

// Risk scores emitted for each tag.
const (
	RiskNormal  = 0.0
	RiskAnomaly = 1.0
)

// Scored is an event annotated with its risk score and tag.
// An empty Tag marks a record that was stored before any model existed.
type Scored struct {
	Event
	RiskScore float64 `json:"risk_score"`
	Tag       Tag     `json:"tag,omitempty"`
}

// NewScored builds the scored form of e.
func NewScored(e Event, anomalous bool) Scored {
	if anomalous {
		return Scored{Event: e, RiskScore: RiskAnomaly, Tag: TagAnomaly}
	}
	return Scored{Event: e, RiskScore: RiskNormal, Tag: TagNormal}
}

// IsScored reports whether the record carries a tag.
func (s Scored) IsScored() bool {
	return s.Tag == TagNormal || s.Tag == TagAnomaly
}

// MarshalJSON omits risk_score and tag from records that were never scored.
func (s Scored) MarshalJSON() ([]byte, error) {
	if !s.IsScored() {
		return json.Marshal(s.Event)
	}
	type scored Scored
	return json.Marshal(scored(s))
}

// SchemaError reports a record that is missing or has a malformed field.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: field %q %s", e.Field, e.Reason)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts ISO-8601 instants with or without a zone and
// fractional seconds. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &SchemaError{Field: "timestamp", Reason: fmt.Sprintf("has unrecognized format %q", s)}
}

// Alternate keys accepted when decoding records from other producers.
var fieldAliases = map[string]string{
	"src_ip":   "source_address",
	"dst_port": "destination_port",
}

// lookup returns the value stored under field or its alias.
func lookup(raw map[string]json.RawMessage, field string) (json.RawMessage, bool) {
	if v, ok := raw[field]; ok && string(v) != "null" {
		return v, true
	}
	if alias, ok := fieldAliases[field]; ok {
		if v, ok := raw[alias]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// ParseEvent decodes a JSON record. dst_port and packet_size must be present
// and integral; a missing timestamp is left zero. source_address and
// destination_port are accepted in place of src_ip and dst_port.
func ParseEvent(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode record: %w", err)
	}
	return eventFromRaw(raw)
}

// ParseScored decodes a JSON record that may carry risk_score and tag.
func ParseScored(data []byte) (Scored, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Scored{}, fmt.Errorf("decode record: %w", err)
	}
	e, err := eventFromRaw(raw)
	if err != nil {
		return Scored{}, err
	}

	s := Scored{Event: e}
	if v, ok := raw["risk_score"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &s.RiskScore); err != nil {
			return Scored{}, &SchemaError{Field: "risk_score", Reason: "is not numeric"}
		}
	}
	if v, ok := raw["tag"]; ok && string(v) != "null" {
		var tag string
		if err := json.Unmarshal(v, &tag); err != nil {
			return Scored{}, &SchemaError{Field: "tag", Reason: "is not a string"}
		}
		switch Tag(tag) {
		case TagNormal, TagAnomaly:
			s.Tag = Tag(tag)
		default:
			return Scored{}, &SchemaError{Field: "tag", Reason: fmt.Sprintf("has unknown value %q", tag)}
		}
	}
	return s, nil
}

func eventFromRaw(raw map[string]json.RawMessage) (Event, error) {
	var e Event

	if v, ok := lookup(raw, "src_ip"); ok {
		if err := json.Unmarshal(v, &e.SourceAddress); err != nil {
			return Event{}, &SchemaError{Field: "src_ip", Reason: "is not a string"}
		}
	}

	port, err := requiredInt(raw, "dst_port")
	if err != nil {
		return Event{}, err
	}
	size, err := requiredInt(raw, "packet_size")
	if err != nil {
		return Event{}, err
	}
	e.DestinationPort = port
	e.PacketSize = size

	if v, ok := raw["timestamp"]; ok && string(v) != "null" {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return Event{}, &SchemaError{Field: "timestamp", Reason: "is not a string"}
		}
		if e.Timestamp, err = ParseTimestamp(ts); err != nil {
			return Event{}, err
		}
	}
	return e, nil
}

func requiredInt(raw map[string]json.RawMessage, field string) (int, error) {
	v, ok := lookup(raw, field)
	if !ok {
		return 0, &SchemaError{Field: field, Reason: "is missing"}
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, &SchemaError{Field: field, Reason: "is not numeric"}
	}
	if f != math.Trunc(f) {
		return 0, &SchemaError{Field: field, Reason: "is not an integer"}
	}
	if math.Abs(f) > math.MaxInt32 {
		return 0, &SchemaError{Field: field, Reason: fmt.Sprintf("value %.0f is out of range", f)}
	}
	return int(f), nil
}
