package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Canonical field keys, in wire and storage order. The positional encoding
// maps values to these keys by index; the day log files write them in this
// order after the date and time columns.
var FieldOrder = []string{
	"h",   // speed (km/h)
	"x",   // longitude
	"y",   // latitude
	"gs",  // GSM signal quality (%)
	"fv",  // fuel cell voltage (V)
	"fa",  // fuel cell current (A)
	"fw",  // fuel cell power (W)
	"fet", // fuel cell external temp (C)
	"fit", // fuel cell internal temp (C)
	"bv",  // battery voltage (V)
	"bc",  // battery current (A)
	"bw",  // battery power (W)
	"bwh", // battery energy (Wh)
	"t1",  // battery temp 1 (C)
	"t2",  // battery temp 2 (C)
	"t3",  // battery temp 3 (C)
	"soc", // state of charge (%)
	"ke",  // remaining energy (kWh)
	"jv",  // joulemeter voltage (V)
	"jc",  // joulemeter current (A)
	"jw",  // joulemeter power (W)
	"jwh", // joulemeter energy (Wh)
}

// NumericFields lists the fields included in averaging. Position (x, y) is
// excluded: averaging coordinates is meaningless.
var NumericFields = []string{
	"h", "gs", "fv", "fa", "fw", "fet", "fit",
	"bv", "bc", "bw", "bwh", "t1", "t2", "t3", "soc", "ke",
	"jv", "jc", "jw", "jwh",
}

// SchemaVersions maps a positional-encoding version prefix to its field
// order. Senders prefix messages with "<version>_"; an unknown version is
// rejected rather than guessed at.
var SchemaVersions = map[string][]string{
	"01": FieldOrder,
}

// DefaultSchemaVersion is assumed when a message carries no version prefix.
const DefaultSchemaVersion = "01"

// Record is a canonical telemetry record. Field values are kept as the raw
// text the sender supplied; absent fields are simply missing from Values.
// Numeric interpretation happens only at averaging time.
type Record struct {
	// Values holds the canonical wire fields that were present on input.
	Values map[string]string

	// VehicleID is the sender-supplied vehicle identifier, if any. It is
	// carried on the record but never persisted to the day logs.
	VehicleID string

	// UpstreamCounter is the sender's own monotonic counter (raw text),
	// used for duplicate suppression on the pull transport. Empty when
	// the sender does not supply one.
	UpstreamCounter string

	// Seq is the ingestion sequence number, assigned by the pipeline.
	// Starts at 1 and resets only on process restart.
	Seq uint64

	// ReceivedAt is the ingestion-side wall clock timestamp. It is the
	// authoritative time for freshness and windowing; vehicle-supplied
	// timestamps are never trusted.
	ReceivedAt time.Time

	// Date and Time are display strings derived from ReceivedAt.
	Date string
	Time string
}

// NewRecord builds a record from parsed wire values.
func NewRecord(values map[string]string) *Record {
	if values == nil {
		values = map[string]string{}
	}
	return &Record{Values: values}
}

// Get returns the raw text value for a canonical field.
func (r *Record) Get(field string) (string, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Float parses a field as float64. Absent or unparsable values report
// ok=false; they are excluded from aggregates, never treated as zero.
func (r *Record) Float(field string) (float64, bool) {
	v, ok := r.Values[field]
	if !ok || v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Stamp assigns the sequence number and receipt timestamp and derives the
// display date/time strings.
func (r *Record) Stamp(seq uint64, receivedAt time.Time) {
	r.Seq = seq
	r.ReceivedAt = receivedAt
	r.Date = receivedAt.Format("2006-01-02")
	r.Time = receivedAt.Format("15:04:05.000")
}

// MarshalJSON renders the record the way the dashboard expects: every
// canonical field present (null when absent), plus the ingestion metadata.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, field := range FieldOrder {
		key, _ := json.Marshal(field)
		buf.Write(key)
		buf.WriteByte(':')
		if v, ok := r.Values[field]; ok {
			val, _ := json.Marshal(v)
			buf.Write(val)
		} else {
			buf.WriteString("null")
		}
		buf.WriteByte(',')
	}
	meta := struct {
		ID          string `json:"id,omitempty"`
		Date        string `json:"date"`
		Time        string `json:"time"`
		Timestamp   int64  `json:"timestamp"`
		ReceivedAt  int64  `json:"receivedAt"`
		DataCounter uint64 `json:"dataCounter"`
	}{
		ID:          r.VehicleID,
		Date:        r.Date,
		Time:        r.Time,
		Timestamp:   r.ReceivedAt.UnixMilli(),
		ReceivedAt:  r.ReceivedAt.UnixMilli(),
		DataCounter: r.Seq,
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	// Splice the metadata object's members after the field members.
	buf.Write(mb[1:])
	return buf.Bytes(), nil
}

// LogFields returns the values for the day log columns in header order,
// with empty strings for absent fields.
func (r *Record) LogFields() []string {
	row := make([]string, 0, len(FieldOrder)+2)
	row = append(row, r.Date, r.Time)
	for _, field := range FieldOrder {
		row = append(row, r.Values[field])
	}
	return row
}
