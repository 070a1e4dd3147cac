package store

import (
	"errors"
	"time"

	"vehicle-telemetry-server/internal/models"
)

// ErrDurability reports a failed log append. The pending batch is preserved
// and retried on the next flush trigger; ingestion keeps running.
var ErrDurability = errors.New("telemetry log append failed")

// RecordLog is the retention backend for accepted records. Two
// implementations exist: DayLog (append-only per-day files) and Ring
// (bounded in-memory buffer). The policy is chosen at construction time.
type RecordLog interface {
	// Enqueue appends a record to the pending batch and triggers a
	// flush when the batch reaches the configured threshold.
	Enqueue(rec *models.Record)

	// Flush durably writes the pending batch. Concurrent calls no-op
	// while a flush is in progress.
	Flush() error

	// Pending reports the number of records not yet durably written.
	Pending() int

	// TodayCount reports the durable record count for the current day
	// plus the pending batch length.
	TodayCount() int

	// ListDays lists available day logs, most recently modified first.
	ListDays() ([]DayFile, error)

	// Close flushes any pending records synchronously.
	Close() error
}

// DayFile describes one day log file.
type DayFile struct {
	FileName      string    `json:"fileName"`
	Date          string    `json:"date"`
	RecordCount   int       `json:"recordCount"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	LastModified  time.Time `json:"lastModified"`
}

const (
	dayFileSuffix = "_telemetry.csv"
	dayNameLayout = "02-01-2006"
)

// DayFileName returns the log file name for the given local date.
func DayFileName(t time.Time) string {
	return t.Format(dayNameLayout) + dayFileSuffix
}

// header returns the day log column names: date, time, then the canonical
// fields in schema order.
func header() []string {
	h := make([]string, 0, len(models.FieldOrder)+2)
	h = append(h, "date", "time")
	h = append(h, models.FieldOrder...)
	return h
}
