package pipeline

import (
	"math"
	"time"

	"vehicle-telemetry-server/internal/models"
)

// Window holds the records received within the last span, in arrival order.
// Membership is re-evaluated lazily on add and read; because records arrive
// in receipt order, eviction only ever scans from the head.
type Window struct {
	span    time.Duration
	records []*models.Record
}

// NewWindow creates a window covering the given span.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Add appends a record and evicts aged-out members.
func (w *Window) Add(rec *models.Record, now time.Time) {
	w.evict(now)
	w.records = append(w.records, rec)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.records) && w.records[i].ReceivedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.records = w.records[i:]
	}
}

// Len reports the current membership after eviction.
func (w *Window) Len(now time.Time) int {
	w.evict(now)
	return len(w.records)
}

// Averages computes the arithmetic mean of every numeric field over the
// windowed records, rounded to two decimals. Fields with no parseable value
// yield nil, never zero.
func (w *Window) Averages(now time.Time) (map[string]*float64, int) {
	w.evict(now)

	avgs := make(map[string]*float64, len(models.NumericFields))
	for _, field := range models.NumericFields {
		var sum float64
		n := 0
		for _, rec := range w.records {
			if v, ok := rec.Float(field); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			avgs[field] = nil
			continue
		}
		mean := math.Round(sum/float64(n)*100) / 100
		avgs[field] = &mean
	}
	return avgs, len(w.records)
}

// Clear empties the window.
func (w *Window) Clear() {
	w.records = nil
}
