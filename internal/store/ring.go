package store

import (
	"sync"
	"time"

	"vehicle-telemetry-server/internal/models"
)

// Ring is the in-memory retention policy: a bounded buffer of the most
// recent records with no durability. Deployments that only need the live
// dashboard run with this instead of DayLog.
type Ring struct {
	mu       sync.Mutex
	buf      []*models.Record
	capacity int

	todayDate  string
	todayCount int
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// Enqueue retains the record, evicting the oldest when full.
func (r *Ring) Enqueue(rec *models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := rec.ReceivedAt.Format("2006-01-02")
	if day != r.todayDate {
		r.todayDate = day
		r.todayCount = 0
	}
	r.todayCount++

	r.buf = append(r.buf, rec)
	if len(r.buf) > r.capacity {
		r.buf = r.buf[len(r.buf)-r.capacity:]
	}
}

// Flush is a no-op: there is nothing durable to write.
func (r *Ring) Flush() error { return nil }

// Pending is always zero for the in-memory policy.
func (r *Ring) Pending() int { return 0 }

// TodayCount reports the number of records accepted during the current day,
// regardless of whether they are still retained.
func (r *Ring) TodayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.todayDate != time.Now().Format("2006-01-02") {
		return 0
	}
	return r.todayCount
}

// ListDays is always empty: no files exist.
func (r *Ring) ListDays() ([]DayFile, error) { return []DayFile{}, nil }

// Records returns a snapshot of the retained records, oldest first.
func (r *Ring) Records() []*models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Record, len(r.buf))
	copy(out, r.buf)
	return out
}

// Close is a no-op.
func (r *Ring) Close() error { return nil }
