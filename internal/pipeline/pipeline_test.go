package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vehicle-telemetry-server/internal/models"
	"vehicle-telemetry-server/internal/store"
)

// captureLog records enqueued records in order.
type captureLog struct {
	mu      sync.Mutex
	records []*models.Record
}

func (c *captureLog) Enqueue(rec *models.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureLog) Flush() error { return nil }

func (c *captureLog) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *captureLog) TodayCount() int { return c.Pending() }

func (c *captureLog) ListDays() ([]store.DayFile, error) { return []store.DayFile{}, nil }

func (c *captureLog) Close() error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPipeline(t *testing.T) (*Pipeline, *captureLog, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.Local)}
	capture := &captureLog{}
	pipe := New(capture, nil, slog.Default(), WithClock(clock.Now))
	return pipe, capture, clock
}

func TestIngestAssignsSequence(t *testing.T) {
	pipe, capture, _ := newTestPipeline(t)

	for i := 1; i <= 3; i++ {
		rec := models.NewRecord(map[string]string{"h": "50"})
		if !pipe.Ingest(rec) {
			t.Fatalf("ingest %d rejected", i)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("record %d got seq %d", i, rec.Seq)
		}
	}
	if got := pipe.Seq(); got != 3 {
		t.Errorf("pipeline seq = %d, want 3", got)
	}
	if got := capture.Pending(); got != 3 {
		t.Errorf("enqueued records = %d, want 3", got)
	}
}

func TestIngestDuplicateSuppression(t *testing.T) {
	pipe, capture, _ := newTestPipeline(t)

	first := models.NewRecord(map[string]string{"h": "50"})
	first.UpstreamCounter = "7"
	if !pipe.Ingest(first) {
		t.Fatal("first ingest rejected")
	}

	dup := models.NewRecord(map[string]string{"h": "51"})
	dup.UpstreamCounter = "7"
	if pipe.Ingest(dup) {
		t.Fatal("unchanged upstream counter must be suppressed")
	}

	if got := pipe.Seq(); got != 1 {
		t.Errorf("seq after duplicate = %d, want 1", got)
	}
	if got := capture.Pending(); got != 1 {
		t.Errorf("batch length after duplicate = %d, want 1", got)
	}
	if got := pipe.WindowLen(); got != 1 {
		t.Errorf("window length after duplicate = %d, want 1", got)
	}

	// The prior record stays the latest, untouched.
	latest, err := pipe.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if v, _ := latest.Get("h"); v != "50" {
		t.Errorf("latest h = %q, want the original 50", v)
	}

	// A new counter value is a fresh record again.
	next := models.NewRecord(map[string]string{"h": "52"})
	next.UpstreamCounter = "8"
	if !pipe.Ingest(next) {
		t.Fatal("advanced upstream counter rejected")
	}
	if got := pipe.Seq(); got != 2 {
		t.Errorf("seq after advance = %d, want 2", got)
	}
}

func TestIngestWithoutCounterNeverDeduped(t *testing.T) {
	pipe, _, _ := newTestPipeline(t)
	for i := 0; i < 2; i++ {
		if !pipe.Ingest(models.NewRecord(map[string]string{"h": "50"})) {
			t.Fatal("bus records carry no upstream counter and must never dedup")
		}
	}
	if got := pipe.Seq(); got != 2 {
		t.Errorf("seq = %d, want 2", got)
	}
}

func TestLatestFreshness(t *testing.T) {
	pipe, _, clock := newTestPipeline(t)

	if _, err := pipe.Latest(); !errors.Is(err, ErrNoData) {
		t.Fatalf("error before ingestion = %v, want ErrNoData", err)
	}

	pipe.Ingest(models.NewRecord(map[string]string{"h": "50"}))
	if _, err := pipe.Latest(); err != nil {
		t.Fatalf("fresh record: %v", err)
	}

	clock.Advance(4999 * time.Millisecond)
	if _, err := pipe.Latest(); err != nil {
		t.Fatalf("record at threshold should still be live: %v", err)
	}

	clock.Advance(2 * time.Millisecond)
	if _, err := pipe.Latest(); !errors.Is(err, ErrStaleData) {
		t.Fatalf("error past threshold = %v, want ErrStaleData", err)
	}
	if pipe.Fresh() {
		t.Error("Fresh() must be false past the threshold")
	}
}

func TestOrderPreservation(t *testing.T) {
	pipe, capture, _ := newTestPipeline(t)

	for i := 0; i < 10; i++ {
		rec := models.NewRecord(map[string]string{"h": "50"})
		pipe.Ingest(rec)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for i, rec := range capture.records {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("batch position %d holds seq %d; enqueue order must equal ingestion order", i, rec.Seq)
		}
	}
}

func TestAveragesAllTimeStaysNull(t *testing.T) {
	pipe, _, _ := newTestPipeline(t)
	pipe.Ingest(models.NewRecord(map[string]string{"h": "50", "soc": "78"}))

	avgs := pipe.Averages()
	if avgs.RecentCount != 1 {
		t.Errorf("recentCount = %d, want 1", avgs.RecentCount)
	}
	if got := avgs.Recent["h"]; got == nil || *got != 50 {
		t.Errorf("recent h = %v, want 50", got)
	}
	if avgs.AllTimeCount != 1 {
		t.Errorf("allTimeCount = %d, want 1", avgs.AllTimeCount)
	}
	for field, v := range avgs.AllTime {
		if v != nil {
			t.Errorf("allTime[%s] = %v, want permanent null", field, *v)
		}
	}
}

func TestObserversSeeEveryAcceptedRecord(t *testing.T) {
	pipe, _, _ := newTestPipeline(t)

	var seen []uint64
	pipe.Subscribe(func(rec *models.Record) { seen = append(seen, rec.Seq) })

	dup := models.NewRecord(nil)
	dup.UpstreamCounter = "1"
	pipe.Ingest(dup)

	same := models.NewRecord(nil)
	same.UpstreamCounter = "1"
	pipe.Ingest(same)

	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("observers saw %v, want exactly the accepted record seq 1", seen)
	}
}
