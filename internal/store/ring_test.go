package store

import (
	"testing"
	"time"

	"vehicle-telemetry-server/internal/models"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		rec := models.NewRecord(map[string]string{"h": "1"})
		rec.Stamp(seq, time.Now())
		r.Enqueue(rec)
	}

	recs := r.Records()
	if len(recs) != 3 {
		t.Fatalf("retained = %d, want capacity 3", len(recs))
	}
	for i, want := range []uint64{3, 4, 5} {
		if recs[i].Seq != want {
			t.Errorf("retained[%d].Seq = %d, want %d", i, recs[i].Seq, want)
		}
	}
}

func TestRingTodayCountSurvivesEviction(t *testing.T) {
	r := NewRing(2)
	for seq := uint64(1); seq <= 5; seq++ {
		rec := models.NewRecord(nil)
		rec.Stamp(seq, time.Now())
		r.Enqueue(rec)
	}
	if got := r.TodayCount(); got != 5 {
		t.Errorf("TodayCount = %d, want 5 accepted regardless of eviction", got)
	}
}

func TestRingTodayCountResetsOnRollover(t *testing.T) {
	r := NewRing(10)

	old := models.NewRecord(nil)
	old.Stamp(1, time.Now().Add(-48*time.Hour))
	r.Enqueue(old)
	if got := r.TodayCount(); got != 0 {
		t.Errorf("TodayCount for a stale day = %d, want 0", got)
	}

	cur := models.NewRecord(nil)
	cur.Stamp(2, time.Now())
	r.Enqueue(cur)
	if got := r.TodayCount(); got != 1 {
		t.Errorf("TodayCount after rollover = %d, want 1", got)
	}
}

func TestRingImplementsRecordLog(t *testing.T) {
	var rl RecordLog = NewRing(1)
	if err := rl.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if rl.Pending() != 0 {
		t.Error("Pending must be zero for the in-memory policy")
	}
	days, err := rl.ListDays()
	if err != nil || len(days) != 0 {
		t.Errorf("ListDays = %v, %v; want empty, nil", days, err)
	}
	if err := rl.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
