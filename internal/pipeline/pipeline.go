package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vehicle-telemetry-server/internal/models"
	"vehicle-telemetry-server/internal/store"
)

var (
	// ErrNoData means no record has been ingested yet.
	ErrNoData = errors.New("no telemetry received yet")

	// ErrStaleData means the newest record exceeds the freshness
	// threshold. Callers must treat it as "no current data", not as
	// corrupted data.
	ErrStaleData = errors.New("telemetry data is stale")
)

// Averages is the Query Surface's aggregate view. Recent covers the sliding
// window; all-time per-field averages are deliberately not maintained in
// memory and stay null, with only the count available from the record log.
type Averages struct {
	Recent       map[string]*float64 `json:"recent"`
	RecentCount  int                 `json:"recentCount"`
	AllTime      map[string]*float64 `json:"allTime"`
	AllTimeCount int                 `json:"allTimeCount"`
}

// Pipeline owns all mutable ingestion state: the sequence counter, the
// latest-record slot, the sliding window, and the duplicate-suppression
// marker. Both transports funnel their normalized records through Ingest;
// the Query Surface reads through the accessor methods.
type Pipeline struct {
	freshFor  time.Duration
	log       *slog.Logger
	recordLog store.RecordLog
	session   *store.SessionLog
	now       func() time.Time

	mu           sync.Mutex
	seq          uint64
	latest       *models.Record
	lastUpstream string
	window       *Window
	observers    []func(*models.Record)
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithWindowSpan overrides the sliding window span.
func WithWindowSpan(span time.Duration) Option {
	return func(p *Pipeline) { p.window = NewWindow(span) }
}

// WithFreshness overrides the freshness threshold.
func WithFreshness(d time.Duration) Option {
	return func(p *Pipeline) { p.freshFor = d }
}

// Default pipeline timing.
const (
	DefaultWindowSpan = 15 * time.Second
	DefaultFreshness  = 5 * time.Second
)

// New creates a pipeline over the given retention backend and test session
// log.
func New(recordLog store.RecordLog, session *store.SessionLog, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		freshFor:  DefaultFreshness,
		log:       log,
		recordLog: recordLog,
		session:   session,
		now:       time.Now,
		window:    NewWindow(DefaultWindowSpan),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest accepts a normalized record: it assigns the next sequence number
// and the receipt timestamp, publishes the record to the latest slot, the
// window, and the record log, and notifies observers. It returns false when
// the record is an unchanged duplicate of the previous poll (same upstream
// counter), in which case nothing is re-counted or re-persisted.
func (p *Pipeline) Ingest(rec *models.Record) bool {
	p.mu.Lock()
	if rec.UpstreamCounter != "" && rec.UpstreamCounter == p.lastUpstream {
		p.mu.Unlock()
		p.log.Debug("duplicate poll suppressed", "upstreamCounter", rec.UpstreamCounter)
		return false
	}
	if rec.UpstreamCounter != "" {
		p.lastUpstream = rec.UpstreamCounter
	}

	p.seq++
	rec.Stamp(p.seq, p.now())
	p.latest = rec
	p.window.Add(rec, rec.ReceivedAt)
	observers := p.observers
	p.mu.Unlock()

	p.recordLog.Enqueue(rec)
	if p.session != nil {
		p.session.Enqueue(rec)
	}
	for _, notify := range observers {
		notify(rec)
	}
	return true
}

// Latest returns the newest record, ErrNoData before the first ingestion,
// or ErrStaleData once the newest record exceeds the freshness threshold.
func (p *Pipeline) Latest() (*models.Record, error) {
	p.mu.Lock()
	rec := p.latest
	p.mu.Unlock()

	if rec == nil {
		return nil, ErrNoData
	}
	if age := p.now().Sub(rec.ReceivedAt); age > p.freshFor {
		return nil, fmt.Errorf("%w: last record %dms ago", ErrStaleData, age.Milliseconds())
	}
	return rec, nil
}

// Averages reports the sliding-window means plus the day's record count.
func (p *Pipeline) Averages() Averages {
	p.mu.Lock()
	recent, n := p.window.Averages(p.now())
	p.mu.Unlock()

	allTime := make(map[string]*float64, len(models.NumericFields))
	for _, field := range models.NumericFields {
		allTime[field] = nil
	}
	return Averages{
		Recent:       recent,
		RecentCount:  n,
		AllTime:      allTime,
		AllTimeCount: p.recordLog.TodayCount(),
	}
}

// TodayCount reports today's durable record count plus the pending batch.
func (p *Pipeline) TodayCount() int {
	return p.recordLog.TodayCount()
}

// WindowLen reports the current window membership.
func (p *Pipeline) WindowLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.Len(p.now())
}

// Seq reports the last assigned sequence number.
func (p *Pipeline) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// TimeSinceLast reports the age of the newest record. ok is false before
// the first ingestion.
func (p *Pipeline) TimeSinceLast() (time.Duration, bool) {
	p.mu.Lock()
	rec := p.latest
	p.mu.Unlock()
	if rec == nil {
		return 0, false
	}
	return p.now().Sub(rec.ReceivedAt), true
}

// Fresh reports whether live data is currently flowing.
func (p *Pipeline) Fresh() bool {
	age, ok := p.TimeSinceLast()
	return ok && age <= p.freshFor
}

// Subscribe registers an observer invoked for every accepted record.
func (p *Pipeline) Subscribe(notify func(*models.Record)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, notify)
}

// ClearWindow drops the in-memory window, used when today's data is purged.
func (p *Pipeline) ClearWindow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window.Clear()
}
