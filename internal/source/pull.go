package source

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"vehicle-telemetry-server/internal/parser"
	"vehicle-telemetry-server/internal/pipeline"
)

// PullSource accepts request-driven samples. There is no persistent
// connection: Start simply opens the gate and Stop closes it. Ingestion is
// detached from the request/response lifecycle — the HTTP handler answers
// the vehicle first and hands the raw values to this queue, so the response
// path never waits on normalization or file I/O.
type PullSource struct {
	parser *parser.Parser
	pipe   *pipeline.Pipeline
	log    *slog.Logger

	active atomic.Bool
	queue  chan url.Values
	once   sync.Once
}

// NewPullSource creates the pull adapter with the given handoff queue depth.
func NewPullSource(queueDepth int, p *parser.Parser, pipe *pipeline.Pipeline, log *slog.Logger) *PullSource {
	if queueDepth < 1 {
		queueDepth = 64
	}
	return &PullSource{
		parser: p,
		pipe:   pipe,
		log:    log,
		queue:  make(chan url.Values, queueDepth),
	}
}

func (p *PullSource) Name() string { return Pull }

// Start begins accepting samples and launches the ingest worker.
func (p *PullSource) Start(ctx context.Context) error {
	p.once.Do(func() { go p.work() })
	p.active.Store(true)
	p.log.Info("pull source active, waiting for vehicle requests")
	return nil
}

// Stop rejects further samples. Values already queued still get ingested.
func (p *PullSource) Stop() {
	p.active.Store(false)
	p.log.Info("pull source stopped")
}

// Connected for the pull transport means "accepting requests"; actual data
// flow is judged by record freshness upstream.
func (p *PullSource) Connected() bool {
	return p.active.Load()
}

// Active reports whether the gate is open.
func (p *PullSource) Active() bool {
	return p.active.Load()
}

// Authorize validates a request's auth key before the response goes out.
func (p *PullSource) Authorize(q url.Values) error {
	return p.parser.Authorize(q)
}

// Offer hands one request's values to the ingest worker. It reports false
// when the gate is closed or the queue is full; the sample is then dropped
// (the vehicle has already received its response either way).
func (p *PullSource) Offer(q url.Values) bool {
	if !p.active.Load() {
		return false
	}
	select {
	case p.queue <- q:
		return true
	default:
		p.log.Warn("pull ingest queue full, dropping sample")
		return false
	}
}

func (p *PullSource) work() {
	for q := range p.queue {
		rec, err := p.parser.ParseQuery(q)
		if err != nil {
			// The key was checked before the response went out, so
			// this only happens if the secret rotated in between.
			p.log.Warn("dropping pull sample", "error", err)
			continue
		}
		p.pipe.Ingest(rec)
	}
}
