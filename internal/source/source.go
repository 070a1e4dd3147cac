package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Source names.
const (
	Bus  = "bus"
	Pull = "pull"
)

// ErrUnknownSource reports a switch request naming neither transport.
var ErrUnknownSource = errors.New("unknown telemetry source")

// Adapter is one live ingestion transport. Exactly one adapter is active at
// a time; both funnel normalized records through the same pipeline.
type Adapter interface {
	Name() string

	// Start activates the adapter. A connection failure is the
	// adapter's own problem to retry; Start returning an error does not
	// roll back a switch.
	Start(ctx context.Context) error

	// Stop deactivates the adapter and tears down any live connection.
	Stop()

	// Connected reports transport-level liveness (broker session for
	// the bus, accepting-requests for pull).
	Connected() bool
}

// Mux owns which transport is live. It holds no telemetry state, only the
// current adapter and its liveness.
type Mux struct {
	log *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
	current  Adapter
}

// Status is the multiplexer's connection view.
type Status struct {
	Source             string `json:"source"`
	TransportConnected bool   `json:"transportConnected"`
}

// NewMux registers the two adapters.
func NewMux(bus, pull Adapter, log *slog.Logger) *Mux {
	return &Mux{
		log: log,
		adapters: map[string]Adapter{
			bus.Name():  bus,
			pull.Name(): pull,
		},
	}
}

// Activate starts the initial adapter.
func (m *Mux) Activate(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.adapters[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	m.current = target
	if err := target.Start(ctx); err != nil {
		m.log.Warn("source failed to connect", "source", name, "error", err)
	}
	return nil
}

// SwitchTo hot-swaps the live transport. Switching to the already-active
// source is an informational no-op. A connect failure of the new adapter
// does not roll the switch back: the mux stays on the target and reports
// disconnected while the adapter retries on its own.
func (m *Mux) SwitchTo(ctx context.Context, name string) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.adapters[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	if m.current == target {
		return false, nil
	}

	if m.current != nil {
		m.current.Stop()
	}
	m.current = target
	if err := target.Start(ctx); err != nil {
		m.log.Warn("source failed to connect after switch", "source", name, "error", err)
	}
	m.log.Info("telemetry source switched", "source", name)
	return true, nil
}

// Current reports the active source name.
func (m *Mux) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Name()
}

// Status reports the active source and its transport liveness.
func (m *Mux) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{}
	if m.current != nil {
		st.Source = m.current.Name()
		st.TransportConnected = m.current.Connected()
	}
	return st
}

// Stop tears down the active adapter.
func (m *Mux) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Stop()
	}
}
