package source

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

// fakeAdapter counts lifecycle calls and can fail Start.
type fakeAdapter struct {
	name     string
	startErr error

	starts int
	stops  int
	live   bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.live = true
	return nil
}

func (f *fakeAdapter) Stop() {
	f.stops++
	f.live = false
}

func (f *fakeAdapter) Connected() bool { return f.live }

func newTestMux() (*Mux, *fakeAdapter, *fakeAdapter) {
	bus := &fakeAdapter{name: Bus}
	pull := &fakeAdapter{name: Pull}
	return NewMux(bus, pull, slog.Default()), bus, pull
}

func TestMuxActivate(t *testing.T) {
	m, _, pull := newTestMux()

	if err := m.Activate(context.Background(), Pull); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if m.Current() != Pull {
		t.Errorf("Current = %q, want %q", m.Current(), Pull)
	}
	if pull.starts != 1 {
		t.Errorf("pull starts = %d, want 1", pull.starts)
	}

	st := m.Status()
	if st.Source != Pull || !st.TransportConnected {
		t.Errorf("Status = %+v, want pull connected", st)
	}
}

func TestMuxSwitch(t *testing.T) {
	m, bus, pull := newTestMux()
	if err := m.Activate(context.Background(), Pull); err != nil {
		t.Fatal(err)
	}

	changed, err := m.SwitchTo(context.Background(), Bus)
	if err != nil || !changed {
		t.Fatalf("SwitchTo(bus) = %v, %v; want true, nil", changed, err)
	}
	if pull.stops != 1 {
		t.Errorf("previous adapter stops = %d, want 1", pull.stops)
	}
	if bus.starts != 1 {
		t.Errorf("new adapter starts = %d, want 1", bus.starts)
	}
	if m.Current() != Bus {
		t.Errorf("Current = %q, want %q", m.Current(), Bus)
	}
}

func TestMuxSwitchSameSourceIsNoop(t *testing.T) {
	m, _, pull := newTestMux()
	if err := m.Activate(context.Background(), Pull); err != nil {
		t.Fatal(err)
	}

	changed, err := m.SwitchTo(context.Background(), Pull)
	if err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if changed {
		t.Error("switching to the active source must be a no-op")
	}
	if pull.starts != 1 || pull.stops != 0 {
		t.Errorf("adapter was restarted: starts=%d stops=%d", pull.starts, pull.stops)
	}
}

func TestMuxSwitchUnknownSource(t *testing.T) {
	m, _, pull := newTestMux()
	if err := m.Activate(context.Background(), Pull); err != nil {
		t.Fatal(err)
	}

	if _, err := m.SwitchTo(context.Background(), "carrier-pigeon"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("SwitchTo(unknown) = %v, want ErrUnknownSource", err)
	}
	if m.Current() != Pull {
		t.Errorf("active source changed on a rejected switch: %q", m.Current())
	}
	if pull.stops != 0 {
		t.Error("active adapter must not be stopped on a rejected switch")
	}
}

func TestMuxSwitchKeepsTargetOnConnectFailure(t *testing.T) {
	m, bus, _ := newTestMux()
	if err := m.Activate(context.Background(), Pull); err != nil {
		t.Fatal(err)
	}
	bus.startErr = errors.New("broker unreachable")

	changed, err := m.SwitchTo(context.Background(), Bus)
	if err != nil || !changed {
		t.Fatalf("SwitchTo = %v, %v; a connect failure must not fail the switch", changed, err)
	}
	st := m.Status()
	if st.Source != Bus {
		t.Errorf("source = %q, want %q; no rollback on connect failure", st.Source, Bus)
	}
	if st.TransportConnected {
		t.Error("transport must report disconnected after a failed connect")
	}
}
