package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vehicle-telemetry-server/internal/models"
	"vehicle-telemetry-server/internal/parser"
	"vehicle-telemetry-server/internal/pipeline"
	"vehicle-telemetry-server/internal/source"
	"vehicle-telemetry-server/internal/store"
)

type fixture struct {
	srv  *Server
	pipe *pipeline.Pipeline
	pull *source.PullSource
	now  time.Time
}

// stubAdapter stands in for the bus transport.
type stubAdapter struct{ live bool }

func (a *stubAdapter) Name() string                    { return source.Bus }
func (a *stubAdapter) Start(ctx context.Context) error { a.live = true; return nil }
func (a *stubAdapter) Stop()                           { a.live = false }
func (a *stubAdapter) Connected() bool                 { return a.live }

func newFixture(t *testing.T, apiToken, authKey string) *fixture {
	t.Helper()
	log := slog.Default()

	dayLog, err := store.NewDayLog(t.TempDir(), 100, log)
	if err != nil {
		t.Fatal(err)
	}
	session, err := store.NewSessionLog(t.TempDir(), 100, log)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{now: time.Now()}
	pipe := pipeline.New(dayLog, session, log, pipeline.WithClock(func() time.Time { return f.now }))

	p := parser.New(authKey)
	pull := source.NewPullSource(16, p, pipe, log)
	sources := source.NewMux(&stubAdapter{}, pull, log)
	if err := sources.Activate(context.Background(), source.Pull); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sources.Stop)

	f.srv = NewServer(pipe, dayLog, dayLog, session, sources, pull, apiToken, log)
	f.pipe = pipe
	f.pull = pull
	return f
}

func (f *fixture) ingest(t *testing.T, values map[string]string) {
	t.Helper()
	if !f.pipe.Ingest(models.NewRecord(values)) {
		t.Fatal("record unexpectedly suppressed")
	}
}

func (f *fixture) do(method, target string, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %s", resp.Error)
	}
	return resp.Data
}

func TestDataEndpoint(t *testing.T) {
	f := newFixture(t, "", "secret")

	w := f.do(http.MethodGet, "/data?key=secret&h=50&x=32.85", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != "0" {
		t.Errorf("body = %q, want the 1-byte flag \"0\"", body)
	}
	if got := w.Header().Get("Content-Length"); got != "1" {
		t.Errorf("Content-Length = %q, want 1", got)
	}

	// Ingestion is detached; wait for the worker to land the record.
	deadline := time.Now().Add(2 * time.Second)
	for f.pipe.Seq() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued sample never ingested")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := f.pipe.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if v, _ := rec.Get("h"); v != "50" {
		t.Errorf("h = %q, want 50", v)
	}
}

func TestDataEndpointUnauthorized(t *testing.T) {
	f := newFixture(t, "", "secret")

	w := f.do(http.MethodGet, "/data?key=wrong&h=50", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "UNAUTHORIZED") {
		t.Errorf("body = %q, want UNAUTHORIZED", w.Body.String())
	}
	if f.pipe.Seq() != 0 {
		t.Error("unauthorized sample must not be ingested")
	}
}

func TestDataEndpointDisabledWhenPullInactive(t *testing.T) {
	f := newFixture(t, "", "secret")
	f.pull.Stop()

	w := f.do(http.MethodGet, "/data?key=secret&h=50", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "DISABLED") {
		t.Errorf("body = %q, want DISABLED", w.Body.String())
	}
}

func TestDataEndpointFlag(t *testing.T) {
	f := newFixture(t, "", "")

	w := f.do(http.MethodPost, "/api/v1/flag", `{"flag":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set flag status = %d", w.Code)
	}

	w = f.do(http.MethodGet, "/data?h=1", "")
	if body := w.Body.String(); body != "1" {
		t.Errorf("flag response = %q, want \"1\"", body)
	}

	data := decodeData(t, f.do(http.MethodGet, "/api/v1/flag", ""))
	if data["flag"] != true {
		t.Errorf("flag = %v, want true", data["flag"])
	}
}

func TestLatestEndpoint(t *testing.T) {
	f := newFixture(t, "", "")

	w := f.do(http.MethodGet, "/api/v1/telemetry", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("empty pipeline status = %d, want 503", w.Code)
	}

	f.ingest(t, map[string]string{"h": "50"})
	data := decodeData(t, f.do(http.MethodGet, "/api/v1/telemetry", ""))
	if data["h"] != "50" {
		t.Errorf("h = %v, want \"50\"", data["h"])
	}
	if v, present := data["bv"]; !present || v != nil {
		t.Errorf("absent field bv = %v, want explicit null", v)
	}

	// Advance past the freshness threshold.
	f.now = f.now.Add(6 * time.Second)
	w = f.do(http.MethodGet, "/api/v1/telemetry", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("stale status = %d, want 503", w.Code)
	}
	var stale struct {
		TimeSinceLastRecord int64 `json:"timeSinceLastRecordMs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stale); err != nil {
		t.Fatal(err)
	}
	if stale.TimeSinceLastRecord < 6000 {
		t.Errorf("timeSinceLastRecordMs = %d, want >= 6000", stale.TimeSinceLastRecord)
	}
}

func TestAveragesEndpoint(t *testing.T) {
	f := newFixture(t, "", "")
	f.ingest(t, map[string]string{"h": "10"})
	f.ingest(t, map[string]string{"h": "20"})

	data := decodeData(t, f.do(http.MethodGet, "/api/v1/telemetry/averages", ""))
	recent := data["recent"].(map[string]any)
	if recent["h"] != 15.0 {
		t.Errorf("recent h = %v, want 15", recent["h"])
	}
	if data["recentCount"] != 2.0 {
		t.Errorf("recentCount = %v, want 2", data["recentCount"])
	}
	if v := data["allTime"].(map[string]any)["h"]; v != nil {
		t.Errorf("allTime h = %v, want null", v)
	}
}

func TestCountEndpoint(t *testing.T) {
	f := newFixture(t, "", "")
	f.ingest(t, map[string]string{"h": "10"})

	data := decodeData(t, f.do(http.MethodGet, "/api/v1/telemetry/count", ""))
	if data["count"] != 1.0 {
		t.Errorf("count = %v, want 1", data["count"])
	}
	if data["todayFile"] != store.DayFileName(time.Now()) {
		t.Errorf("todayFile = %v", data["todayFile"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, "dashtoken", "")

	w := f.do(http.MethodGet, "/api/v1/telemetry/count", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/telemetry/count", nil)
	req.Header.Set("Authorization", "Bearer dashtoken")
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token status = %d, want 200", rec.Code)
	}

	// Websocket clients pass the token as a query parameter.
	w = f.do(http.MethodGet, "/api/v1/telemetry/count?token=dashtoken", "")
	if w.Code != http.StatusOK {
		t.Errorf("query token status = %d, want 200", w.Code)
	}

	// The vehicle-facing endpoints stay outside the dashboard check.
	w = f.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestTestSessionEndpoints(t *testing.T) {
	f := newFixture(t, "", "")

	data := decodeData(t, f.do(http.MethodPost, "/api/v1/test/start", ""))
	if data["active"] != true {
		t.Fatalf("start response = %v", data)
	}

	if w := f.do(http.MethodPost, "/api/v1/test/start", ""); w.Code != http.StatusConflict {
		t.Errorf("double start status = %d, want 409", w.Code)
	}

	f.ingest(t, map[string]string{"h": "50"})

	stop := decodeData(t, f.do(http.MethodPost, "/api/v1/test/stop", ""))
	if stop["recordCount"] != 1.0 {
		t.Errorf("recordCount = %v, want 1", stop["recordCount"])
	}

	if w := f.do(http.MethodPost, "/api/v1/test/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("stop without session status = %d, want 409", w.Code)
	}
}

func TestSourceEndpoints(t *testing.T) {
	f := newFixture(t, "", "")

	data := decodeData(t, f.do(http.MethodGet, "/api/v1/source/status", ""))
	if data["source"] != source.Pull {
		t.Errorf("source = %v, want pull", data["source"])
	}
	if data["connected"] != false {
		t.Error("connected must be false before any record arrives")
	}
	if data["transportConnected"] != true {
		t.Error("pull transport must report connected while accepting requests")
	}

	data = decodeData(t, f.do(http.MethodPost, "/api/v1/source/switch", `{"source":"bus"}`))
	if data["source"] != source.Bus {
		t.Errorf("switch response source = %v", data["source"])
	}

	// Switching to the active source is a no-op, not an error.
	data = decodeData(t, f.do(http.MethodPost, "/api/v1/source/switch", `{"source":"bus"}`))
	if msg := data["message"]; msg != "already on bus" {
		t.Errorf("no-op switch message = %v", msg)
	}

	if w := f.do(http.MethodPost, "/api/v1/source/switch", `{"source":"nope"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown source status = %d, want 400", w.Code)
	}
}

func TestDayFileEndpoints(t *testing.T) {
	f := newFixture(t, "", "")
	f.ingest(t, map[string]string{"h": "50"})

	w := f.do(http.MethodGet, "/api/v1/telemetry/download-today", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download-today status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if !strings.Contains(w.Body.String(), ";50;") {
		t.Error("downloaded CSV missing the ingested record")
	}

	days := decodeData(t, f.do(http.MethodGet, "/api/v1/telemetry/days", ""))
	list := days["days"].([]any)
	if len(list) != 1 {
		t.Fatalf("day count = %d, want 1", len(list))
	}

	if w := f.do(http.MethodGet, "/api/v1/telemetry/download/../../etc/passwd", ""); w.Code == http.StatusOK {
		t.Error("path traversal must not be served")
	}

	cleared := decodeData(t, f.do(http.MethodDelete, "/api/v1/telemetry/clear", ""))
	if cleared["clearedCount"] != 1.0 {
		t.Errorf("clearedCount = %v, want 1", cleared["clearedCount"])
	}
	if f.pipe.WindowLen() != 0 {
		t.Error("clear must also empty the sliding window")
	}
}

func TestFileEndpointsDisabledInMemoryMode(t *testing.T) {
	log := slog.Default()
	ring := store.NewRing(10)
	session, err := store.NewSessionLog(t.TempDir(), 100, log)
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.New(ring, session, log)
	p := parser.New("")
	pull := source.NewPullSource(16, p, pipe, log)
	sources := source.NewMux(&stubAdapter{}, pull, log)
	srv := NewServer(pipe, ring, nil, session, sources, pull, "", log)

	for _, target := range []string{
		"/api/v1/telemetry/download-today",
		"/api/v1/telemetry/export",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400 under in-memory retention", target, w.Code)
		}
	}
}
