package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"vehicle-telemetry-server/internal/logging"
	"vehicle-telemetry-server/internal/pipeline"
	"vehicle-telemetry-server/internal/source"
	"vehicle-telemetry-server/internal/store"
)

// Server exposes the pipeline's Query Surface and the pull-transport ingest
// endpoint to the dashboard backend.
type Server struct {
	pipe      *pipeline.Pipeline
	recordLog store.RecordLog
	dayLog    *store.DayLog // nil under the in-memory retention policy
	session   *store.SessionLog
	sources   *source.Mux
	pull      *source.PullSource
	hub       *Hub
	log       *slog.Logger

	apiToken string

	// responseFlag is the 1-byte status returned to the vehicle on each
	// pull request. It is externally controlled and irrelevant to the
	// pipeline's own state.
	responseFlag atomic.Bool

	router *mux.Router
}

// NewServer wires the routes. dayLog may be nil when running the in-memory
// retention policy; the file endpoints then report the feature as disabled.
func NewServer(
	pipe *pipeline.Pipeline,
	recordLog store.RecordLog,
	dayLog *store.DayLog,
	session *store.SessionLog,
	sources *source.Mux,
	pull *source.PullSource,
	apiToken string,
	log *slog.Logger,
) *Server {
	s := &Server{
		pipe:      pipe,
		recordLog: recordLog,
		dayLog:    dayLog,
		session:   session,
		sources:   sources,
		pull:      pull,
		hub:       NewHub(log),
		log:       log,
		apiToken:  apiToken,
		router:    mux.NewRouter(),
	}
	pipe.Subscribe(s.hub.Broadcast)
	s.setupRoutes()
	return s
}

// setupRoutes configures all routes. The vehicle-facing /data endpoint and
// /health stay outside the dashboard middleware chain so the vehicle's
// round trip carries no avoidable overhead.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/data", s.handleData).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.authMiddleware)

	api.HandleFunc("/telemetry", s.handleLatest).Methods("GET")
	api.HandleFunc("/telemetry/averages", s.handleAverages).Methods("GET")
	api.HandleFunc("/telemetry/count", s.handleCount).Methods("GET")
	api.HandleFunc("/telemetry/days", s.handleListDays).Methods("GET")
	api.HandleFunc("/telemetry/download-today", s.handleDownloadToday).Methods("GET")
	api.HandleFunc("/telemetry/download/{fileName}", s.handleDownloadDay).Methods("GET")
	api.HandleFunc("/telemetry/export", s.handleExport).Methods("GET")
	api.HandleFunc("/telemetry/delete/{fileName}", s.handleDeleteDay).Methods("DELETE")
	api.HandleFunc("/telemetry/clear", s.handleClearToday).Methods("DELETE")

	api.HandleFunc("/test/start", s.handleTestStart).Methods("POST")
	api.HandleFunc("/test/stop", s.handleTestStop).Methods("POST")
	api.HandleFunc("/test/status", s.handleTestStatus).Methods("GET")
	api.HandleFunc("/test/files", s.handleTestFiles).Methods("GET")
	api.HandleFunc("/test/download/{fileName}", s.handleTestDownload).Methods("GET")
	api.HandleFunc("/test/delete/{fileName}", s.handleTestDelete).Methods("DELETE")

	api.HandleFunc("/source/status", s.handleSourceStatus).Methods("GET")
	api.HandleFunc("/source/switch", s.handleSourceSwitch).Methods("POST")

	api.HandleFunc("/flag", s.handleGetFlag).Methods("GET")
	api.HandleFunc("/flag", s.handleSetFlag).Methods("POST")

	api.HandleFunc("/stream", s.handleStream).Methods("GET")
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware

// loggingMiddleware times each request and makes a request-scoped logger
// available to the handlers via the context.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := s.log.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.NewContext(r.Context(), reqLog)))
		reqLog.Debug("api request", "duration", time.Since(start))
	})
}

// authMiddleware enforces the dashboard access-control contract: when a
// token is configured, every dashboard call must carry it. Websocket
// clients may pass it as a query parameter instead of a header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			token := r.URL.Query().Get("token")
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
			if token != s.apiToken {
				respondError(w, http.StatusUnauthorized, "invalid or missing API token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// Vehicle-facing ingest

// handleData serves the pull transport. The key is validated up front, the
// 1-byte flag response goes out immediately, and only then are the values
// handed to the ingest queue — the vehicle never waits on normalization or
// file I/O.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if !s.pull.Active() {
		http.Error(w, "DISABLED", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if err := s.pull.Authorize(q); err != nil {
		s.log.Warn("unauthorized pull request", "remote", r.RemoteAddr)
		http.Error(w, "UNAUTHORIZED", http.StatusUnauthorized)
		return
	}

	flag := "0"
	if s.responseFlag.Load() {
		flag = "1"
	}
	w.Header().Set("Content-Length", "1")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(flag))

	s.pull.Offer(q)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Query Surface

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipe.Latest()
	switch {
	case errors.Is(err, pipeline.ErrNoData):
		respondError(w, http.StatusServiceUnavailable, "no telemetry received yet")
	case errors.Is(err, pipeline.ErrStaleData):
		age, _ := s.pipe.TimeSinceLast()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(struct {
			Success             bool   `json:"success"`
			Error               string `json:"error"`
			TimeSinceLastRecord int64  `json:"timeSinceLastRecordMs"`
		}{false, "telemetry data is stale", age.Milliseconds()})
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleAverages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipe.Averages())
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	days, err := s.recordLog.ListDays()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":         s.recordLog.TodayCount(),
		"pendingCount":  s.recordLog.Pending(),
		"todayFile":     store.DayFileName(time.Now()),
		"availableDays": len(days),
	})
}

func (s *Server) handleListDays(w http.ResponseWriter, r *http.Request) {
	days, err := s.recordLog.ListDays()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"days": days})
}

// requireDayLog gates the file endpoints under the in-memory policy.
func (s *Server) requireDayLog(w http.ResponseWriter) bool {
	if s.dayLog == nil {
		respondError(w, http.StatusBadRequest, "durable retention is disabled")
		return false
	}
	return true
}

func (s *Server) handleDownloadDay(w http.ResponseWriter, r *http.Request) {
	if !s.requireDayLog(w) {
		return
	}
	name := mux.Vars(r)["fileName"]
	path, err := s.dayLog.FilePath(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "day file not found")
		return
	}
	serveCSV(w, r, path, name)
}

func (s *Server) handleDownloadToday(w http.ResponseWriter, r *http.Request) {
	if !s.requireDayLog(w) {
		return
	}
	// Push pending records out first so the download is complete.
	if err := s.dayLog.Flush(); err != nil {
		logging.FromContext(r.Context()).Error("flush before download failed", "error", err)
	}
	name := store.DayFileName(time.Now())
	path, err := s.dayLog.FilePath(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "no data recorded today")
		return
	}
	serveCSV(w, r, path, name)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireDayLog(w) {
		return
	}
	if err := s.dayLog.Flush(); err != nil {
		logging.FromContext(r.Context()).Error("flush before export failed", "error", err)
	}
	name := "telemetry_export_" + time.Now().Format("2006-01-02_15-04-05") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := s.dayLog.WriteMerged(w); err != nil {
		s.log.Error("merged export failed", "error", err)
	}
}

func (s *Server) handleDeleteDay(w http.ResponseWriter, r *http.Request) {
	if !s.requireDayLog(w) {
		return
	}
	name := mux.Vars(r)["fileName"]
	if err := s.dayLog.Delete(name); err != nil {
		respondError(w, http.StatusNotFound, "day file not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleClearToday(w http.ResponseWriter, r *http.Request) {
	if !s.requireDayLog(w) {
		return
	}
	cleared, err := s.dayLog.ClearToday()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.pipe.ClearWindow()
	respondJSON(w, http.StatusOK, map[string]int{"clearedCount": cleared})
}

func serveCSV(w http.ResponseWriter, r *http.Request, path, name string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

// Test sessions

func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	status, err := s.session.Start()
	if errors.Is(err, store.ErrTestActive) {
		respondError(w, http.StatusConflict, "a test session is already active")
		return
	}
	logging.FromContext(r.Context()).Info("test session started",
		"id", status.TestSessionID, "file", status.FileName)
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleTestStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.session.Stop()
	if errors.Is(err, store.ErrNoActiveTest) {
		respondError(w, http.StatusConflict, "no active test session")
		return
	}
	if err != nil {
		// The session stays active with its rows queued; the client can
		// retry once the file is writable again.
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.FromContext(r.Context()).Info("test session stopped", "id", result.TestSessionID,
		"duration", result.DurationFormatted, "records", result.RecordCount)
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleTestFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.session.ListFiles()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handleTestDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["fileName"]
	path, err := s.session.FilePath(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "test file not found")
		return
	}
	serveCSV(w, r, path, name)
}

func (s *Server) handleTestDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["fileName"]
	if err := s.session.Delete(name); err != nil {
		respondError(w, http.StatusNotFound, "test file not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// Source control

func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sources.Status()
	age, ok := s.pipe.TimeSinceLast()
	resp := map[string]interface{}{
		"source":             st.Source,
		"connected":          s.pipe.Fresh(),
		"transportConnected": st.TransportConnected,
	}
	if ok {
		resp["timeSinceLastRecordMs"] = age.Milliseconds()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSourceSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	changed, err := s.sources.SwitchTo(r.Context(), req.Source)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg := "already on " + req.Source
	if changed {
		msg = "source switched to " + req.Source
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"source": req.Source, "message": msg})
}

// Response flag

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"flag": s.responseFlag.Load()})
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flag bool `json:"flag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.responseFlag.Store(req.Flag)
	respondJSON(w, http.StatusOK, map[string]bool{"flag": req.Flag})
}
