package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vehicle-telemetry-server/internal/models"
)

var (
	// ErrTestActive reports a start request while a session is running.
	ErrTestActive = errors.New("test session already active")

	// ErrNoActiveTest reports a stop or status request with no session.
	ErrNoActiveTest = errors.New("no active test session")
)

const testFilePrefix = "test_"

var testFileNameRe = regexp.MustCompile(`^test_(\d{2}-\d{2}-\d{4})_(\d{2}-\d{2}-\d{2})\.csv$`)

// SessionLog records an operator-triggered parallel stream of the accepted
// records. Each row carries one extra leading column: the elapsed time since
// the session started, formatted HH:MM:SS.mmm. Batching and flush semantics
// mirror DayLog.
type SessionLog struct {
	dir       string
	threshold int
	log       *slog.Logger

	mu       sync.Mutex
	active   bool
	id       string
	fileName string
	start    time.Time
	pending  [][]string

	flushing atomic.Bool
}

// SessionStatus describes the running session for the dashboard.
type SessionStatus struct {
	Active           bool   `json:"active"`
	TestSessionID    string `json:"testSessionId,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	StartTime        string `json:"startTime,omitempty"`
	ElapsedMs        int64  `json:"elapsedMs,omitempty"`
	ElapsedFormatted string `json:"elapsedFormatted,omitempty"`
	PendingCount     int    `json:"pendingCount,omitempty"`
}

// SessionResult summarizes a stopped session.
type SessionResult struct {
	TestSessionID     string `json:"testSessionId"`
	FileName          string `json:"fileName"`
	DurationFormatted string `json:"durationFormatted"`
	DurationMs        int64  `json:"durationMs"`
	RecordCount       int    `json:"recordCount"`
}

// NewSessionLog creates the test data directory if needed.
func NewSessionLog(dir string, threshold int, log *slog.Logger) (*SessionLog, error) {
	if threshold < 1 {
		threshold = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create test dir: %w", err)
	}
	return &SessionLog{dir: dir, threshold: threshold, log: log}, nil
}

// Start begins a new session. Fails with ErrTestActive if one is running.
func (s *SessionLog) Start() (SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return SessionStatus{}, ErrTestActive
	}
	now := time.Now()
	s.active = true
	s.id = uuid.NewString()
	s.fileName = testFilePrefix + now.Format("02-01-2006_15-04-05") + ".csv"
	s.start = now
	s.pending = nil
	return SessionStatus{
		Active:        true,
		TestSessionID: s.id,
		FileName:      s.fileName,
		StartTime:     now.Format(time.RFC3339),
	}, nil
}

// Enqueue records one accepted record into the session stream. A no-op when
// no session is active.
func (s *SessionLog) Enqueue(rec *models.Record) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	row := make([]string, 0, len(models.FieldOrder)+3)
	row = append(row, FormatElapsed(rec.ReceivedAt.Sub(s.start)))
	row = append(row, rec.LogFields()...)
	s.pending = append(s.pending, row)
	trigger := len(s.pending) >= s.threshold
	s.mu.Unlock()

	if trigger {
		go func() {
			if err := s.Flush(); err != nil {
				s.log.Error("test session flush failed", "error", err)
			}
		}()
	}
}

// Flush appends the pending session rows to the session file, with the same
// single-flight and restore-on-failure behavior as the day log.
func (s *SessionLog) Flush() error {
	if !s.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.flushing.Store(false)

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	path := filepath.Join(s.dir, s.fileName)
	s.mu.Unlock()

	if err := appendRows(path, sessionHeader(), batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	return nil
}

func sessionHeader() []string {
	h := make([]string, 0, len(models.FieldOrder)+3)
	h = append(h, "test_time")
	h = append(h, header()...)
	return h
}

// Status reports the running session.
func (s *SessionLog) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return SessionStatus{Active: false}
	}
	elapsed := time.Since(s.start)
	return SessionStatus{
		Active:           true,
		TestSessionID:    s.id,
		FileName:         s.fileName,
		StartTime:        s.start.Format(time.RFC3339),
		ElapsedMs:        elapsed.Milliseconds(),
		ElapsedFormatted: FormatElapsed(elapsed),
		PendingCount:     len(s.pending),
	}
}

// Stop drains the remaining rows and ends the session. Fails with
// ErrNoActiveTest when no session is running. A failed final flush leaves
// the session active with its rows intact so a retry can still land them.
func (s *SessionLog) Stop() (SessionResult, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return SessionResult{}, ErrNoActiveTest
	}
	id := s.id
	fileName := s.fileName
	start := s.start
	s.mu.Unlock()

	if err := s.drain(); err != nil {
		s.log.Error("final test session flush failed", "error", err)
		return SessionResult{}, err
	}

	s.mu.Lock()
	duration := time.Since(start)
	s.active = false
	s.id = ""
	s.fileName = ""
	s.pending = nil
	s.mu.Unlock()

	return SessionResult{
		TestSessionID:     id,
		FileName:          fileName,
		DurationFormatted: FormatElapsed(duration),
		DurationMs:        duration.Milliseconds(),
		RecordCount:       countRecords(filepath.Join(s.dir, fileName)),
	}, nil
}

// TestFile describes one recorded session file.
type TestFile struct {
	FileName      string    `json:"fileName"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	RecordCount   int       `json:"recordCount"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	LastModified  time.Time `json:"lastModified"`
}

// ListFiles lists recorded session files, most recently modified first.
func (s *SessionLog) ListFiles() ([]TestFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	files := []TestFile{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		tf := TestFile{
			FileName:      name,
			RecordCount:   countRecords(filepath.Join(s.dir, name)),
			FileSizeBytes: info.Size(),
			LastModified:  info.ModTime(),
		}
		if m := testFileNameRe.FindStringSubmatch(name); m != nil {
			tf.Date = m[1]
			tf.Time = strings.ReplaceAll(m[2], "-", ":")
		}
		files = append(files, tf)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].LastModified.After(files[j].LastModified)
	})
	return files, nil
}

// FilePath resolves a validated session file name inside the test directory.
func (s *SessionLog) FilePath(name string) (string, error) {
	if !strings.HasSuffix(name, ".csv") || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid test file name %q", name)
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes one recorded session file.
func (s *SessionLog) Delete(name string) error {
	path, err := s.FilePath(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// drain flushes until nothing is pending, waiting out any flush already in
// flight. Rows stay queued if the file cannot be written.
func (s *SessionLog) drain() error {
	for i := 0; i < 100; i++ {
		if err := s.Flush(); err != nil {
			return err
		}
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 && !s.flushing.Load() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%w: pending session rows not drained", ErrDurability)
}

// Close drains a running session's pending rows.
func (s *SessionLog) Close() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return nil
	}
	return s.drain()
}

// FormatElapsed renders a duration as HH:MM:SS.mmm.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d",
		ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, ms%1000)
}
