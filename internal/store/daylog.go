package store

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vehicle-telemetry-server/internal/models"
)

// utf8BOM is written at the start of every new log file so spreadsheet
// tools detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DayLog buffers accepted records and appends them to one semicolon-delimited
// CSV file per calendar day. Records are written in enqueue order; the batch
// is cleared only after a successful append. A failed append puts the
// snapshot back in front of any records that arrived during the write, so
// nothing is silently lost.
type DayLog struct {
	dir       string
	threshold int
	log       *slog.Logger

	mu      sync.Mutex
	pending []*models.Record

	flushing atomic.Bool
}

// NewDayLog creates the data directory if needed and returns a writer that
// flushes whenever the pending batch reaches threshold records.
func NewDayLog(dir string, threshold int, log *slog.Logger) (*DayLog, error) {
	if threshold < 1 {
		threshold = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &DayLog{dir: dir, threshold: threshold, log: log}, nil
}

// Dir returns the data directory.
func (w *DayLog) Dir() string { return w.dir }

// Enqueue appends a record to the pending batch. Reaching the flush
// threshold triggers an asynchronous flush so the ingestion path never
// waits on file I/O.
func (w *DayLog) Enqueue(rec *models.Record) {
	w.mu.Lock()
	w.pending = append(w.pending, rec)
	trigger := len(w.pending) >= w.threshold
	w.mu.Unlock()

	if trigger {
		go func() {
			if err := w.Flush(); err != nil {
				w.log.Error("telemetry flush failed", "error", err)
			}
		}()
	}
}

// Flush writes the pending batch to the day files. A flush already in
// progress makes concurrent calls no-op; the in-flight flush covers any
// records that were enqueued before its snapshot was taken, and later
// arrivals wait in the fresh batch for the next trigger.
func (w *DayLog) Flush() error {
	if !w.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if err := w.appendBatch(batch); err != nil {
		// Put the failed snapshot back in front of newly arrived
		// records so file order still matches ingestion order.
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	return nil
}

// appendBatch groups the snapshot by calendar day and appends each group to
// its file. Day rollover is implicit: the first record past local midnight
// lands in a new file.
func (w *DayLog) appendBatch(batch []*models.Record) error {
	i := 0
	for i < len(batch) {
		day := DayFileName(batch[i].ReceivedAt)
		j := i + 1
		for j < len(batch) && DayFileName(batch[j].ReceivedAt) == day {
			j++
		}
		if err := appendRows(filepath.Join(w.dir, day), header(), recordRows(batch[i:j])); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func recordRows(recs []*models.Record) [][]string {
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = r.LogFields()
	}
	return rows
}

// appendRows appends semicolon-delimited rows to path, writing the BOM and
// header row first if the file does not yet exist.
func appendRows(path string, head []string, rows [][]string) error {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	if isNew {
		if _, err := buf.Write(utf8BOM); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(buf)
	cw.Comma = ';'
	if isNew {
		if err := cw.Write(head); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return buf.Flush()
}

// Pending reports the current pending batch length.
func (w *DayLog) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// TodayCount reports today's on-disk record count plus the pending batch.
func (w *DayLog) TodayCount() int {
	return countRecords(filepath.Join(w.dir, DayFileName(time.Now()))) + w.Pending()
}

// countRecords counts non-empty lines minus the header row. A missing file
// counts as zero.
func countRecords(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	if n > 0 {
		n-- // header
	}
	return n
}

// ListDays lists the day log files, most recently modified first.
func (w *DayLog) ListDays() ([]DayFile, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}

	days := []DayFile{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dayFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		days = append(days, DayFile{
			FileName:      name,
			Date:          strings.TrimSuffix(name, dayFileSuffix),
			RecordCount:   countRecords(filepath.Join(w.dir, name)),
			FileSizeBytes: info.Size(),
			LastModified:  info.ModTime(),
		})
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].LastModified.After(days[j].LastModified)
	})
	return days, nil
}

// ValidDayFileName guards download/delete paths against traversal and
// non-log files.
func ValidDayFileName(name string) bool {
	return strings.HasSuffix(name, dayFileSuffix) &&
		!strings.Contains(name, "..") &&
		!strings.ContainsAny(name, `/\`)
}

// FilePath resolves a validated day file name inside the data directory.
func (w *DayLog) FilePath(name string) (string, error) {
	if !ValidDayFileName(name) {
		return "", fmt.Errorf("invalid day file name %q", name)
	}
	path := filepath.Join(w.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Delete removes one day log file.
func (w *DayLog) Delete(name string) error {
	path, err := w.FilePath(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// ClearToday drops the pending batch and removes today's file. It returns
// the number of records discarded.
func (w *DayLog) ClearToday() (int, error) {
	w.mu.Lock()
	cleared := len(w.pending)
	w.pending = nil
	w.mu.Unlock()

	path := filepath.Join(w.dir, DayFileName(time.Now()))
	cleared += countRecords(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cleared, err
	}
	return cleared, nil
}

// WriteMerged streams one CSV with the rows of every day file, oldest file
// last (list order), skipping per-file headers.
func (w *DayLog) WriteMerged(out io.Writer) error {
	days, err := w.ListDays()
	if err != nil {
		return err
	}
	if _, err := out.Write(utf8BOM); err != nil {
		return err
	}
	if _, err := io.WriteString(out, strings.Join(header(), ";")+"\n"); err != nil {
		return err
	}
	for _, d := range days {
		if err := copyDataRows(out, filepath.Join(w.dir, d.FileName)); err != nil {
			return err
		}
	}
	return nil
}

func copyDataRows(out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), string(utf8BOM)))
		if first {
			first = false // header row
			continue
		}
		if line == "" {
			continue
		}
		if _, err := io.WriteString(out, line+"\n"); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Close drains the pending batch synchronously, waiting out any flush
// already in flight.
func (w *DayLog) Close() error {
	for i := 0; i < 100; i++ {
		if err := w.Flush(); err != nil {
			return err
		}
		if w.Pending() == 0 && !w.flushing.Load() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("%w: pending records not drained", ErrDurability)
}
