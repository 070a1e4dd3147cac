package db

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vehicle-telemetry-server/internal/models"
)

// Archive is an offline sqlite index of recorded day log files. The serve
// path never touches it; the import and query commands use it for ad-hoc
// inspection of historical data. It deliberately does not feed all-time
// averages back into the live Query Surface.
type Archive struct {
	conn *sql.DB
}

// ArchivedRecord is one imported row.
type ArchivedRecord struct {
	ID       int64             `json:"id"`
	FileName string            `json:"fileName"`
	Date     string            `json:"date"`
	Time     string            `json:"time"`
	Values   map[string]string `json:"values"`
}

// Open opens (and initializes) the archive database.
func Open(dbPath string) (*Archive, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// Single writer works best for sqlite.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	a := &Archive{conn: conn}
	if err := a.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}
	return a, nil
}

func (a *Archive) initialize() error {
	cols := make([]string, 0, len(models.FieldOrder))
	for _, f := range models.FieldOrder {
		cols = append(cols, fmt.Sprintf("%s TEXT", f))
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS imported_files (
		file_name TEXT PRIMARY KEY,
		imported_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		record_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telemetry_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		%s
	);

	CREATE INDEX IF NOT EXISTS idx_archive_file ON telemetry_archive(file_name);
	CREATE INDEX IF NOT EXISTS idx_archive_date ON telemetry_archive(date, time);
	`, strings.Join(cols, ",\n\t\t"))

	_, err := a.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}

// Imported reports whether a file was already imported.
func (a *Archive) Imported(fileName string) (bool, error) {
	var n int
	err := a.conn.QueryRow(`SELECT COUNT(*) FROM imported_files WHERE file_name = ?`, fileName).Scan(&n)
	return n > 0, err
}

// ImportFile loads one day (or test) log file into the archive. Files that
// were imported before are skipped. It returns the number of rows inserted.
func (a *Archive) ImportFile(path string) (int, error) {
	fileName := filepath.Base(path)
	if done, err := a.Imported(fileName); err != nil {
		return 0, err
	} else if done {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	header, rows, err := readLog(f)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}

	tx, err := a.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	insert, colIdx := buildInsert(header)
	stmt, err := tx.Prepare(insert)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		args := make([]interface{}, 0, len(colIdx)+1)
		args = append(args, fileName)
		for _, idx := range colIdx {
			if idx < len(row) && row[idx] != "" {
				args = append(args, row[idx])
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return inserted, err
		}
		inserted++
	}

	if _, err := tx.Exec(`INSERT INTO imported_files (file_name, record_count) VALUES (?, ?)`,
		fileName, inserted); err != nil {
		return inserted, err
	}
	return inserted, tx.Commit()
}

// buildInsert maps present header columns to archive columns. Unknown
// columns (such as the test_time column of session files) are skipped.
func buildInsert(header []string) (string, []int) {
	known := map[string]bool{"date": true, "time": true}
	for _, f := range models.FieldOrder {
		known[f] = true
	}

	cols := []string{"file_name"}
	idx := []int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
		if known[h] {
			cols = append(cols, h)
			idx = append(idx, i)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO telemetry_archive (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders), idx
}

// readLog reads a semicolon-delimited log file into a header and data rows.
func readLog(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rows [][]string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return header, rows, err
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// Query returns archived rows, newest first, optionally filtered by the
// source file name.
func (a *Archive) Query(fileName string, limit, offset int) ([]ArchivedRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		where string
		args  []interface{}
	)
	if fileName != "" {
		where = "WHERE file_name = ?"
		args = append(args, fileName)
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`SELECT id, file_name, date, time, %s FROM telemetry_archive %s
		ORDER BY date DESC, time DESC LIMIT ? OFFSET ?`,
		strings.Join(models.FieldOrder, ", "), where)

	rows, err := a.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedRecord
	for rows.Next() {
		rec := ArchivedRecord{Values: map[string]string{}}
		dest := make([]interface{}, 0, len(models.FieldOrder)+4)
		dest = append(dest, &rec.ID, &rec.FileName, &rec.Date, &rec.Time)
		vals := make([]sql.NullString, len(models.FieldOrder))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, f := range models.FieldOrder {
			if vals[i].Valid {
				rec.Values[f] = vals[i].String
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats reports archive totals.
func (a *Archive) Stats() (map[string]interface{}, error) {
	stats := map[string]interface{}{}

	var files, records int
	if err := a.conn.QueryRow(`SELECT COUNT(*) FROM imported_files`).Scan(&files); err != nil {
		return nil, err
	}
	if err := a.conn.QueryRow(`SELECT COUNT(*) FROM telemetry_archive`).Scan(&records); err != nil {
		return nil, err
	}
	stats["imported_files"] = files
	stats["total_records"] = records
	return stats, nil
}
