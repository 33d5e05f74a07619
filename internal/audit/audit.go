// Package audit keeps the append-only record of every load attempt in a
// SQLite database shared by all projects under the output base directory.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	operator TEXT NOT NULL,
	project TEXT NOT NULL,
	accession TEXT NOT NULL,
	case_id TEXT,
	status TEXT NOT NULL,
	modality TEXT,
	image_count INTEGER,
	series_count INTEGER,
	duration_s REAL,
	error TEXT
)`

// Record is one audit row. Nullable columns are pointers so a skipped
// or failed load writes NULL instead of a zero that looks like data.
type Record struct {
	ID          int64    `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Operator    string   `json:"operator"`
	Project     string   `json:"project"`
	Accession   string   `json:"accession"`
	CaseID      *string  `json:"case_id"`
	Status      string   `json:"status"`
	Modality    *string  `json:"modality"`
	ImageCount  int      `json:"image_count"`
	SeriesCount int      `json:"series_count"`
	DurationS   *float64 `json:"duration_s"`
	Error       *string  `json:"error"`
}

// Log is an open audit database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes one row. The timestamp is set to now (UTC) and the
// operator to the current OS user when the record leaves them empty.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if rec.Operator == "" {
		rec.Operator = currentUser()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log
		 (timestamp,operator,project,accession,case_id,status,modality,image_count,series_count,duration_s,error)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Timestamp, rec.Operator, rec.Project, rec.Accession, rec.CaseID,
		rec.Status, rec.Modality, rec.ImageCount, rec.SeriesCount, rec.DurationS, rec.Error)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Query returns the last n rows in ascending id order, optionally
// filtered to one project (empty project means all).
func (l *Log) Query(ctx context.Context, project string, n int) ([]Record, error) {
	q := `SELECT id,timestamp,operator,project,accession,case_id,status,modality,image_count,series_count,duration_s,error
	      FROM audit_log`
	args := []any{}
	if project != "" {
		q += ` WHERE project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Operator, &r.Project, &r.Accession,
			&r.CaseID, &r.Status, &r.Modality, &r.ImageCount, &r.SeriesCount,
			&r.DurationS, &r.Error); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit rows: %w", err)
	}
	// Newest-first from the database, oldest-first for the caller.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
