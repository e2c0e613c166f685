package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// IndexFileName is the SQLite database inside the history directory.
const IndexFileName = "history.db"

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Index is a SQLite mirror of the history log. Unlike the JSONL file it is
// never pruned, so it answers feature and range queries over the whole
// lifetime of a project.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) <dir>/history.db.
func OpenIndex(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create index dir: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(dir, IndexFileName))
	if err != nil {
		return nil, fmt.Errorf("history: open index: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return idx, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ts             TEXT NOT NULL,
			ts_unix_ms     INTEGER NOT NULL,
			type           TEXT NOT NULL,
			feature_before TEXT,
			feature_after  TEXT,
			phase_after    TEXT,
			body           TEXT NOT NULL,
			UNIQUE (ts, type, body)
		);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries (ts_unix_ms);
		CREATE INDEX IF NOT EXISTS idx_entries_feature_after ON entries (feature_after);
		CREATE INDEX IF NOT EXISTS idx_entries_feature_before ON entries (feature_before);
	`
	_, err := x.db.Exec(schema)
	return err
}

// Insert mirrors one entry. Re-inserting an identical entry is a no-op.
func (x *Index) Insert(e Entry) error {
	return insertEntry(x.db, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEntry(db execer, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: encode entry: %w", err)
	}
	_, err = db.Exec(
		`INSERT OR IGNORE INTO entries (ts, ts_unix_ms, type, feature_before, feature_after, phase_after, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Time().UnixMilli(), string(e.Type),
		nullString(featureOf(e.Before)), nullString(featureOf(e.After)),
		nullString(phaseOf(e.After)), string(body),
	)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}
	return nil
}

// Rebuild loads every entry from the JSONL log into the index in a single
// transaction. Entries already present are left alone.
func (x *Index) Rebuild(l *Logger) (int, error) {
	entries, err := l.All()
	if err != nil {
		return 0, err
	}

	tx, err := x.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("history: begin rebuild: %w", err)
	}
	for _, e := range entries {
		if err := insertEntry(tx, e); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit rebuild: %w", err)
	}
	return len(entries), nil
}

// Count returns the number of indexed entries.
func (x *Index) Count() (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// ForFeature returns every indexed entry touching featureID, oldest first.
func (x *Index) ForFeature(featureID string) ([]Entry, error) {
	return x.query(
		`SELECT body FROM entries WHERE feature_after = ? OR feature_before = ? ORDER BY ts_unix_ms, id`,
		featureID, featureID,
	)
}

// InRange returns indexed entries with start <= timestamp <= end, oldest first.
func (x *Index) InRange(start, end time.Time) ([]Entry, error) {
	return x.query(
		`SELECT body FROM entries WHERE ts_unix_ms BETWEEN ? AND ? ORDER BY ts_unix_ms, id`,
		start.UnixMilli(), end.UnixMilli(),
	)
}

func (x *Index) query(q string, args ...any) ([]Entry, error) {
	rows, err := x.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func phaseOf(s *workflow.SessionState) string {
	if s == nil || s.Phase == nil {
		return ""
	}
	return string(*s.Phase)
}
