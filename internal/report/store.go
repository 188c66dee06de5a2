package report

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"repowarden/internal/logging"
)

// ErrNoReport is returned when a target has no stored report yet.
var ErrNoReport = errors.New("no report for target")

// Store persists the latest report per target.
type Store interface {
	Save(r Report) error
	Latest(targetID string) (Report, error)
	Close() error
}

// MemoryStore keeps the latest report per target in process.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]Report)}
}

// Save replaces the target's latest report.
func (s *MemoryStore) Save(r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.Target.ID()] = r
	return nil
}

// Latest returns the target's most recent report.
func (s *MemoryStore) Latest(targetID string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[targetID]
	if !ok {
		return Report{}, ErrNoReport
	}
	return r, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// SQLiteStore persists the latest report per target as a JSON document.
// One row per target keeps the query path a point lookup.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the report database at path.
// Rule and report stores may share one database file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		target_id    TEXT PRIMARY KEY,
		pass_id      TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		health_score INTEGER NOT NULL,
		document     TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init report schema: %w", err)
	}

	logging.Report("sqlite report store opened at %s", path)
	return &SQLiteStore{db: db}, nil
}

// Save upserts the target's latest report.
func (s *SQLiteStore) Save(r Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reports (target_id, pass_id, generated_at, health_score, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			pass_id = excluded.pass_id,
			generated_at = excluded.generated_at,
			health_score = excluded.health_score,
			document = excluded.document`,
		r.Target.ID(), r.PassID, r.GeneratedAt.UTC().Format(time.RFC3339Nano),
		r.HealthScore, string(doc))
	if err != nil {
		return fmt.Errorf("save report for %s: %w", r.Target.ID(), err)
	}
	return nil
}

// Latest returns the target's most recent report.
func (s *SQLiteStore) Latest(targetID string) (Report, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM reports WHERE target_id = ?`, targetID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNoReport
	}
	if err != nil {
		return Report{}, fmt.Errorf("load report for %s: %w", targetID, err)
	}

	var r Report
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return Report{}, fmt.Errorf("unmarshal report for %s: %w", targetID, err)
	}
	return r, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
