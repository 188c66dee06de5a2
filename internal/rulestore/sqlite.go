package rulestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
)

// SQLiteStore is the durable Store implementation. A single connection
// (MaxOpenConns=1) plus WAL keeps writes serialized without busy errors.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the rule database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rule db: %w", err)
	}

	// One writer connection; WAL readers don't block it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("sqlite rule store opened at %s", path)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		category      TEXT NOT NULL,
		conditions    TEXT NOT NULL,
		conclusion    TEXT NOT NULL,
		severity      TEXT NOT NULL,
		provenance    TEXT NOT NULL,
		confidence    REAL NOT NULL,
		applied_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		CHECK (success_count <= applied_count)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(category, enabled);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init rule schema: %w", err)
	}
	return nil
}

// Insert adds a rule after the conflict check against enabled rules of the
// same category. Check and insert run in one transaction.
func (s *SQLiteStore) Insert(rule policy.Rule) (string, error) {
	if err := validateInsert(rule); err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+ruleColumns+` FROM rules WHERE category = ? AND enabled = 1`,
		string(rule.Category))
	if err != nil {
		return "", fmt.Errorf("query category rules: %w", err)
	}
	existing, err := scanRules(rows)
	if err != nil {
		return "", err
	}

	if conflictID := findConflict(rule, existing); conflictID != "" {
		logging.Store("insert rejected: rule %s conflicts with %s", rule.ID, conflictID)
		return "", &ConflictError{ExistingID: conflictID}
	}

	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", fmt.Errorf("marshal conditions: %w", err)
	}
	concl, err := json.Marshal(rule.Conclusion)
	if err != nil {
		return "", fmt.Errorf("marshal conclusion: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO rules (id, name, category, conditions, conclusion,
			severity, provenance, confidence, applied_count, success_count,
			enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, string(rule.Category), string(conds), string(concl),
		string(rule.Severity), rule.Provenance, rule.Confidence,
		rule.AppliedCount, rule.SuccessCount, boolToInt(rule.Enabled),
		rule.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert rule %s: %w", rule.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert: %w", err)
	}
	logging.Store("inserted rule %s (%s, %s)", rule.ID, rule.Name, rule.Category)
	return rule.ID, nil
}

// Get returns enabled rules of one category in deterministic order.
// Ordering happens in Go so the success-rate fallback matches the memory
// store exactly.
func (s *SQLiteStore) Get(category policy.Category) ([]policy.Rule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleColumns+` FROM rules WHERE category = ? AND enabled = 1`,
		string(category))
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	orderRules(rules)
	return rules, nil
}

// GetByID returns one rule regardless of enabled state.
func (s *SQLiteStore) GetByID(id string) (policy.Rule, error) {
	rows, err := s.db.Query(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	if err != nil {
		return policy.Rule{}, fmt.Errorf("query rule %s: %w", id, err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return policy.Rule{}, err
	}
	if len(rules) == 0 {
		return policy.Rule{}, ErrNotFound
	}
	return rules[0], nil
}

// All returns every rule in deterministic order.
func (s *SQLiteStore) All() ([]policy.Rule, error) {
	rows, err := s.db.Query(`SELECT ` + ruleColumns + ` FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("query all rules: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	orderRules(rules)
	return rules, nil
}

// SetEnabled soft-deletes or restores a rule.
func (s *SQLiteStore) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE rules SET enabled = ? WHERE id = ?`,
		boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set enabled on %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.Store("rule %s enabled=%v", id, enabled)
	return nil
}

// RecordOutcome increments counters in a single UPDATE. The single
// connection serializes concurrent calls; the CHECK constraint enforces
// success <= applied at the schema level too.
func (s *SQLiteStore) RecordOutcome(id string, succeeded bool) error {
	inc := 0
	if succeeded {
		inc = 1
	}
	res, err := s.db.Exec(`
		UPDATE rules
		SET applied_count = applied_count + 1,
		    success_count = success_count + ?
		WHERE id = ?`, inc, id)
	if err != nil {
		return fmt.Errorf("record outcome on %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const ruleColumns = `id, name, category, conditions, conclusion, severity,
	provenance, confidence, applied_count, success_count, enabled, created_at`

func scanRules(rows *sql.Rows) ([]policy.Rule, error) {
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var (
			r          policy.Rule
			category   string
			conds      string
			concl      string
			severity   string
			enabledInt int
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.Name, &category, &conds, &concl,
			&severity, &r.Provenance, &r.Confidence, &r.AppliedCount,
			&r.SuccessCount, &enabledInt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Category = policy.Category(category)
		r.Severity = policy.Severity(severity)
		r.Enabled = enabledInt != 0
		if err := json.Unmarshal([]byte(conds), &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(concl), &r.Conclusion); err != nil {
			return nil, fmt.Errorf("unmarshal conclusion for %s: %w", r.ID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
