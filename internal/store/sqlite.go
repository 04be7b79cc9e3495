// ABOUTME: SQLite persistence for router events and the per-call usage log using modernc.org/sqlite
// ABOUTME: Provides automatic schema creation and bounded history queries

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists router history using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			backend TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL,
			external_id TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_ts ON calls(ts);
		CREATE INDEX IF NOT EXISTS idx_calls_backend ON calls(backend);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Event is one lifecycle or swap event worth keeping.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Backend string    `json:"backend,omitempty"`
	Profile string    `json:"profile,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Call is one forwarded request in the usage log.
type Call struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id,omitempty"`
	Backend    string    `json:"backend"`
	ExternalID string    `json:"external_id"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	Duration   int64     `json:"duration_ms"`
}

// RecordEvent appends an event to the history.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, ts, kind, backend, profile, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time, ev.Kind, ev.Backend, ev.Profile, ev.Detail)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// RecordCall appends a forwarded call to the usage log.
func (s *SQLiteStore) RecordCall(ctx context.Context, call Call) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Time.IsZero() {
		call.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, ts, session_id, backend, external_id, method, status, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.Time, call.SessionID, call.Backend, call.ExternalID, call.Method, call.Status, call.Duration)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, bounded by limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, backend, profile, detail FROM events ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.Kind, &ev.Backend, &ev.Profile, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListCalls returns the newest usage entries first, bounded by limit.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, session_id, backend, external_id, method, status, duration_ms
		 FROM calls ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.Time, &c.SessionID, &c.Backend, &c.ExternalID, &c.Method, &c.Status, &c.Duration); err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UsageRow aggregates the usage log per backend.
type UsageRow struct {
	Backend   string  `json:"backend"`
	Calls     int64   `json:"calls"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
}

// UsageSummary aggregates calls per backend for status output.
func (s *SQLiteStore) UsageSummary(ctx context.Context) ([]UsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend,
		       COUNT(*) AS calls,
		       SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END) AS errors,
		       AVG(duration_ms) AS avg_ms
		FROM calls GROUP BY backend ORDER BY calls DESC`)
	if err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Backend, &r.Calls, &r.Errors, &r.AvgMillis); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes history older than the retention window.
func (s *SQLiteStore) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning calls: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
