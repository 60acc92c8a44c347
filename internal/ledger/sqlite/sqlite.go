package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/storyloom/gengate/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS attempt_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	detail TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempt_entries_request ON attempt_entries(request_id, attempt);
CREATE INDEX IF NOT EXISTS idx_attempt_entries_created ON attempt_entries(created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new attempt entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.RequestID == "" {
		return errors.New("ledger record requires request id")
	}
	if entry.CredentialID == "" {
		return errors.New("ledger record requires credential id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attempt_entries(request_id, credential_id, attempt, outcome, latency_ms, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.CredentialID,
		entry.Attempt,
		entry.Outcome,
		entry.LatencyMS,
		entry.Detail,
		created,
	)
	return err
}

// ListByRequest returns the attempts for one request in attempt order.
func (s *Store) ListByRequest(ctx context.Context, requestID string) ([]ledger.Entry, error) {
	if requestID == "" {
		return nil, errors.New("request id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, credential_id, attempt, outcome, latency_ms, COALESCE(detail, ''), created_at
FROM attempt_entries
WHERE request_id = ?
ORDER BY attempt ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CredentialID, &e.Attempt, &e.Outcome, &e.LatencyMS, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates attempt counts and average latency across all requests.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT outcome, COUNT(*), COALESCE(AVG(latency_ms), 0)
FROM attempt_entries
GROUP BY outcome`)
	if err != nil {
		return ledger.Summary{}, err
	}
	defer rows.Close()

	summary := ledger.Summary{ByOutcome: make(map[string]int64)}
	var weighted float64
	for rows.Next() {
		var outcome string
		var count int64
		var avg float64
		if err := rows.Scan(&outcome, &count, &avg); err != nil {
			return ledger.Summary{}, err
		}
		summary.ByOutcome[outcome] = count
		summary.Attempts += count
		weighted += avg * float64(count)
	}
	if summary.Attempts > 0 {
		summary.AvgLatency = int64(weighted / float64(summary.Attempts))
	}
	return summary, rows.Err()
}
