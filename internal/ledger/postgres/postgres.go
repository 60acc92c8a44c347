package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/storyloom/gengate/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL, for deployments where
// several gateway instances share one attempt history.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int, connLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connLifetime > 0 {
		db.SetConnMaxLifetime(connLifetime)
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
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	attempt INT NOT NULL,
	outcome TEXT NOT NULL,
	latency_ms BIGINT NOT NULL,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
VALUES($1, $2, $3, $4, $5, $6, $7)`,
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
WHERE request_id = $1
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
		var avg sql.NullFloat64
		if err := rows.Scan(&outcome, &count, &avg); err != nil {
			return ledger.Summary{}, err
		}
		summary.ByOutcome[outcome] = count
		summary.Attempts += count
		weighted += avg.Float64 * float64(count)
	}
	if summary.Attempts > 0 {
		summary.AvgLatency = int64(weighted / float64(summary.Attempts))
	}
	return summary, rows.Err()
}
