// Package ledger records every dispatch attempt for observability: which
// credential served which request, with what outcome and latency.
package ledger

import (
	"context"
	"time"
)

// Entry represents a single dispatch attempt written to the local ledger.
// CredentialID is the opaque identifier, never the secret.
type Entry struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	CredentialID string    `json:"credential_id"`
	Attempt      int       `json:"attempt"`
	Outcome      string    `json:"outcome"`
	LatencyMS    int64     `json:"latency_ms"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates attempt counts per outcome.
type Summary struct {
	Attempts   int64            `json:"attempts"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	AvgLatency int64            `json:"avg_latency_ms"`
}

// Store defines persistence behaviour for the attempt ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	ListByRequest(ctx context.Context, requestID string) ([]Entry, error)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}
