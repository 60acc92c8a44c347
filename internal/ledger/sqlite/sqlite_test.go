package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/storyloom/gengate/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := func(outcome string, latency int64) {
		if err := store.Record(ctx, ledger.Entry{
			RequestID:    "req-1",
			CredentialID: "cred-a",
			Attempt:      1,
			Outcome:      outcome,
			LatencyMS:    latency,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record("success", 100)
	record("success", 200)
	record("rate_limited", 10)

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", summary.Attempts)
	}
	if summary.ByOutcome["success"] != 2 {
		t.Fatalf("expected 2 successes, got %d", summary.ByOutcome["success"])
	}
	if summary.AvgLatency <= 0 {
		t.Fatalf("expected positive avg latency, got %d", summary.AvgLatency)
	}
}

func TestListByRequestOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for attempt := 3; attempt >= 1; attempt-- {
		if err := store.Record(ctx, ledger.Entry{
			RequestID:    "req-2",
			CredentialID: "cred-b",
			Attempt:      attempt,
			Outcome:      "transient_error",
			LatencyMS:    int64(attempt * 10),
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := store.ListByRequest(ctx, "req-2")
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Attempt != i+1 {
			t.Fatalf("entry %d has attempt %d, want %d", i, e.Attempt, i+1)
		}
	}
}

func TestRecordValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, ledger.Entry{CredentialID: "c"}); err == nil {
		t.Error("missing request id should fail")
	}
	if err := store.Record(ctx, ledger.Entry{RequestID: "r"}); err == nil {
		t.Error("missing credential id should fail")
	}
}
