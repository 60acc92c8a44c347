// Package backend defines the contract for the upstream text-generation
// service and a streaming HTTP client for OpenAI-compatible endpoints.
package backend

import (
	"context"
	"fmt"
	"time"
)

// Fragment is one unit of incremental generation output. Exactly one of the
// terminal markers (Done or Err) ends every stream.
type Fragment struct {
	Delta string
	Done  bool
	Err   error
}

// Generator invokes the upstream generation service with one credential.
// The returned channel delivers fragments in order and is closed after the
// terminal fragment. The call honors ctx for its internal timeout.
type Generator interface {
	Generate(ctx context.Context, prompt, secret string) (<-chan Fragment, error)
}

// RateLimitError reports an upstream 429. RetryAfter is zero when the
// upstream gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("backend: rate limited (retry after %s)", e.RetryAfter)
	}
	return "backend: rate limited"
}

// AuthError reports a revoked or invalid credential (401/403).
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend: authentication rejected (status %d)", e.Status)
}

// TransientError reports a retriable failure: 5xx, network error, timeout.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("backend: transient failure: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// ProtocolError reports a malformed upstream response. It is retried like a
// transient failure but logged distinctly for diagnosis.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("backend: protocol error: %s", e.Detail) }
