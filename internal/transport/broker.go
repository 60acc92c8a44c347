// Package transport carries ordered generation chunks from the dispatcher to
// the relay. Implementations can be in-memory (single instance) or durable
// (Badger-backed) behind the same Broker interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// Kind discriminates chunk payloads. Exactly one terminal chunk (done or
// error) ends every request stream.
type Kind string

const (
	KindData  Kind = "data"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Chunk is one unit of output for a request. Seq is assigned by the producer
// and strictly increases within a request.
type Chunk struct {
	RequestID  string        `json:"request_id" msgpack:"r"`
	Seq        int           `json:"seq" msgpack:"s"`
	Kind       Kind          `json:"kind" msgpack:"k"`
	Payload    string        `json:"payload,omitempty" msgpack:"p,omitempty"`
	Reason     string        `json:"reason,omitempty" msgpack:"e,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty" msgpack:"a,omitempty"`
}

// Terminal reports whether the chunk ends its stream.
func (c Chunk) Terminal() bool { return c.Kind == KindDone || c.Kind == KindError }

// ErrNotFound is returned by Subscribe for an undeclared or expired request.
var ErrNotFound = errors.New("transport: unknown request")

// ErrClosed is returned after the broker has shut down.
var ErrClosed = errors.New("transport: broker closed")

// Broker is the publish/subscribe substrate between dispatcher and relay,
// keyed by request id. Delivery is ordered and at-least-once per subscriber:
// a late subscriber replays from the first retained chunk. Streams that never
// reach a consumer are dropped after the retention window to bound memory.
type Broker interface {
	// Declare registers a request stream before any chunk is published.
	Declare(ctx context.Context, requestID string) error

	// Publish appends one chunk to the request's stream.
	Publish(ctx context.Context, requestID string, c Chunk) error

	// Subscribe returns an ordered chunk channel plus a detach function.
	// The channel is closed after the terminal chunk. Detaching is
	// idempotent and never affects the producer.
	Subscribe(ctx context.Context, requestID string) (<-chan Chunk, func(), error)

	// Close releases resources.
	Close() error
}
