// Package relay hands broker streams to callers with a per-request delivery
// deadline. It is the seam between the durable stream retained by the broker
// and a caller that may disconnect, reconnect, or simply stop reading.
package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/storyloom/gengate/internal/metrics"
	"github.com/storyloom/gengate/internal/transport"
)

// Relay attaches callers to request streams.
type Relay struct {
	broker  transport.Broker
	timeout time.Duration
	metrics *metrics.Collector
	logger  *log.Logger
}

// Options configures a Relay.
type Options struct {
	// StreamTimeout bounds how long a single attachment may stay open before
	// the relay injects a terminal error chunk (default 5m).
	StreamTimeout time.Duration
	Metrics       *metrics.Collector
	Logger        *log.Logger
}

// New builds a Relay on top of a broker.
func New(broker transport.Broker, opts Options) *Relay {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Relay{
		broker:  broker,
		timeout: opts.StreamTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Attach subscribes the caller to the stream for requestID. The returned
// channel replays every retained chunk in order, then follows live publishes
// until a terminal chunk arrives, the context is canceled, or the delivery
// deadline expires. Deadline expiry is reported in-band as a terminal error
// chunk so the caller sees a well-formed end of stream.
//
// The returned cancel function is idempotent and must be called when the
// caller is done, whether or not the stream completed.
func (r *Relay) Attach(ctx context.Context, requestID string) (<-chan transport.Chunk, func(), error) {
	source, detach, err := r.broker.Subscribe(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan transport.Chunk, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			detach()
			close(done)
		})
	}

	if r.metrics != nil {
		r.metrics.RecordStreamStart()
	}

	go func() {
		defer close(out)
		defer detach()
		defer func() {
			if r.metrics != nil {
				r.metrics.RecordStreamEnd()
			}
		}()

		deadline := time.NewTimer(r.timeout)
		defer deadline.Stop()

		var delivered int
		defer func() {
			if r.metrics != nil && delivered > 0 {
				r.metrics.RecordChunks(delivered)
			}
		}()

		for {
			select {
			case chunk, ok := <-source:
				if !ok {
					return
				}
				select {
				case out <- chunk:
					delivered++
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				if chunk.Terminal() {
					return
				}

			case <-deadline.C:
				r.logger.Printf("[relay] delivery deadline exceeded request=%s after=%s", requestID, r.timeout)
				if r.metrics != nil {
					r.metrics.RecordDeadlineExpiry()
				}
				expired := transport.Chunk{
					RequestID: requestID,
					Kind:      transport.KindError,
					Reason:    "delivery_deadline_exceeded",
				}
				// Block rather than drop: the stream must end with exactly
				// one terminal chunk even when the consumer has fallen
				// behind and the buffer is full.
				select {
				case out <- expired:
					delivered++
				case <-ctx.Done():
				case <-done:
				}
				return

			case <-ctx.Done():
				return

			case <-done:
				return
			}
		}
	}()

	return out, cancel, nil
}
