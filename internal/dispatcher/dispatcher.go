// Package dispatcher runs generation calls off the request path. Submit
// assigns a request id and returns immediately; a bounded worker pool leases
// a credential, streams the upstream response, and publishes ordered chunks
// to the broker for the relay to deliver.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/gengate/internal/backend"
	"github.com/storyloom/gengate/internal/governor"
	"github.com/storyloom/gengate/internal/ledger"
	"github.com/storyloom/gengate/internal/metrics"
	"github.com/storyloom/gengate/internal/transport"
)

// ErrBusy is returned by Submit when every worker slot is occupied.
var ErrBusy = errors.New("dispatcher: worker pool saturated")

// ErrShutdown is returned by Submit after Close.
var ErrShutdown = errors.New("dispatcher: shut down")

// Dispatcher owns the generation pipeline between HTTP ingress and the broker.
type Dispatcher struct {
	gov       *governor.Governor
	generator backend.Generator
	broker    transport.Broker
	ledger    ledger.Store
	metrics   *metrics.Collector
	logger    *log.Logger

	maxAttempts int
	slots       chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Options configures a Dispatcher. Governor, Generator and Broker are
// required; Ledger and Metrics are optional.
type Options struct {
	Governor  *governor.Governor
	Generator backend.Generator
	Broker    transport.Broker
	Ledger    ledger.Store
	Metrics   *metrics.Collector
	Logger    *log.Logger

	// WorkerPoolSize bounds concurrent in-flight generations (default 16).
	WorkerPoolSize int
	// MaxAttempts bounds credential retries per request (default 3).
	MaxAttempts int
}

// New builds a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Governor == nil {
		return nil, errors.New("dispatcher: governor is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("dispatcher: generator is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("dispatcher: broker is required")
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Dispatcher{
		gov:         opts.Governor,
		generator:   opts.Generator,
		broker:      opts.Broker,
		ledger:      opts.Ledger,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		slots:       make(chan struct{}, opts.WorkerPoolSize),
	}, nil
}

// Submit registers a new generation request and schedules it on the worker
// pool. It returns the request id as soon as the stream is declared; callers
// attach to the stream separately. A saturated pool fails fast with ErrBusy
// rather than queueing.
func (d *Dispatcher) Submit(ctx context.Context, prompt string) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrShutdown
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordBusyRejection()
		}
		return "", ErrBusy
	}
	d.wg.Add(1)
	d.mu.Unlock()

	requestID := uuid.NewString()
	if err := d.broker.Declare(ctx, requestID); err != nil {
		<-d.slots
		d.wg.Done()
		return "", err
	}

	if d.metrics != nil {
		d.metrics.RecordSubmit()
	}
	d.logger.Printf("[dispatcher] accepted request=%s prompt_len=%d", requestID, len(prompt))

	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		d.run(requestID, prompt)
	}()
	return requestID, nil
}

// Close stops accepting submissions and waits for in-flight work to publish
// its terminal chunks.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// run drives one request to a terminal chunk. The upstream call is detached
// from the submitting HTTP request on purpose: the caller may disconnect and
// re-attach without losing the generation.
func (d *Dispatcher) run(requestID, prompt string) {
	ctx := context.Background()
	seq := 0

	publish := func(c transport.Chunk) {
		c.RequestID = requestID
		c.Seq = seq
		seq++
		if err := d.broker.Publish(ctx, requestID, c); err != nil {
			d.logger.Printf("[dispatcher] publish failed request=%s seq=%d: %v", requestID, c.Seq, err)
		}
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lease, err := d.gov.Acquire()
		if err != nil {
			var noCred *governor.NoCredentialError
			if errors.As(err, &noCred) {
				if d.metrics != nil {
					d.metrics.RecordAcquireExhausted()
				}
				d.logger.Printf("[dispatcher] pool exhausted request=%s retry_after=%s", requestID, noCred.RetryAfter)
				publish(transport.Chunk{
					Kind:       transport.KindError,
					Reason:     "no_credential_available",
					RetryAfter: noCred.RetryAfter,
				})
				return
			}
			publish(transport.Chunk{Kind: transport.KindError, Reason: "internal_error"})
			return
		}

		started := time.Now()
		published, outcome, detail := d.attempt(ctx, lease, prompt, publish)
		d.gov.Release(lease, outcome)
		d.record(requestID, lease.CredentialID(), attempt, outcome, detail, time.Since(started))

		if outcome == governor.OutcomeSuccess {
			return
		}
		// Once data reached the stream a retry would duplicate output, so
		// the failure is final for this request. Streamed partial output is
		// preserved, never retracted.
		if published > 0 {
			publish(transport.Chunk{Kind: transport.KindError, Reason: "upstream_error"})
			return
		}
		d.logger.Printf("[dispatcher] attempt failed request=%s credential=%s attempt=%d outcome=%s",
			requestID, lease.CredentialID(), attempt, outcome)
	}

	publish(transport.Chunk{Kind: transport.KindError, Reason: "attempts_exhausted"})
}

// attempt performs one upstream call under the given lease. It returns the
// number of data chunks published, the governor outcome, and a detail string
// for failures.
func (d *Dispatcher) attempt(ctx context.Context, lease *governor.Lease, prompt string, publish func(transport.Chunk)) (int, governor.Outcome, string) {
	start := time.Now()
	outcome, detail, published := governor.OutcomeSuccess, "", 0
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordAttempt(lease.CredentialID(), outcome.String(), time.Since(start))
		}
	}()

	fragments, err := d.generator.Generate(ctx, prompt, lease.Secret())
	if err != nil {
		outcome, detail = classify(err)
		return 0, outcome, detail
	}

	for f := range fragments {
		switch {
		case f.Err != nil:
			outcome, detail = classify(f.Err)
			return published, outcome, detail
		case f.Done:
			publish(transport.Chunk{Kind: transport.KindDone})
			return published, governor.OutcomeSuccess, ""
		default:
			publish(transport.Chunk{Kind: transport.KindData, Payload: f.Delta})
			published++
		}
	}
	// Channel closed without a terminal fragment.
	outcome, detail = governor.OutcomeTransientError, "upstream stream ended without completion"
	return published, outcome, detail
}

// record writes one attempt to the ledger, if one is configured.
func (d *Dispatcher) record(requestID, credentialID string, attempt int, outcome governor.Outcome, detail string, latency time.Duration) {
	if d.ledger == nil {
		return
	}
	err := d.ledger.Record(context.Background(), ledger.Entry{
		RequestID:    requestID,
		CredentialID: credentialID,
		Attempt:      attempt,
		Outcome:      outcome.String(),
		LatencyMS:    latency.Milliseconds(),
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		d.logger.Printf("[dispatcher] ledger write failed request=%s: %v", requestID, err)
	}
}

// classify maps a backend error to the governor outcome that should apply to
// the leased credential.
func classify(err error) (governor.Outcome, string) {
	var rle *backend.RateLimitError
	var ae *backend.AuthError
	switch {
	case errors.As(err, &rle):
		return governor.OutcomeRateLimited, err.Error()
	case errors.As(err, &ae):
		return governor.OutcomeFatalError, err.Error()
	default:
		// Transient, protocol and network failures all count against the
		// credential the same way: pause briefly, then try again.
		return governor.OutcomeTransientError, err.Error()
	}
}
