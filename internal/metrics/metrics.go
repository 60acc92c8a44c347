package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus scraping.
// This implementation uses manual metric tracking without external
// dependencies; the text exposition lives in prometheus.go.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalSubmitted    int64
	totalRejectedBusy int64
	streamsInProgress int64

	// Dispatch metrics
	attemptsByOutcome    map[string]int64
	attemptsByCredential map[string]int64
	attemptLatency       map[string]int64 // total latency ms by credential
	acquireExhausted     int64

	// Delivery metrics
	chunksDelivered  int64
	deadlineExpiries int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		attemptsByOutcome:    make(map[string]int64),
		attemptsByCredential: make(map[string]int64),
		attemptLatency:       make(map[string]int64),
		startTime:            time.Now(),
	}
}

// RecordSubmit records an accepted generation request.
func (c *Collector) RecordSubmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSubmitted++
}

// RecordBusyRejection records a submission rejected by worker-pool backpressure.
func (c *Collector) RecordBusyRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRejectedBusy++
}

// RecordAttempt records one dispatch attempt against a credential.
func (c *Collector) RecordAttempt(credentialID, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attemptsByOutcome[outcome]++
	c.attemptsByCredential[credentialID]++
	c.attemptLatency[credentialID] += duration.Milliseconds()
}

// RecordAcquireExhausted records an acquire that found no usable credential.
func (c *Collector) RecordAcquireExhausted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquireExhausted++
}

// RecordChunks adds delivered chunk count.
func (c *Collector) RecordChunks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunksDelivered += int64(n)
}

// RecordDeadlineExpiry records a relay deadline expiration.
func (c *Collector) RecordDeadlineExpiry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlineExpiries++
}

// RecordStreamStart increments in-progress streams.
func (c *Collector) RecordStreamStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsInProgress++
}

// RecordStreamEnd decrements in-progress streams.
func (c *Collector) RecordStreamEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsInProgress--
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime               int64
	TotalSubmitted       int64
	TotalRejectedBusy    int64
	StreamsInProgress    int64
	AttemptsByOutcome    map[string]int64
	AttemptsByCredential map[string]int64
	AttemptLatency       map[string]int64
	AcquireExhausted     int64
	ChunksDelivered      int64
	DeadlineExpiries     int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:               int64(time.Since(c.startTime).Seconds()),
		TotalSubmitted:       c.totalSubmitted,
		TotalRejectedBusy:    c.totalRejectedBusy,
		StreamsInProgress:    c.streamsInProgress,
		AttemptsByOutcome:    copyMap(c.attemptsByOutcome),
		AttemptsByCredential: copyMap(c.attemptsByCredential),
		AttemptLatency:       copyMap(c.attemptLatency),
		AcquireExhausted:     c.acquireExhausted,
		ChunksDelivered:      c.chunksDelivered,
		DeadlineExpiries:     c.deadlineExpiries,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
