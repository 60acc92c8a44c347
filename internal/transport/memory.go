package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker keeps request streams in process memory. Each stream retains
// its full chunk list until the retention window after the last activity
// elapses, so a reconnecting relay can replay from the beginning.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool

	retention time.Duration
	now       func() time.Time
	stopJan   chan struct{}
	janDone   chan struct{}
}

type memStream struct {
	mu           sync.Mutex
	chunks       []Chunk
	terminal     bool
	lastActivity time.Time
	// signal is closed and replaced on every publish so pumps wake up
	// without polling.
	signal chan struct{}
}

// MemoryOptions configures a MemoryBroker.
type MemoryOptions struct {
	Retention time.Duration // stream lifetime after last activity (default 2m)
	Now       func() time.Time
}

// NewMemoryBroker creates an in-memory broker and starts its janitor.
func NewMemoryBroker(opts MemoryOptions) *MemoryBroker {
	if opts.Retention <= 0 {
		opts.Retention = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &MemoryBroker{
		streams:   make(map[string]*memStream),
		retention: opts.Retention,
		now:       opts.Now,
		stopJan:   make(chan struct{}),
		janDone:   make(chan struct{}),
	}
	go b.janitorLoop()
	return b
}

// Declare registers a stream for the request id.
func (b *MemoryBroker) Declare(ctx context.Context, requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.streams[requestID]; !ok {
		b.streams[requestID] = &memStream{
			lastActivity: b.now(),
			signal:       make(chan struct{}),
		}
	}
	return nil
}

// Publish appends a chunk and wakes any attached pumps.
func (b *MemoryBroker) Publish(ctx context.Context, requestID string, c Chunk) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	st, ok := b.streams[requestID]
	b.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	st.mu.Lock()
	if st.terminal {
		// Exactly one terminal chunk per stream; later publishes are
		// dropped so cleanup races stay idempotent.
		st.mu.Unlock()
		return nil
	}
	st.chunks = append(st.chunks, c)
	if c.Terminal() {
		st.terminal = true
	}
	st.lastActivity = b.now()
	close(st.signal)
	st.signal = make(chan struct{})
	st.mu.Unlock()
	return nil
}

// Subscribe replays retained chunks and then follows the stream until the
// terminal chunk, consumer detach, or context cancellation.
func (b *MemoryBroker) Subscribe(ctx context.Context, requestID string) (<-chan Chunk, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	st, ok := b.streams[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	out := make(chan Chunk, 16)
	stop := make(chan struct{})
	var once sync.Once
	detach := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		cursor := 0
		for {
			st.mu.Lock()
			pending := st.chunks[cursor:]
			terminal := st.terminal
			signal := st.signal
			st.lastActivity = b.now()
			st.mu.Unlock()

			for _, c := range pending {
				select {
				case out <- c:
					cursor++
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				if c.Terminal() {
					return
				}
			}
			if terminal {
				return
			}
			select {
			case <-signal:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, detach, nil
}

// Close shuts down the janitor and drops all streams.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.streams = make(map[string]*memStream)
	b.mu.Unlock()
	close(b.stopJan)
	<-b.janDone
	return nil
}

// janitorLoop expires streams whose retention window has elapsed, including
// streams no relay ever attached to.
func (b *MemoryBroker) janitorLoop() {
	defer close(b.janDone)
	interval := b.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopJan:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *MemoryBroker) sweep() {
	cutoff := b.now().Add(-b.retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.streams {
		st.mu.Lock()
		stale := st.lastActivity.Before(cutoff)
		st.mu.Unlock()
		if stale {
			delete(b.streams, id)
		}
	}
}
