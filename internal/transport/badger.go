package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/vmihailenco/msgpack/v5"
)

// BadgerBroker persists request streams in BadgerDB so chunks survive a relay
// reconnect (and, on disk, a process restart). Chunks are msgpack-encoded
// under "c/<request>/<seq>" with a TTL equal to the retention window; badger's
// prefix subscription provides wakeups without polling.
type BadgerBroker struct {
	db        *badger.DB
	retention time.Duration

	mu     sync.Mutex
	closed bool
}

// BadgerOptions configures a BadgerBroker.
type BadgerOptions struct {
	Dir       string        // data directory; ignored when InMemory
	InMemory  bool          // memory-only engine, useful for tests
	Retention time.Duration // chunk TTL (default 2m)
}

// NewBadgerBroker opens (or creates) the badger store.
func NewBadgerBroker(opts BadgerOptions) (*BadgerBroker, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("transport: badger dir required for on-disk mode")
	}
	if opts.Retention <= 0 {
		opts.Retention = 2 * time.Minute
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: open badger: %w", err)
	}
	return &BadgerBroker{db: db, retention: opts.Retention}, nil
}

func metaKey(requestID string) []byte { return []byte("m/" + requestID) }

func chunkKey(requestID string, seq int) []byte {
	return []byte(fmt.Sprintf("c/%s/%012d", requestID, seq))
}

func chunkPrefix(requestID string) []byte { return []byte("c/" + requestID + "/") }

// Declare writes the stream's meta key with the retention TTL.
func (b *BadgerBroker) Declare(ctx context.Context, requestID string) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(metaKey(requestID), []byte{1}).WithTTL(b.retention)
		return txn.SetEntry(e)
	})
}

// Publish appends one msgpack-encoded chunk.
func (b *BadgerBroker) Publish(ctx context.Context, requestID string, c Chunk) error {
	if b.isClosed() {
		return ErrClosed
	}
	declared, err := b.declaredOK(requestID)
	if err != nil {
		return err
	}
	if !declared {
		return ErrNotFound
	}
	val, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("transport: encode chunk: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(chunkKey(requestID, c.Seq), val).WithTTL(b.retention)
		return txn.SetEntry(e)
	})
}

// Subscribe replays persisted chunks from seq 0 and then follows new writes
// via a badger prefix subscription until the terminal chunk or detach.
func (b *BadgerBroker) Subscribe(ctx context.Context, requestID string) (<-chan Chunk, func(), error) {
	if b.isClosed() {
		return nil, nil, ErrClosed
	}
	declared, err := b.declaredOK(requestID)
	if err != nil {
		return nil, nil, err
	}
	if !declared {
		return nil, nil, ErrNotFound
	}

	out := make(chan Chunk, 16)
	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	detach := func() { once.Do(cancel) }

	// Wakeup channel fed by the badger subscription; capacity one because a
	// single pending signal is enough to trigger a rescan.
	wake := make(chan struct{}, 1)
	go func() {
		err := b.db.Subscribe(subCtx, func(kv *badger.KVList) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}, []pb.Match{{Prefix: chunkPrefix(requestID)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[transport] badger subscription ended request=%s err=%v", requestID, err)
		}
	}()

	go func() {
		defer close(out)
		defer cancel()

		// The subscription registers asynchronously, so a publish landing
		// between a scan and that registration fires no wakeup. The poll
		// ticker bounds how long such a missed signal can stall the pump.
		poll := time.NewTicker(200 * time.Millisecond)
		defer poll.Stop()

		next := 0
		for {
			chunks, err := b.readFrom(requestID, next)
			if err != nil {
				log.Printf("[transport] badger read failed request=%s err=%v", requestID, err)
				return
			}
			for _, c := range chunks {
				select {
				case out <- c:
					next = c.Seq + 1
				case <-subCtx.Done():
					return
				}
				if c.Terminal() {
					return
				}
			}
			select {
			case <-wake:
			case <-poll.C:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, detach, nil
}

// Close closes the underlying badger store.
func (b *BadgerBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}

func (b *BadgerBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *BadgerBroker) declaredOK(requestID string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(requestID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transport: badger meta lookup: %w", err)
	}
	return true, nil
}

// readFrom collects persisted chunks with seq >= from, in order.
func (b *BadgerBroker) readFrom(requestID string, from int) ([]Chunk, error) {
	prefix := chunkPrefix(requestID)
	var chunks []Chunk
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		start := chunkKey(requestID, from)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c Chunk
				if err := msgpack.Unmarshal(val, &c); err != nil {
					return fmt.Errorf("transport: decode chunk: %w", err)
				}
				chunks = append(chunks, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return chunks, err
}

// badgerLogger routes badger's warnings through the standard logger and
// suppresses its chatty info/debug output.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
