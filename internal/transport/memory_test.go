package transport

import (
	"context"
	"testing"
	"time"
)

func publishAll(t *testing.T, b Broker, id string, chunks []Chunk) {
	t.Helper()
	for _, c := range chunks {
		if err := b.Publish(context.Background(), id, c); err != nil {
			t.Fatalf("publish seq %d failed: %v", c.Seq, err)
		}
	}
}

func drain(t *testing.T, ch <-chan Chunk, want int) []Chunk {
	t.Helper()
	var got []Chunk
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d chunks, want %d", len(got), want)
			}
			got = append(got, c)
		case <-timeout:
			t.Fatalf("timed out after %d chunks, want %d", len(got), want)
		}
	}
	return got
}

func testChunks(id string) []Chunk {
	return []Chunk{
		{RequestID: id, Seq: 0, Kind: KindData, Payload: "Once"},
		{RequestID: id, Seq: 1, Kind: KindData, Payload: " upon"},
		{RequestID: id, Seq: 2, Kind: KindDone},
	}
}

func TestMemoryBroker_OrderedDelivery(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	defer b.Close()

	const id = "req-1"
	if err := b.Declare(context.Background(), id); err != nil {
		t.Fatalf("declare failed: %v", err)
	}

	ch, detach, err := b.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer detach()

	publishAll(t, b, id, testChunks(id))

	got := drain(t, ch, 3)
	for i, c := range got {
		if c.Seq != i {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
	}
	if got[2].Kind != KindDone {
		t.Errorf("last chunk should be terminal, got %s", got[2].Kind)
	}
	if _, open := <-ch; open {
		t.Error("channel should close after terminal chunk")
	}
}

func TestMemoryBroker_LateSubscriberReplays(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	defer b.Close()

	const id = "req-replay"
	_ = b.Declare(context.Background(), id)
	publishAll(t, b, id, testChunks(id))

	// Attach after everything was published.
	ch, detach, err := b.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer detach()

	got := drain(t, ch, 3)
	if got[0].Payload != "Once" || got[1].Payload != " upon" {
		t.Errorf("replay out of order: %+v", got)
	}
}

func TestMemoryBroker_SubscribeUnknown(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	defer b.Close()

	if _, _, err := b.Subscribe(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := b.Publish(context.Background(), "missing", Chunk{}); err != ErrNotFound {
		t.Errorf("publish to undeclared stream should fail, got %v", err)
	}
}

func TestMemoryBroker_DetachIdempotent(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	defer b.Close()

	const id = "req-detach"
	_ = b.Declare(context.Background(), id)
	_, detach, err := b.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	detach()
	detach() // second call must be a no-op

	// Producer is unaffected by consumer detach.
	if err := b.Publish(context.Background(), id, Chunk{RequestID: id, Seq: 0, Kind: KindDone}); err != nil {
		t.Errorf("publish after detach failed: %v", err)
	}
}

func TestMemoryBroker_PublishAfterTerminalDropped(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	defer b.Close()

	const id = "req-term"
	_ = b.Declare(context.Background(), id)
	publishAll(t, b, id, testChunks(id))

	// Extra publish after the terminal chunk is ignored, not an error.
	if err := b.Publish(context.Background(), id, Chunk{RequestID: id, Seq: 3, Kind: KindData}); err != nil {
		t.Errorf("post-terminal publish should be dropped silently: %v", err)
	}

	ch, detach, _ := b.Subscribe(context.Background(), id)
	defer detach()
	got := drain(t, ch, 3)
	if len(got) != 3 {
		t.Errorf("expected 3 chunks, got %d", len(got))
	}
}

func TestMemoryBroker_RetentionExpiresUnconsumed(t *testing.T) {
	clock := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	b := NewMemoryBroker(MemoryOptions{Retention: time.Minute, Now: now})
	defer b.Close()

	const id = "req-expire"
	_ = b.Declare(context.Background(), id)
	_ = b.Publish(context.Background(), id, Chunk{RequestID: id, Seq: 0, Kind: KindData, Payload: "x"})

	clock = clock.Add(2 * time.Minute)
	b.sweep()

	if _, _, err := b.Subscribe(context.Background(), id); err != ErrNotFound {
		t.Errorf("expired stream should be gone, got %v", err)
	}
}

func TestMemoryBroker_ClosedBroker(t *testing.T) {
	b := NewMemoryBroker(MemoryOptions{})
	b.Close()
	if err := b.Declare(context.Background(), "x"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
