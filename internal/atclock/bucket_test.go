package atclock

import (
	"context"
	"testing"
	"time"
)

func TestBucket_ConsumeWithinCapacity(t *testing.T) {
	b := NewBucket(10) // capacity 20
	if err := b.Consume(context.Background(), 5); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	b.mu.Lock()
	tokens := b.tokens
	b.mu.Unlock()
	if tokens != 15 {
		t.Fatalf("tokens = %v, want 15", tokens)
	}
}

func TestBucket_RefillOverTime(t *testing.T) {
	now := time.Unix(1000, 0)
	orig := NowFn
	NowFn = func() time.Time { return now }
	defer func() { NowFn = orig }()

	b := NewBucket(10) // capacity 20, starts full
	if err := b.Consume(context.Background(), 20); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	now = now.Add(500 * time.Millisecond) // 5 tokens back at rate 10/s
	b.mu.Lock()
	b.refillLocked()
	tokens := b.tokens
	b.mu.Unlock()
	if tokens != 5 {
		t.Fatalf("tokens after refill = %v, want 5", tokens)
	}
}

func TestBucket_UnlimitedRateReturnsImmediately(t *testing.T) {
	b := NewBucket(0)
	if err := b.Consume(context.Background(), 1_000_000); err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestBucket_ContextCancelUnblocksWait(t *testing.T) {
	b := NewBucket(1) // capacity 2
	if err := b.Consume(context.Background(), 2); err != nil {
		t.Fatalf("drain: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, 1) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Consume err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not unblock on cancellation")
	}
}
