package atack

import (
	"testing"
	"time"
)

func TestTracker_AckClearsPending(t *testing.T) {
	tr := New(100*time.Millisecond, 2)
	tr.Insert(1, 0, []byte("x"))
	if tr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tr.Len())
	}
	if !tr.Ack(1) {
		t.Fatal("Ack(1) = false, want true")
	}
	if tr.Len() != 0 {
		t.Fatalf("Len() = %d after Ack, want 0", tr.Len())
	}
}

func TestTracker_AckAbsentReturnsFalse(t *testing.T) {
	tr := New(time.Second, 2)
	if tr.Ack(99) {
		t.Fatal("Ack on absent id returned true")
	}
}

// S5 — retry on ack timeout, then abandonment after MAX_RETRIES exhausted.
func TestTracker_SweepRetriesThenAbandons(t *testing.T) {
	base := time.Now()
	tr := New(10*time.Millisecond, 2)
	tr.nowFn = func() time.Time { return base }
	tr.Insert(7, 0, []byte("payload"))

	// First sweep, before the timeout elapses: nothing happens.
	retry, abandoned := tr.Sweep(base.Add(5 * time.Millisecond))
	if len(retry) != 0 || len(abandoned) != 0 {
		t.Fatalf("premature sweep fired: retry=%v abandoned=%v", retry, abandoned)
	}

	// Past the deadline: Id=7 removed, retries_used=1, re-enqueued.
	retry, abandoned = tr.Sweep(base.Add(20 * time.Millisecond))
	if len(retry) != 1 || retry[0].Id != 7 || len(abandoned) != 0 {
		t.Fatalf("sweep 1 = retry=%v abandoned=%v", retry, abandoned)
	}
	if tr.RetriesUsed(7) != 1 {
		t.Fatalf("RetriesUsed = %d, want 1", tr.RetriesUsed(7))
	}
	if tr.Len() != 0 {
		t.Fatal("Id should leave pending once swept")
	}

	// Caller re-sent and it timed out again: second retry.
	tr.Insert(7, 0, []byte("payload"))
	retry, abandoned = tr.Sweep(base.Add(35 * time.Millisecond))
	if len(retry) != 1 || len(abandoned) != 0 {
		t.Fatalf("sweep 2 = retry=%v abandoned=%v", retry, abandoned)
	}
	if tr.RetriesUsed(7) != 2 {
		t.Fatalf("RetriesUsed = %d, want 2", tr.RetriesUsed(7))
	}

	// Third attempt times out too; MAX_RETRIES=2 is exhausted, abandon.
	tr.Insert(7, 0, []byte("payload"))
	retry, abandoned = tr.Sweep(base.Add(50 * time.Millisecond))
	if len(retry) != 0 || len(abandoned) != 1 || abandoned[0] != 7 {
		t.Fatalf("sweep 3 = retry=%v abandoned=%v", retry, abandoned)
	}
	if tr.RetriesUsed(7) != 0 {
		t.Fatal("retries_used should be cleared once abandoned")
	}
}

func TestTracker_LenCountsEveryInsert(t *testing.T) {
	tr := New(time.Second, 1)
	for i := 0; i < 5; i++ {
		tr.Insert(i, 0, nil)
	}
	if tr.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", tr.Len())
	}
}
