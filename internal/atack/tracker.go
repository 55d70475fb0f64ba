// Package atack implements the ack/retry tracker (C7): per in-flight
// message Id, tracks send time and retry count, periodically sweeping for
// timeouts and re-enqueueing up to a bounded number of retries. Grounded on
// the pending/retries_used bookkeeping of
// original_source/src/uart_tcp_client.py's message_timeout_monitor, adapted
// to the teacher's map-guarded-by-one-mutex idiom (internal/hub.Hub).
package atack

import (
	"sync"
	"time"
)

// Record is the bookkeeping kept for one in-flight message Id.
type Record struct {
	LinkID  int
	Payload []byte
	SendTS  time.Time
}

// Item is a message queued for (re-)transmission, returned by Sweep.
type Item struct {
	Id      int
	LinkID  int
	Payload []byte
}

// Tracker owns the pending set: Id is present iff a SEND OK has been
// observed and no reply has arrived yet. retries_used is tracked
// separately from pending membership so it survives the Sweep-driven
// remove/re-enqueue cycle; it is only cleared on a matched Ack or on final
// abandonment. AckTimeout is MSG_ACK_TIMEOUT_MS; MaxRetries bounds
// re-enqueue attempts per Id.
type Tracker struct {
	mu         sync.Mutex
	pending    map[int]*Record
	retries    map[int]int
	ackTimeout time.Duration
	maxRetries int
	nowFn      func() time.Time
}

// New constructs a Tracker.
func New(ackTimeout time.Duration, maxRetries int) *Tracker {
	return &Tracker{
		pending:    make(map[int]*Record),
		retries:    make(map[int]int),
		ackTimeout: ackTimeout,
		maxRetries: maxRetries,
		nowFn:      time.Now,
	}
}

// Len reports the current window occupancy, |pending|.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Insert records a successful send: Id enters pending with send_ts = now.
// linkID is remembered so a later retry re-sends on the same modem link.
// Called by the send pipeline (C6) only after SEND OK has been observed.
func (t *Tracker) Insert(id, linkID int, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = &Record{LinkID: linkID, Payload: payload, SendTS: t.nowFn()}
}

// Ack removes id from pending and clears its retry count on a matched
// inbound reply. Reports whether id was present.
func (t *Tracker) Ack(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	delete(t.pending, id)
	delete(t.retries, id)
	return ok
}

// RetriesUsed reports the current retry count for id (0 if never retried).
func (t *Tracker) RetriesUsed(id int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries[id]
}

// Sweep scans pending for entries older than ackTimeout. Each timed-out Id
// is removed from pending and its retry count incremented; if the new count
// is within maxRetries it is returned in retry for re-enqueue at the tail
// of the outbound queue, otherwise it is reported in abandoned and its
// retry state is fully discarded.
func (t *Tracker) Sweep(now time.Time) (retry []Item, abandoned []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.pending {
		if now.Sub(rec.SendTS) <= t.ackTimeout {
			continue
		}
		delete(t.pending, id)
		t.retries[id]++
		if t.retries[id] <= t.maxRetries {
			retry = append(retry, Item{Id: id, LinkID: rec.LinkID, Payload: rec.Payload})
		} else {
			abandoned = append(abandoned, id)
			delete(t.retries, id)
		}
	}
	return retry, abandoned
}
