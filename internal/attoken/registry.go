// Package attoken implements the single-waiter token registry (C3): a named
// slot mapping an AT token (OK, ERROR, FAIL, SEND OK, ALREADY CONNECTED, >)
// to at most one waiter. Grounded on the _pending/_maybe_set pattern in
// original_source/src/uart_tcp_client.py and uart_tcp_server.py, and on the
// teacher's internal/hub registration style (map guarded by one mutex,
// idempotent Close/remove).
package attoken

import (
	"sync"

	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
)

// Registry tracks the current token waiter. Because the AT engine
// serialises command issuance (see internal/atengine), at most one waiter
// group is alive at a time, but Registry itself makes no such assumption:
// every token name maps independently to whichever channel last registered
// it.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]chan string
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string]chan string)}
}

// Register associates a single waiter with each of the given token names.
// The returned channel receives the name of whichever token resolves first
// (buffered, so Resolve never blocks on a waiter that gave up). unregister
// must be called on every exit path, including timeout, so stale entries do
// not misroute a later frame.
func (r *Registry) Register(tokens ...string) (ch <-chan string, unregister func()) {
	w := make(chan string, 1)
	r.mu.Lock()
	for _, t := range tokens {
		r.waiters[t] = w
	}
	r.mu.Unlock()
	return w, func() {
		r.mu.Lock()
		for _, t := range tokens {
			if r.waiters[t] == w {
				delete(r.waiters, t)
			}
		}
		r.mu.Unlock()
	}
}

// Resolve wakes whichever waiter is registered for token. It is
// idempotent-if-absent: resolving a token with no registered waiter is a
// no-op that reports false. Returns true if a waiter was woken.
func (r *Registry) Resolve(token string) bool {
	r.mu.Lock()
	w, ok := r.waiters[token]
	if ok {
		delete(r.waiters, token)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w <- token:
	default:
	}
	bridgemetrics.IncToken(token)
	return true
}
