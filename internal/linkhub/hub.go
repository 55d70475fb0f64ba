// Package linkhub fans decoded inbound messages out to per-link
// subscribers. The modem's CIPMUX=1 multi-link mode multiplexes several
// logical TCP peers over one UART; this hub lets each link's handler
// goroutine consume its own messages without blocking the single UART
// reader or other links. Grounded on the teacher's internal/hub.Hub
// (per-client buffered channel, drop/kick backpressure, RWMutex-guarded
// client set), adapted from "one TCP client" to "one modem link id".
package linkhub

import (
	"sync"

	"github.com/emile-cronje/at-bridge/internal/atmsg"
	"github.com/emile-cronje/at-bridge/internal/bridgelog"
)

// Policy selects what happens when a link's inbound buffer is full.
type Policy int

const (
	// PolicyDrop discards the new message and logs a warning, leaving the
	// subscriber's queue and connection untouched.
	PolicyDrop Policy = iota
	// PolicyKick discards the new message and closes the link's Closed
	// channel, signalling its handler to exit; the caller is expected to
	// Remove the link on the way out.
	PolicyKick
)

// Link is one subscriber: a buffered channel of messages for a single
// modem link id, plus a Closed signal mirroring internal/hub.Client.
type Link struct {
	ID        int
	Out       chan atmsg.Message
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the link is closed. Idempotent.
func (l *Link) Close() {
	l.closeOnce.Do(func() { close(l.Closed) })
}

// Hub routes inbound messages to the Link registered for their LinkID. A
// message for a link with no current subscriber (e.g. the single-link case,
// or a reply arriving after the link closed) is dropped with a debug log.
// Dispatch never blocks, so a slow or absent subscriber cannot stall
// inbound dispatch.
type Hub struct {
	mu     sync.RWMutex
	links  map[int]*Link
	bufLen int
	policy Policy
}

// New constructs a Hub. bufLen sizes each link's channel.
func New(bufLen int, policy Policy) *Hub {
	if bufLen <= 0 {
		bufLen = 32
	}
	return &Hub{links: make(map[int]*Link), bufLen: bufLen, policy: policy}
}

// Register creates and returns a new Link for id, replacing any previous
// registration (closing it first so its handler observes Closed).
func (h *Hub) Register(id int) *Link {
	l := &Link{ID: id, Out: make(chan atmsg.Message, h.bufLen), Closed: make(chan struct{})}
	h.mu.Lock()
	if prev, ok := h.links[id]; ok {
		prev.Close()
	}
	h.links[id] = l
	h.mu.Unlock()
	return l
}

// Remove unregisters id's link, if it is still the current registration.
func (h *Hub) Remove(id int, l *Link) {
	h.mu.Lock()
	if cur, ok := h.links[id]; ok && cur == l {
		delete(h.links, id)
	}
	h.mu.Unlock()
	l.Close()
}

// Dispatch routes msg to its link's Out channel, honoring the configured
// backpressure policy. A message for an unregistered link is dropped.
func (h *Hub) Dispatch(linkID int, msg atmsg.Message) {
	h.mu.RLock()
	l, ok := h.links[linkID]
	h.mu.RUnlock()
	if !ok {
		bridgelog.L().Debug("linkhub_no_subscriber", "link_id", linkID, "msg_id", msg.Id)
		return
	}
	select {
	case l.Out <- msg:
	default:
		if h.policy == PolicyKick {
			l.Close()
		} else {
			bridgelog.L().Warn("linkhub_drop", "link_id", linkID, "msg_id", msg.Id)
		}
	}
}

// Count reports the number of currently registered links.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.links)
}
