package linkhub

import (
	"testing"

	"github.com/emile-cronje/at-bridge/internal/atmsg"
)

func TestDispatchRoutesToRegisteredLink(t *testing.T) {
	h := New(4, PolicyDrop)
	l := h.Register(1)

	h.Dispatch(1, atmsg.Message{Id: 7})

	select {
	case msg := <-l.Out:
		if msg.Id != 7 {
			t.Fatalf("Id = %d, want 7", msg.Id)
		}
	default:
		t.Fatal("expected a message on the registered link")
	}
}

func TestDispatchDropsForUnregisteredLink(t *testing.T) {
	h := New(4, PolicyDrop)
	h.Dispatch(99, atmsg.Message{Id: 1}) // must not panic or block
}

func TestDispatchDropPolicyDiscardsWhenFull(t *testing.T) {
	h := New(1, PolicyDrop)
	l := h.Register(1)

	h.Dispatch(1, atmsg.Message{Id: 1})
	h.Dispatch(1, atmsg.Message{Id: 2}) // buffer full, dropped

	if len(l.Out) != 1 {
		t.Fatalf("len(Out) = %d, want 1", len(l.Out))
	}
	select {
	case <-l.Closed:
		t.Fatal("PolicyDrop must not close the link")
	default:
	}
}

func TestDispatchKickPolicyClosesWhenFull(t *testing.T) {
	h := New(1, PolicyKick)
	l := h.Register(1)

	h.Dispatch(1, atmsg.Message{Id: 1})
	h.Dispatch(1, atmsg.Message{Id: 2}) // buffer full, kicked

	select {
	case <-l.Closed:
	default:
		t.Fatal("PolicyKick should have closed the link once its buffer was full")
	}
}

func TestRegisterReplacesAndClosesPrevious(t *testing.T) {
	h := New(4, PolicyDrop)
	first := h.Register(1)
	second := h.Register(1)

	select {
	case <-first.Closed:
	default:
		t.Fatal("registering over an existing link id should close the previous link")
	}
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}
	if second == first {
		t.Fatal("Register should return a distinct Link on replacement")
	}
}

func TestRemoveOnlyClearsCurrentRegistration(t *testing.T) {
	h := New(4, PolicyDrop)
	stale := &Link{ID: 1, Out: make(chan atmsg.Message, 1), Closed: make(chan struct{})}
	h.Register(1)

	h.Remove(1, stale) // not the current registration for id 1
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after removing a stale link", h.Count())
	}

	select {
	case <-stale.Closed:
	default:
		t.Fatal("Remove should still close the stale link passed in")
	}
}

func TestCountReflectsRegisteredLinks(t *testing.T) {
	h := New(4, PolicyDrop)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", h.Count())
	}
	l1 := h.Register(1)
	h.Register(2)
	if h.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", h.Count())
	}
	h.Remove(1, l1)
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}
}
