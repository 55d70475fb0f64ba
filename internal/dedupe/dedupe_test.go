package dedupe

import (
	"testing"
	"time"
)

func TestPortCacheRemembersLast(t *testing.T) {
	p := NewPortCache(time.Minute)
	if _, ok := p.Last(); ok {
		t.Fatal("expected no remembered candidate before Remember")
	}

	p.Remember(PortCandidate{Port: "/dev/ttyUSB0", Baud: 115200})
	cand, ok := p.Last()
	if !ok {
		t.Fatal("expected a remembered candidate after Remember")
	}
	if cand.Port != "/dev/ttyUSB0" || cand.Baud != 115200 {
		t.Fatalf("cand = %+v, want /dev/ttyUSB0:115200", cand)
	}

	p.Remember(PortCandidate{Port: "/dev/ttyUSB1", Baud: 9600})
	cand, _ = p.Last()
	if cand.Port != "/dev/ttyUSB1" {
		t.Fatalf("cand.Port = %q, want the most recently remembered port", cand.Port)
	}
}

func TestPortCacheExpires(t *testing.T) {
	p := NewPortCache(20 * time.Millisecond)
	p.Remember(PortCandidate{Port: "/dev/ttyUSB0", Baud: 115200})

	time.Sleep(80 * time.Millisecond)
	if _, ok := p.Last(); ok {
		t.Fatal("expected the remembered candidate to have expired")
	}
}

func TestSeenIdsMarksAndReports(t *testing.T) {
	s := NewSeenIds(time.Minute)
	if s.Seen(1) {
		t.Fatal("id 1 should not be seen before MarkSeen")
	}
	s.MarkSeen(1)
	if !s.Seen(1) {
		t.Fatal("id 1 should be seen after MarkSeen")
	}
	if s.Seen(2) {
		t.Fatal("id 2 was never marked and should not be seen")
	}
}

func TestSeenIdsExpires(t *testing.T) {
	s := NewSeenIds(20 * time.Millisecond)
	s.MarkSeen(5)

	time.Sleep(80 * time.Millisecond)
	if s.Seen(5) {
		t.Fatal("id 5 should no longer be seen after its TTL elapsed")
	}
}
