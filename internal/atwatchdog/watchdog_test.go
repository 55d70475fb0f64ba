package atwatchdog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atclock"
	"github.com/emile-cronje/at-bridge/internal/atengine"
	"github.com/emile-cronje/at-bridge/internal/attoken"
)

// silentPort never answers anything; every probe AT times out.
type silentPort struct{}

func (silentPort) Read(p []byte) (int, error)  { return 0, nil }
func (silentPort) Write(p []byte) (int, error) { return len(p), nil }
func (silentPort) Close() error                { return nil }

type countingResetter struct{ calls atomic.Int32 }

func (r *countingResetter) HardReset(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

type countingReconnector struct{ calls atomic.Int32 }

func (r *countingReconnector) Reconnect(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func newTestWatchdog(t *testing.T, reset Resetter, reconnect Reconnector, maxFails int) *Watchdog {
	t.Helper()
	tokens := attoken.NewRegistry()
	engine := atengine.New(silentPort{}, tokens, atclock.NewBucket(0), 0, slog.Default())
	cfg := Config{
		CheckEvery:         time.Millisecond,
		IdleThreshold:      0,
		MaxFailsBeforeHard: maxFails,
		ProbeTimeout:       5 * time.Millisecond,
	}
	w := New(engine, func() time.Time { return time.Now().Add(-time.Hour) }, reset, reconnect, cfg, slog.Default())
	w.sleepFn = func(time.Duration) {}
	return w
}

// S6 — three successive soft-recovery failures trigger a hard reset and a
// full reconnect, then the failure streak resets to zero.
func TestWatchdog_HardResetAfterThreeSoftFailures(t *testing.T) {
	reset := &countingResetter{}
	reconnect := &countingReconnector{}
	w := newTestWatchdog(t, reset, reconnect, 3)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		w.escalate(ctx)
		if reset.calls.Load() != 0 {
			t.Fatalf("hard reset fired early at iteration %d", i)
		}
	}
	if w.ConsecFails() != 2 {
		t.Fatalf("ConsecFails() = %d, want 2", w.ConsecFails())
	}

	w.escalate(ctx)
	if reset.calls.Load() != 1 {
		t.Fatalf("hard reset calls = %d, want 1", reset.calls.Load())
	}
	if reconnect.calls.Load() != 1 {
		t.Fatalf("reconnect calls = %d, want 1", reconnect.calls.Load())
	}
	if w.ConsecFails() != 0 {
		t.Fatalf("ConsecFails() = %d after hard reset, want 0", w.ConsecFails())
	}
}

func TestWatchdog_NoResetPinStopsAtSoftRecovery(t *testing.T) {
	w := newTestWatchdog(t, nil, nil, 1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.escalate(ctx)
	}
	if w.ConsecFails() != 5 {
		t.Fatalf("ConsecFails() = %d, want 5 (ladder should not stop counting)", w.ConsecFails())
	}
}

func TestWatchdog_SuccessfulProbeResetsStreak(t *testing.T) {
	w := newTestWatchdog(t, nil, nil, 1)
	w.consecFails = 3
	// Swap in a port-backed engine whose probe always succeeds: resolve OK
	// immediately on write.
	tokens := attoken.NewRegistry()
	okPort := &respondingPort{tokens: tokens}
	w.engine = atengine.New(okPort, tokens, atclock.NewBucket(0), 0, slog.Default())

	w.escalate(context.Background())
	if w.ConsecFails() != 0 {
		t.Fatalf("ConsecFails() = %d, want 0 after successful probe", w.ConsecFails())
	}
}

type countingTransparentReopener struct {
	reconnectCalls atomic.Int32
	reopenCalls    atomic.Int32
	reopenErr      error
}

func (r *countingTransparentReopener) Reconnect(ctx context.Context) error {
	r.reconnectCalls.Add(1)
	return nil
}

func (r *countingTransparentReopener) ReopenTransparent(ctx context.Context) error {
	r.reopenCalls.Add(1)
	return r.reopenErr
}

// A watchdog probing a link that is in transparent mode must run the
// CIPMODE/CIPSTART/CIPSEND reopen ladder instead of a bare AT check, since
// the modem will not answer AT while still in pass-through mode.
func TestWatchdog_ProbeInTransparentModeUsesReopenLadder(t *testing.T) {
	reopener := &countingTransparentReopener{}
	w := newTestWatchdog(t, nil, reopener, 1)
	w.engine.SetTransparentReady(true)

	w.escalate(context.Background())

	if reopener.reopenCalls.Load() != 1 {
		t.Fatalf("ReopenTransparent calls = %d, want 1", reopener.reopenCalls.Load())
	}
	if w.ConsecFails() != 0 {
		t.Fatalf("ConsecFails() = %d, want 0 after a successful reopen", w.ConsecFails())
	}
	if !w.engine.TransparentReady() {
		t.Fatal("TransparentReady should remain set after a successful reopen")
	}
}

// When the reopen ladder fails, the watchdog must drop transparent
// readiness (falling back to normal framing) and count a soft failure
// rather than silently treating the link as still transparent.
func TestWatchdog_FailedReopenDropsToNormalMode(t *testing.T) {
	reopener := &countingTransparentReopener{reopenErr: context.DeadlineExceeded}
	w := newTestWatchdog(t, nil, reopener, 5)
	w.engine.SetTransparentReady(true)

	w.escalate(context.Background())

	if w.ConsecFails() != 1 {
		t.Fatalf("ConsecFails() = %d, want 1 after a failed reopen", w.ConsecFails())
	}
	if w.engine.TransparentReady() {
		t.Fatal("TransparentReady should be cleared after a failed reopen")
	}
}

type respondingPort struct{ tokens *attoken.Registry }

func (p *respondingPort) Read(b []byte) (int, error) { return 0, nil }
func (p *respondingPort) Close() error                { return nil }
func (p *respondingPort) Write(b []byte) (int, error) {
	go p.tokens.Resolve("OK")
	return len(b), nil
}
