// Package atwatchdog implements the link watchdog (C8): detects an
// idle-RX-while-TX condition and escalates through a probe (a bare AT in
// normal mode, or the CIPMODE/CIPSTART/CIPSEND reopen ladder in transparent
// mode), soft-fail counting, and (when configured) a hard reset via the
// modem's enable pin followed by a full reconnect. Grounded on the
// teacher's RX backoff loop in cmd/can-server/backend_serial.go
// (exponential backoff pattern, reused here for escalation staging instead
// of read retry) and on link_watchdog/reopen_transparent_stream in
// original_source/src/uart_tcp_client.py.
package atwatchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atengine"
	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
)

const escapeGuardTime = 1200 * time.Millisecond

// Resetter performs a hard reset of the modem via its enable pin. Nil means
// no reset pin is configured: the ladder stops at soft recovery.
type Resetter interface {
	HardReset(ctx context.Context) error
}

// Reconnector reruns the full connection sequence (C9) after a hard reset.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// TransparentReopener reruns the transparent-mode reopen ladder (CIPMODE=1,
// CIPMODE?, CIPSTART, CIPSEND) during soft recovery when the link was last
// in pass-through mode, per §4.8 step 2.
type TransparentReopener interface {
	ReopenTransparent(ctx context.Context) error
}

// Config holds the watchdog's tunables.
type Config struct {
	CheckEvery         time.Duration // WATCHDOG_CHECK_MS
	IdleThreshold      time.Duration // WATCHDOG_IDLE_MS
	MaxFailsBeforeHard int
	ProbeTimeout       time.Duration
}

// Watchdog observes LAST_TX_MS/LAST_RX_MS via the engine and a caller-
// supplied rx clock (the demux), and escalates on an idle link.
type Watchdog struct {
	engine    *atengine.Engine
	lastRxFn  func() time.Time
	reset     Resetter
	reconnect Reconnector
	reopen    TransparentReopener
	cfg       Config
	logger    *slog.Logger
	sleepFn   func(time.Duration)

	consecFails int
}

// New constructs a Watchdog. reset may be nil (no enable pin configured).
// reconnect typically also implements TransparentReopener (the
// orchestrator does); when it doesn't, a transparent-mode probe that would
// otherwise reopen the link simply fails and falls through to the soft-fail
// counter like any other probe failure.
func New(engine *atengine.Engine, lastRxFn func() time.Time, reset Resetter, reconnect Reconnector, cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	reopen, _ := reconnect.(TransparentReopener)
	return &Watchdog{
		engine:    engine,
		lastRxFn:  lastRxFn,
		reset:     reset,
		reconnect: reconnect,
		reopen:    reopen,
		cfg:       cfg,
		logger:    logger,
		sleepFn:   time.Sleep,
	}
}

// ConsecFails reports the current soft-fail streak, exposed for tests and
// for a metrics gauge.
func (w *Watchdog) ConsecFails() int { return w.consecFails }

// Run ticks every cfg.CheckEvery until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick evaluates the idle condition once and escalates if triggered.
func (w *Watchdog) tick(ctx context.Context) {
	now := time.Now()
	txAge := now.Sub(w.engine.LastTxTime())
	rxAge := now.Sub(w.lastRxFn())

	if txAge >= w.cfg.IdleThreshold || rxAge <= w.cfg.IdleThreshold {
		return
	}
	w.logger.Warn("link_idle_detected", "tx_age", txAge, "rx_age", rxAge)
	bridgemetrics.IncWatchdogStage("escalate")
	w.escalate(ctx)
}

// escalate runs the ladder: escape, probe, soft-fail count, and (if the
// streak is long enough and a reset pin is configured) a hard reset plus
// full reconnect.
func (w *Watchdog) escalate(ctx context.Context) {
	bridgemetrics.IncWatchdogStage("escape")
	_ = w.engine.WriteRaw([]byte("+++"))
	w.sleepFn(escapeGuardTime)

	bridgemetrics.IncWatchdogStage("probe")
	if w.probe(ctx) {
		w.consecFails = 0
		bridgemetrics.SetConsecFails(0)
		return
	}

	w.consecFails++
	bridgemetrics.SetConsecFails(w.consecFails)
	if w.reset == nil || w.consecFails < w.cfg.MaxFailsBeforeHard {
		return
	}

	bridgemetrics.IncWatchdogStage("hard_reset")
	w.logger.Error("hard_reset_triggered", "consec_fails", w.consecFails)
	if err := w.reset.HardReset(ctx); err != nil {
		w.logger.Error("hard_reset_failed", "err", err)
		return
	}
	bridgemetrics.IncHardReset()
	if w.reconnect != nil {
		if err := w.reconnect.Reconnect(ctx); err != nil {
			w.logger.Error("reconnect_after_hard_reset_failed", "err", err)
			return
		}
	}
	w.consecFails = 0
	bridgemetrics.SetConsecFails(0)
}

// probe reports whether the link answered. In normal mode this is a bare
// AT->OK check. In transparent mode the modem will not answer a bare AT
// probe while still in pass-through, so the reopen ladder (CIPMODE=1,
// CIPMODE?, CIPSTART, CIPSEND) runs instead; any step failing there drops
// the link to normal mode and counts as a failed probe.
func (w *Watchdog) probe(ctx context.Context) bool {
	if w.engine.TransparentReady() {
		if w.reopen == nil {
			w.engine.SetTransparentReady(false)
			return false
		}
		if err := w.reopen.ReopenTransparent(ctx); err != nil {
			w.logger.Warn("transparent_reopen_failed", "err", err)
			w.engine.SetTransparentReady(false)
			return false
		}
		return true
	}
	_, err := w.engine.SendAT(ctx, "AT", []string{"OK"}, w.cfg.ProbeTimeout)
	return err == nil
}
