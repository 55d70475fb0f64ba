// Package atengine implements the AT command engine (C5): serialised
// issuance of AT commands with expectation sets, timeouts, inter-command
// pacing, and escape-from-data-mode handling. Grounded on the teacher's
// internal/cnl.Handshake (the ctx/timeout/select-on-errCh shape used to
// bound a handshake step) and on internal/transport.AsyncTx's single-writer
// mutex discipline, generalised here to AT transactions instead of CAN
// frames.
package atengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atclock"
	"github.com/emile-cronje/at-bridge/internal/atserial"
	"github.com/emile-cronje/at-bridge/internal/attoken"
)

// ErrTimeout is returned when no expected token arrived within the budget.
var ErrTimeout = errors.New("atengine: expected token not observed before timeout")

// DefaultExpect is the expectation set used when a caller does not supply
// one, matching the AT command vocabulary's common case.
var DefaultExpect = []string{"OK"}

const escapeGuardTime = 1200 * time.Millisecond

// Engine serialises all AT command issuance behind one mutex: at most one
// transaction is outstanding at a time, matching the single AT mutex
// required by the concurrency model.
type Engine struct {
	mu        sync.Mutex
	port      atserial.Port
	tokens    *attoken.Registry
	msgBucket *atclock.Bucket
	interGap  time.Duration
	logger    *slog.Logger

	lastTxNS         atomic.Int64
	transparentReady atomic.Bool

	sleepFn func(time.Duration)
}

// New constructs an Engine. interCmdGap is INTER_CMD_GAP_MS; msgBucket is
// the shared msgs/sec token bucket (C1), also consumed by the send
// pipeline.
func New(port atserial.Port, tokens *attoken.Registry, msgBucket *atclock.Bucket, interCmdGap time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		port:      port,
		tokens:    tokens,
		msgBucket: msgBucket,
		interGap:  interCmdGap,
		logger:    logger,
		sleepFn:   time.Sleep,
	}
}

// Option configures a single SendAT call.
type Option func(*sendOpts)

type sendOpts struct {
	escapeDataMode bool
}

// WithEscapeDataMode sends "+++" and waits out the modem's guard time before
// issuing cmd, clearing transparent-mode readiness. Used when a caller must
// leave transparent mode to issue a normal AT command.
func WithEscapeDataMode() Option {
	return func(o *sendOpts) { o.escapeDataMode = true }
}

// SetTransparentReady records whether the modem is currently in transparent
// send-ready state (set by the orchestrator after a prompt-bearing
// AT+CIPSEND with no length argument).
func (e *Engine) SetTransparentReady(v bool) { e.transparentReady.Store(v) }

// TransparentReady reports the current transparent-mode readiness.
func (e *Engine) TransparentReady() bool { return e.transparentReady.Load() }

// LastTxTime reports the last time a command byte was written to UART.
func (e *Engine) LastTxTime() time.Time {
	ns := e.lastTxNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SendAT issues cmd and waits for one of expect (default DefaultExpect) to
// resolve, bounded by timeout. It returns the token that resolved,
// ErrTimeout if none did before the deadline, or ctx.Err() if ctx was
// cancelled first.
// Exactly one AT transaction is outstanding at a time across all callers.
func (e *Engine) SendAT(ctx context.Context, cmd string, expect []string, timeout time.Duration, opts ...Option) (string, error) {
	var o sendOpts
	for _, opt := range opts {
		opt(&o)
	}
	if len(expect) == 0 {
		expect = DefaultExpect
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o.escapeDataMode && e.transparentReady.Load() {
		if _, err := e.port.Write([]byte("+++")); err != nil {
			return "", fmt.Errorf("atengine: escape write: %w", err)
		}
		e.sleepFn(escapeGuardTime)
		e.transparentReady.Store(false)
	}

	if err := e.msgBucket.Consume(ctx, 1); err != nil {
		return "", fmt.Errorf("atengine: msg bucket: %w", err)
	}

	e.enforceInterCmdGap()

	ch, unregister := e.tokens.Register(expect...)
	defer unregister()

	if _, err := e.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("atengine: write: %w", err)
	}
	e.lastTxNS.Store(time.Now().UnixNano())

	select {
	case tok := <-ch:
		return tok, nil
	case <-time.After(timeout):
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitToken awaits a single token without issuing a command, for callers
// that wrote their command through a different path (e.g. the send
// pipeline writing a raw payload) but must still await an async token such
// as "SEND OK".
func (e *Engine) WaitToken(ctx context.Context, token string, timeout time.Duration) (bool, error) {
	ch, unregister := e.tokens.Register(token)
	defer unregister()
	select {
	case <-ch:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// enforceInterCmdGap blocks, if necessary, until INTER_CMD_GAP_MS has
// elapsed since the last AT write.
func (e *Engine) enforceInterCmdGap() {
	if e.interGap <= 0 {
		return
	}
	last := e.lastTxNS.Load()
	if last == 0 {
		return
	}
	elapsed := time.Since(time.Unix(0, last))
	if elapsed < e.interGap {
		e.sleepFn(e.interGap - elapsed)
	}
}

// WriteRaw writes payload bytes directly to the UART, bypassing token
// registration, and updates LAST_TX_MS. Used by the send pipeline once it
// holds the send prompt.
func (e *Engine) WriteRaw(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.port.Write(payload); err != nil {
		return err
	}
	e.lastTxNS.Store(time.Now().UnixNano())
	return nil
}

// TrimCRLF removes a single trailing CRLF, mirroring the demux's payload
// normalisation for symmetry in tests that round-trip a line.
func TrimCRLF(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte("\r\n"))
}
