// Package atorchestrator implements the connection orchestrator (C9):
// drives the modem from cold boot through AT, ATE0, CWMODE, CWJAP, an
// optional static IP, CIFSR, CIPMUX, and CIPSERVER or CIPSTART, optionally
// followed by CIPMODE=1 and a prompt-bearing CIPSEND to enter transparent
// mode. Grounded on start_client/start_tcp_server_static_sta in
// original_source/src/uart_tcp_client.py and uart_tcp_server.py, and on
// the teacher's functional-options construction style and step-by-step
// stdout reporting in cmd/can-server/main.go.
package atorchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atengine"
)

const (
	defaultStepTimeout = 8 * time.Second
	cwjapTimeout       = 20 * time.Second
)

// Mode selects which half of the fixed step sequence runs: a client dials
// out via CIPSTART, a server listens via CIPSERVER.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Config holds the orchestrator's fixed-sequence parameters.
type Config struct {
	Mode Mode

	SSID     string
	Password string
	CwMode   int // 1 (station) or 3 (station+AP)

	StaticIP, Gateway, Mask string // optional; all three required together

	CipMux int // 0 single-link, 1 multi-link

	// Client-only.
	Host string
	Port int
	LinkID int // multi-link id for CIPSTART/CIPSEND

	// Server-only.
	ListenPort int

	Transparent  bool
	StepTimeout  time.Duration
	CwjapTimeout time.Duration
}

// Orchestrator runs Config's fixed AT sequence against an Engine.
type Orchestrator struct {
	engine *atengine.Engine
	cfg    Config
	logger *slog.Logger
}

// New constructs an Orchestrator, defaulting unset timeouts.
func New(engine *atengine.Engine, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.CwjapTimeout <= 0 {
		cfg.CwjapTimeout = cwjapTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{engine: engine, cfg: cfg, logger: logger}
}

// step lists every token SendAT should listen for (expect) and the subset
// of those that count as a successful outcome (success); e.g. CIPSTART
// listens for OK, ALREADY CONNECTED, and ERROR but only the first two are
// success -- ERROR must still fail the step even though it is an expected,
// non-timeout wake reason.
type step struct {
	cmd     string
	expect  []string
	success []string
	timeout time.Duration
}

func isSuccess(tok string, success []string) bool {
	for _, s := range success {
		if s == tok {
			return true
		}
	}
	return false
}

// Connect runs the full fixed sequence. On any step failure it returns an
// error and clears transparent mode/readiness, matching §4.9.
func (o *Orchestrator) Connect(ctx context.Context) error {
	for _, st := range o.buildSteps() {
		tok, err := o.engine.SendAT(ctx, st.cmd, st.expect, st.timeout)
		if err == nil && !isSuccess(tok, st.success) {
			err = fmt.Errorf("modem returned %q", tok)
		}
		if err != nil {
			o.engine.SetTransparentReady(false)
			o.logger.Error("orchestrator_step_failed", "cmd", st.cmd, "err", err)
			fmt.Printf("orchestrator: %s FAILED: %v\n", st.cmd, err)
			return fmt.Errorf("atorchestrator: step %q: %w", st.cmd, err)
		}
		o.logger.Info("orchestrator_step_ok", "cmd", st.cmd, "resolved", tok)
		fmt.Printf("orchestrator: %s -> %s\n", st.cmd, tok)
	}

	if o.cfg.Transparent {
		tok, err := o.engine.SendAT(ctx, "AT+CIPSEND", []string{">"}, o.cfg.StepTimeout)
		if err != nil || tok != ">" {
			o.engine.SetTransparentReady(false)
			return fmt.Errorf("atorchestrator: entering transparent mode: %w", firstNonNil(err, errors.New("no prompt")))
		}
		o.engine.SetTransparentReady(true)
	}
	return nil
}

// Reconnect reruns the full sequence; it satisfies
// internal/atwatchdog.Reconnector so the watchdog's hard-reset path can
// drive it directly.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	return o.Connect(ctx)
}

// ReopenTransparent reruns the transparent-mode soft-recovery ladder the
// watchdog's probe step uses when the link was last in pass-through mode:
// a bare AT, CIPMODE=1, a CIPMODE? readback, CIPSTART, and a prompt-bearing
// CIPSEND. It satisfies internal/atwatchdog.TransparentReopener. On any step
// failure it returns an error and leaves transparent readiness cleared so
// the watchdog drops to normal framing.
func (o *Orchestrator) ReopenTransparent(ctx context.Context) error {
	okOnly := []string{"OK"}
	for _, st := range []step{
		{cmd: "AT", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
		{cmd: "AT+CIPMODE=1", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
		{cmd: "AT+CIPMODE?", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
	} {
		tok, err := o.engine.SendAT(ctx, st.cmd, st.expect, st.timeout)
		if err == nil && !isSuccess(tok, st.success) {
			err = fmt.Errorf("modem returned %q", tok)
		}
		if err != nil {
			o.engine.SetTransparentReady(false)
			return fmt.Errorf("atorchestrator: reopen %s: %w", st.cmd, err)
		}
	}

	cmd := fmt.Sprintf("AT+CIPSTART=%q,%q,%d", "TCP", o.cfg.Host, o.cfg.Port)
	if o.cfg.CipMux == 1 {
		cmd = fmt.Sprintf("AT+CIPSTART=%d,%q,%q,%d", o.cfg.LinkID, "TCP", o.cfg.Host, o.cfg.Port)
	}
	connectSuccess := []string{"OK", "ALREADY CONNECTED"}
	tok, err := o.engine.SendAT(ctx, cmd, append(connectSuccess, "ERROR"), o.cfg.StepTimeout)
	if err == nil && !isSuccess(tok, connectSuccess) {
		err = fmt.Errorf("modem returned %q", tok)
	}
	if err != nil {
		o.engine.SetTransparentReady(false)
		return fmt.Errorf("atorchestrator: reopen %s: %w", cmd, err)
	}

	tok, err = o.engine.SendAT(ctx, "AT+CIPSEND", []string{">"}, o.cfg.StepTimeout)
	if err != nil || tok != ">" {
		o.engine.SetTransparentReady(false)
		return fmt.Errorf("atorchestrator: reopen AT+CIPSEND: %w", firstNonNil(err, errors.New("no prompt")))
	}
	o.engine.SetTransparentReady(true)
	return nil
}

func (o *Orchestrator) buildSteps() []step {
	okOnly := []string{"OK"}
	steps := []step{
		{cmd: "AT", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
		{cmd: "ATE0", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
		{cmd: fmt.Sprintf("AT+CWMODE=%d", nonZero(o.cfg.CwMode, 1)), expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout},
		{
			cmd:     fmt.Sprintf("AT+CWJAP=%q,%q", o.cfg.SSID, o.cfg.Password),
			expect:  []string{"OK", "ALREADY CONNECTED", "FAIL"},
			success: []string{"OK", "ALREADY CONNECTED"},
			timeout: o.cfg.CwjapTimeout,
		},
	}
	if o.cfg.StaticIP != "" && o.cfg.Gateway != "" && o.cfg.Mask != "" {
		steps = append(steps, step{
			cmd:     fmt.Sprintf("AT+CIPSTA=%q,%q,%q", o.cfg.StaticIP, o.cfg.Gateway, o.cfg.Mask),
			expect:  okOnly,
			success: okOnly,
			timeout: o.cfg.StepTimeout,
		})
	}
	steps = append(steps, step{
		cmd:     "AT+CIFSR",
		expect:  okOnly,
		success: okOnly,
		timeout: o.cfg.StepTimeout,
	})
	steps = append(steps, step{
		cmd:     fmt.Sprintf("AT+CIPMUX=%d", o.cfg.CipMux),
		expect:  okOnly,
		success: okOnly,
		timeout: o.cfg.StepTimeout,
	})

	switch o.cfg.Mode {
	case ModeServer:
		steps = append(steps, step{
			cmd:     fmt.Sprintf("AT+CIPSERVER=1,%d", o.cfg.ListenPort),
			expect:  okOnly,
			success: okOnly,
			timeout: o.cfg.StepTimeout,
		})
	default: // ModeClient
		cmd := fmt.Sprintf("AT+CIPSTART=%q,%q,%d", "TCP", o.cfg.Host, o.cfg.Port)
		if o.cfg.CipMux == 1 {
			cmd = fmt.Sprintf("AT+CIPSTART=%d,%q,%q,%d", o.cfg.LinkID, "TCP", o.cfg.Host, o.cfg.Port)
		}
		steps = append(steps, step{
			cmd:     cmd,
			expect:  []string{"OK", "ALREADY CONNECTED", "ERROR"},
			success: []string{"OK", "ALREADY CONNECTED"},
			timeout: o.cfg.StepTimeout,
		})
	}

	if o.cfg.Transparent {
		steps = append(steps, step{cmd: "AT+CIPMODE=1", expect: okOnly, success: okOnly, timeout: o.cfg.StepTimeout})
	}
	return steps
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func firstNonNil(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
