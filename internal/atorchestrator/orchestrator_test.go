package atorchestrator

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atclock"
	"github.com/emile-cronje/at-bridge/internal/atengine"
	"github.com/emile-cronje/at-bridge/internal/attoken"
)

// scriptedPort resolves a fixed token for every AT command it receives,
// keyed by command prefix, letting each test script distinct outcomes per
// step (e.g. "ALREADY CONNECTED" for CWJAP).
type scriptedPort struct {
	tokens  *attoken.Registry
	replies map[string]string // command-prefix -> token
	seen    []string
}

func (p *scriptedPort) Read(b []byte) (int, error) { return 0, nil }
func (p *scriptedPort) Close() error                { return nil }
func (p *scriptedPort) Write(b []byte) (int, error) {
	cmd := strings.TrimRight(string(b), "\r\n")
	p.seen = append(p.seen, cmd)
	// Several configured prefixes can match the same command (e.g. both
	// "AT" and "AT+CIPSTART" match an issued "AT+CIPSTART=..."), so the
	// longest, most specific prefix wins rather than depending on map
	// iteration order.
	best := ""
	tok, matched := "", false
	for prefix, t := range p.replies {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best, tok, matched = prefix, t, true
		}
	}
	if matched {
		go p.tokens.Resolve(tok)
	}
	return len(b), nil
}

func newTestOrchestrator(t *testing.T, replies map[string]string, cfg Config) (*Orchestrator, *scriptedPort) {
	t.Helper()
	tokens := attoken.NewRegistry()
	port := &scriptedPort{tokens: tokens, replies: replies}
	engine := atengine.New(port, tokens, atclock.NewBucket(0), 0, slog.Default())
	cfg.StepTimeout = 200 * time.Millisecond
	cfg.CwjapTimeout = 200 * time.Millisecond
	return New(engine, cfg, slog.Default()), port
}

func TestOrchestrator_ServerModeHappyPath(t *testing.T) {
	replies := map[string]string{
		"AT":           "OK",
		"ATE0":         "OK",
		"AT+CWMODE":    "OK",
		"AT+CWJAP":     "OK",
		"AT+CIFSR":     "OK",
		"AT+CIPMUX":    "OK",
		"AT+CIPSERVER": "OK",
	}
	o, port := newTestOrchestrator(t, replies, Config{Mode: ModeServer, SSID: "net", Password: "pw", ListenPort: 333})
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(port.seen) == 0 || !strings.Contains(port.seen[len(port.seen)-1], "CIPSERVER") {
		t.Fatalf("unexpected final command sequence: %v", port.seen)
	}
}

// S7 — idempotent connect: an already-joined AP answers ALREADY CONNECTED
// where OK was the nominal expectation, and the sequence still succeeds.
func TestOrchestrator_IdempotentConnectAlreadyConnected(t *testing.T) {
	replies := map[string]string{
		"AT":          "OK",
		"ATE0":        "OK",
		"AT+CWMODE":   "OK",
		"AT+CWJAP":    "ALREADY CONNECTED",
		"AT+CIFSR":    "OK",
		"AT+CIPMUX":   "OK",
		"AT+CIPSTART": "ALREADY CONNECTED",
	}
	o, _ := newTestOrchestrator(t, replies, Config{Mode: ModeClient, SSID: "net", Password: "pw", Host: "10.0.0.1", Port: 80})
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect should tolerate ALREADY CONNECTED: %v", err)
	}
}

func TestOrchestrator_CwjapFailAbortsSequence(t *testing.T) {
	replies := map[string]string{
		"AT":        "OK",
		"ATE0":      "OK",
		"AT+CWMODE": "OK",
		"AT+CWJAP":  "FAIL",
	}
	o, port := newTestOrchestrator(t, replies, Config{Mode: ModeClient, SSID: "net", Password: "pw", Host: "10.0.0.1", Port: 80})
	err := o.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect should fail when CWJAP returns FAIL")
	}
	for _, cmd := range port.seen {
		if strings.HasPrefix(cmd, "AT+CIPMUX") {
			t.Fatal("orchestrator continued past a failed CWJAP step")
		}
	}
}

// The watchdog's transparent-mode soft-recovery probe drives ReopenTransparent
// directly; a full AT->CIPMODE=1->CIPMODE?->CIPSTART->CIPSEND ladder must
// succeed and leave transparent readiness set.
func TestOrchestrator_ReopenTransparentHappyPath(t *testing.T) {
	replies := map[string]string{
		"AT":           "OK",
		"AT+CIPMODE=1": "OK",
		"AT+CIPMODE?":  "OK",
		"AT+CIPSTART":  "OK",
		"AT+CIPSEND":   ">",
	}
	o, port := newTestOrchestrator(t, replies, Config{Mode: ModeClient, Host: "10.0.0.1", Port: 80})
	if err := o.ReopenTransparent(context.Background()); err != nil {
		t.Fatalf("ReopenTransparent: %v", err)
	}
	if !o.engine.TransparentReady() {
		t.Fatal("TransparentReady should be set after a successful reopen")
	}
	if len(port.seen) == 0 || !strings.Contains(port.seen[len(port.seen)-1], "CIPSEND") {
		t.Fatalf("unexpected final command sequence: %v", port.seen)
	}
}

// A CIPSTART failure mid-ladder must fail ReopenTransparent and clear
// transparent readiness rather than leaving the link in a half-reopened
// state.
func TestOrchestrator_ReopenTransparentCipstartFailureClearsReady(t *testing.T) {
	replies := map[string]string{
		"AT":           "OK",
		"AT+CIPMODE=1": "OK",
		"AT+CIPMODE?":  "OK",
		"AT+CIPSTART":  "ERROR",
	}
	o, _ := newTestOrchestrator(t, replies, Config{Mode: ModeClient, Host: "10.0.0.1", Port: 80})
	o.engine.SetTransparentReady(true)
	if err := o.ReopenTransparent(context.Background()); err == nil {
		t.Fatal("ReopenTransparent should fail when CIPSTART returns ERROR")
	}
	if o.engine.TransparentReady() {
		t.Fatal("TransparentReady should be cleared after a failed reopen")
	}
}

func TestOrchestrator_CipstartErrorIsFailure(t *testing.T) {
	replies := map[string]string{
		"AT":          "OK",
		"ATE0":        "OK",
		"AT+CWMODE":   "OK",
		"AT+CWJAP":    "OK",
		"AT+CIFSR":    "OK",
		"AT+CIPMUX":   "OK",
		"AT+CIPSTART": "ERROR",
	}
	o, _ := newTestOrchestrator(t, replies, Config{Mode: ModeClient, SSID: "net", Password: "pw", Host: "10.0.0.1", Port: 80})
	if err := o.Connect(context.Background()); err == nil {
		t.Fatal("CIPSTART returning ERROR (an expected, non-timeout token) must still fail the step")
	}
}
