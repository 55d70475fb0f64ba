// Package atsend implements the windowed send pipeline (C6): waits for
// window headroom, acquires the in-flight-send semaphore, issues
// AT+CIPSEND, writes the payload once the prompt arrives, and awaits
// SEND OK before admitting the Id into the ack tracker's pending set.
// Grounded on the payload-write half of the teacher's
// internal/serial.TXWriter and the single-writer discipline of
// internal/transport.AsyncTx, adapted from a CAN-frame writer to the
// ESP-AT CIPSEND handshake.
package atsend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atack"
	"github.com/emile-cronje/at-bridge/internal/atclock"
	"github.com/emile-cronje/at-bridge/internal/atengine"
)

// Config holds the pipeline's tunables, all independently configurable per
// the design notes' "neither may be removed" constraint on window and
// semaphore.
type Config struct {
	MaxInflightSends  int
	WindowSize        int
	MultiLink         bool
	SendPromptTimeout time.Duration
	SendOKTimeout     time.Duration
	PacingDelay       time.Duration // floor 15ms, preventing modem frame interleaving
	WindowPollEvery   time.Duration
}

// Pipeline is the C6 send path. It does not own an outbound queue itself;
// callers (or a thin queue wrapper) call Send once per message and decide
// whether to re-enqueue on error.
type Pipeline struct {
	engine     *atengine.Engine
	tracker    *atack.Tracker
	byteBucket *atclock.Bucket
	sem        chan struct{}
	cfg        Config
	logger     *slog.Logger
	sleepFn    func(time.Duration)
}

// New constructs a Pipeline.
func New(engine *atengine.Engine, tracker *atack.Tracker, byteBucket *atclock.Bucket, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxInflightSends <= 0 {
		cfg.MaxInflightSends = 1
	}
	if cfg.PacingDelay < 15*time.Millisecond {
		cfg.PacingDelay = 15 * time.Millisecond
	}
	if cfg.WindowPollEvery <= 0 {
		cfg.WindowPollEvery = 5 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:     engine,
		tracker:    tracker,
		byteBucket: byteBucket,
		sem:        make(chan struct{}, cfg.MaxInflightSends),
		cfg:        cfg,
		logger:     logger,
		sleepFn:    time.Sleep,
	}
}

// Send transmits payload for id over linkID (ignored in single-link mode).
// On success, id is inserted into the ack tracker's pending set. On
// failure, id is not inserted; the caller decides whether to re-enqueue.
func (p *Pipeline) Send(ctx context.Context, id int, linkID int, payload []byte) error {
	if p.engine.TransparentReady() {
		if err := p.sendTransparent(payload); err == nil {
			p.tracker.Insert(id, linkID, payload)
			p.sleepFn(p.cfg.PacingDelay)
			return nil
		}
		// Failure in transparent mode demotes to normal via the engine;
		// fall through and retry the normal CIPSEND path below.
		p.engine.SetTransparentReady(false)
	}

	if err := p.awaitWindow(ctx); err != nil {
		return err
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	if p.byteBucket != nil {
		if err := p.byteBucket.Consume(ctx, float64(len(payload))); err != nil {
			return fmt.Errorf("atsend: byte bucket: %w", err)
		}
	}

	cmd := fmt.Sprintf("AT+CIPSEND=%d", len(payload))
	if p.cfg.MultiLink {
		cmd = fmt.Sprintf("AT+CIPSEND=%d,%d", linkID, len(payload))
	}

	tok, err := p.engine.SendAT(ctx, cmd, []string{">"}, p.cfg.SendPromptTimeout)
	if err != nil || tok != ">" {
		p.logger.Warn("cipsend_prompt_failed", "id", id, "err", err)
		return fmt.Errorf("atsend: awaiting send prompt: %w", firstNonNil(err, atengine.ErrTimeout))
	}

	if err := p.engine.WriteRaw(payload); err != nil {
		p.logger.Warn("cipsend_write_failed", "id", id, "err", err)
		return fmt.Errorf("atsend: writing payload: %w", err)
	}

	ok, err := p.engine.WaitToken(ctx, "SEND OK", p.cfg.SendOKTimeout)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Warn("send_ok_timeout", "id", id)
		return fmt.Errorf("atsend: %w waiting for SEND OK", atengine.ErrTimeout)
	}

	p.tracker.Insert(id, linkID, payload)
	p.sleepFn(p.cfg.PacingDelay)
	return nil
}

// sendTransparent writes payload directly, bypassing CIPSEND, when the
// modem is in transparent pass-through mode.
func (p *Pipeline) sendTransparent(payload []byte) error {
	return p.engine.WriteRaw(payload)
}

// awaitWindow blocks until |pending| < WindowSize or ctx is cancelled.
func (p *Pipeline) awaitWindow(ctx context.Context) error {
	if p.cfg.WindowSize <= 0 {
		return nil
	}
	for p.tracker.Len() >= p.cfg.WindowSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WindowPollEvery):
		}
	}
	return nil
}

func firstNonNil(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
