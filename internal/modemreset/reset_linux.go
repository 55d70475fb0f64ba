//go:build linux

package modemreset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Resetter drives a single gpiochip line for modem hard reset. It
// implements internal/atwatchdog.Resetter.
type Resetter struct {
	line    *gpiocdev.Line
	logger  *slog.Logger
	sleepFn func(time.Duration)
}

// New requests offset on chip (e.g. "gpiochip0") as an output, initially
// driven high (the modem's enable pin is active-low reset).
func New(chip string, offset int, logger *slog.Logger) (*Resetter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(1), gpiocdev.WithConsumer("at-bridge"))
	if err != nil {
		return nil, fmt.Errorf("modemreset: request line %s:%d: %w", chip, offset, err)
	}
	return &Resetter{line: line, logger: logger, sleepFn: time.Sleep}, nil
}

// HardReset drives the pin low for assertLowFor, then high for
// guardHighFor, matching the watchdog's hard-recovery step.
func (r *Resetter) HardReset(ctx context.Context) error {
	r.logger.Warn("modem_hard_reset_begin")
	if err := r.line.SetValue(0); err != nil {
		return fmt.Errorf("modemreset: assert low: %w", err)
	}
	if !sleepCtx(ctx, r.sleepFn, assertLowFor) {
		return ctx.Err()
	}
	if err := r.line.SetValue(1); err != nil {
		return fmt.Errorf("modemreset: release high: %w", err)
	}
	if !sleepCtx(ctx, r.sleepFn, guardHighFor) {
		return ctx.Err()
	}
	r.logger.Warn("modem_hard_reset_complete")
	return nil
}

// Close releases the gpiochip line.
func (r *Resetter) Close() error {
	return r.line.Close()
}
