//go:build !linux

package modemreset

import (
	"context"
	"log/slog"
)

// Resetter is a stub on non-Linux platforms: go-gpiocdev only supports the
// Linux gpiochip character device.
type Resetter struct{}

// New always fails on non-Linux platforms.
func New(chip string, offset int, logger *slog.Logger) (*Resetter, error) {
	return nil, ErrResetUnsupported
}

// HardReset always fails; present so Resetter still satisfies
// internal/atwatchdog.Resetter.
func (r *Resetter) HardReset(ctx context.Context) error {
	return ErrResetUnsupported
}

// Close is a no-op.
func (r *Resetter) Close() error { return nil }
