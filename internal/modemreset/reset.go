// Package modemreset drives the modem's hard enable/reset pin for the
// watchdog's last-resort recovery step (C8 step 4): drive low 300ms, high
// 1.2s, per spec.md's hard-recovery definition. Linux builds use
// github.com/warthog618/go-gpiocdev against the gpiochip character device;
// other platforms get a stub that reports ErrResetUnsupported so the
// watchdog ladder stops at soft recovery, exactly as it would with no
// reset pin configured.
//
// Grounding note: the retrieval pack's only near-neighbour gpiod code
// (doismellburning-samoyed/src/ptt.go's PTT_METHOD_GPIOD branch) is
// commented out ("Gpiod support currently disabled due to mid-stage
// porting complexity"), so this package is written directly against the
// upstream go-gpiocdev API rather than adapted from working example code.
package modemreset

import (
	"context"
	"errors"
	"time"
)

// ErrResetUnsupported is returned by the !linux stub. On Linux, a chip/offset
// that cannot be requested yields the wrapped go-gpiocdev error instead.
var ErrResetUnsupported = errors.New("modemreset: gpio hard reset not supported on this platform")

const (
	assertLowFor  = 300 * time.Millisecond
	guardHighFor  = 1200 * time.Millisecond
)

// sleepCtx sleeps for d or returns early if ctx is cancelled, mirroring
// atserial's escape-guard wait so hard reset never outlives shutdown.
func sleepCtx(ctx context.Context, sleepFn func(time.Duration), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		sleepFn(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	}
}
