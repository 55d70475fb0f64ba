package atserial

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrAutodetectFailed is returned when no candidate (port, baud) pair
// responded to the AT probe. atbridge.New returns it as an error and both
// binaries exit.
var ErrAutodetectFailed = errors.New("atserial: no responsive uart candidate")

// Candidate is one (port, baud) pair to probe during autodetect.
type Candidate struct {
	Port string
	Baud int
}

const (
	escapeGuardTime = 1200 * time.Millisecond
	probeTimeout    = 700 * time.Millisecond
	drainWindow     = 50 * time.Millisecond
)

// OpenFn and sleepFn are test-injectable hooks, matching the teacher's
// openSerialPort/sleepFn package vars in cmd/can-server/backend_serial.go.
var (
	OpenFn  = Open
	sleepFn = time.Sleep
)

// Autodetect probes each candidate in order: open, flush, escape (+++),
// wait out the modem's guard time, write "AT\r\n", and wait up to
// probeTimeout for "OK" or "ERROR". The first responsive pair is returned
// open; callers own closing it. Grounded on autodetect_uart/try_at_once in
// original_source/src/uart_tcp_client.py.
func Autodetect(ctx context.Context, candidates []Candidate, readTimeout time.Duration) (Port, Candidate, error) {
	for _, c := range candidates {
		p, err := OpenFn(c.Port, c.Baud, readTimeout)
		if err != nil {
			continue
		}
		if tryAtOnce(ctx, p) {
			return p, c, nil
		}
		_ = p.Close()
	}
	return nil, Candidate{}, ErrAutodetectFailed
}

func tryAtOnce(ctx context.Context, p Port) bool {
	drain(p, drainWindow)
	if _, err := p.Write([]byte("+++")); err != nil {
		return false
	}
	if !sleepCtx(ctx, escapeGuardTime) {
		return false
	}
	drain(p, drainWindow)
	if _, err := p.Write([]byte("AT\r\n")); err != nil {
		return false
	}
	return awaitOKOrError(ctx, p, probeTimeout)
}

// drain reads and discards whatever is immediately available, bounded by
// window, so stale bytes from a previous session do not confuse the probe.
func drain(p Port, window time.Duration) {
	deadline := time.Now().Add(window)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

func awaitOKOrError(ctx context.Context, p Port, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var acc bytes.Buffer
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		n, err := p.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if bytes.Contains(acc.Bytes(), []byte("OK")) || bytes.Contains(acc.Bytes(), []byte("ERROR")) {
				return true
			}
		}
		if err != nil {
			return false
		}
	}
	return false
}

// sleepCtx sleeps for d (via the injectable sleepFn) or returns false early
// if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
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
