package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
)

// startMetricsLogger periodically logs a text summary of the local counter
// mirror, for deployments with no Prometheus scraper. Direct adaptation of
// the teacher's cmd/can-server/metrics_logger.go.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := bridgemetrics.Snap()
				l.Info("metrics_snapshot",
					"uart_rx", snap.UartRx,
					"uart_tx", snap.UartTx,
					"frames", snap.Frames,
					"corrupt", snap.Corrupt,
					"sends", snap.Sends,
					"send_ok", snap.SendOK,
					"send_fail", snap.SendFail,
					"acks", snap.Acks,
					"retries", snap.Retries,
					"abandoned", snap.Abandoned,
					"hard_resets", snap.HardResets,
					"pending", snap.Pending,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
