package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atbridge"
	"github.com/emile-cronje/at-bridge/internal/atmsg"
	"github.com/emile-cronje/at-bridge/internal/atorchestrator"
	"github.com/emile-cronje/at-bridge/internal/atwatchdog"
	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
	"github.com/emile-cronje/at-bridge/internal/modemreset"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("at-bridge-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, cfg.logFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	var resetter atwatchdog.Resetter
	if cfg.modemEnChip != "" {
		r, err := modemreset.New(cfg.modemEnChip, cfg.modemEnLine, l)
		if err != nil {
			l.Warn("modem_reset_unavailable", "err", err)
		} else {
			resetter = r
		}
	}

	candidates, _ := cfg.candidates()
	cipMux := 0
	if cfg.multiLink {
		cipMux = 1
	}
	bridge, err := atbridge.New(ctx, atbridge.Config{
		Candidates:         candidates,
		ReadTimeout:        cfg.uartReadTO,
		BytesPerSec:        cfg.bytesPerSec,
		MsgsPerSec:         cfg.msgsPerSec,
		InterCmdGap:        cfg.interCmdGap,
		MaxInflightSends:   cfg.maxInflightSends,
		WindowSize:         cfg.windowSize,
		MsgAckTimeout:      cfg.msgAckTimeout,
		MaxRetries:         cfg.maxRetries,
		WatchdogCheckEvery: cfg.watchdogCheckMS,
		WatchdogIdle:       cfg.watchdogIdleMS,
		MaxFailsBeforeHard: cfg.maxFailsBeforeHard,
		MultiLink:          cfg.multiLink,
		Orchestrator: atorchestrator.Config{
			Mode:       atorchestrator.ModeServer,
			SSID:       cfg.ssid,
			Password:   cfg.pwd,
			CwMode:     cfg.cwMode,
			StaticIP:   cfg.staticIP,
			Gateway:    cfg.staticGW,
			Mask:       cfg.staticMask,
			CipMux:     cipMux,
			ListenPort: cfg.listenPort,
		},
		Logger: l,
	}, resetter)
	if err != nil {
		l.Error("bridge_init_failed", "err", err)
		os.Exit(1)
	}

	if err := bridge.Start(ctx); err != nil {
		l.Error("bridge_start_failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = bridge.Close() }()

	files := NewFileHandler(cfg.backupsDir, bridge.Events, l)
	go serveRequests(ctx, bridge, files, l)

	startMetricsLogger(ctx, cfg.metricsLogInterval, l, &wg)

	go func() {
		cleanup, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "err", err)
			return
		}
		l.Info("mdns_started", "service", "_at-bridge-server._tcp", "name", cfg.mdnsName)
		<-ctx.Done()
		cleanup()
	}()

	bridgemetrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		bridgemetrics.InitBuildInfo(version, commit, date)
		srvHTTP := bridgemetrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shCancel()
			_ = srvHTTP.Shutdown(shCtx)
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}

// serveRequests drains the bridge's app-level inbound channel: Files
// sub-steps go to the upload handler, Test requests are echoed back with
// RspReceivedOK set, matching the server half of spec.md §6's application
// JSON envelope.
func serveRequests(ctx context.Context, bridge *atbridge.Bridge, files *FileHandler, l *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-bridge.Inbound():
			switch msg.Category {
			case atmsg.CategoryFiles:
				files.Handle(msg)
			case atmsg.CategoryTest:
				if msg.RspReceivedOK {
					continue // a reply arriving with no pending entry; nothing to echo
				}
				reply := msg
				reply.RspReceivedOK = true
				if err := bridge.Send(ctx, 0, reply); err != nil {
					l.Warn("test_echo_failed", "id", msg.Id, "err", err)
				}
			default:
				l.Debug("unhandled_category", "category", msg.Category, "id", msg.Id)
			}
		}
	}
}
