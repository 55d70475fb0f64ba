package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atbridge"
	"github.com/emile-cronje/at-bridge/internal/atorchestrator"
	"github.com/emile-cronje/at-bridge/internal/atwatchdog"
	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
	"github.com/emile-cronje/at-bridge/internal/modemreset"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("at-bridge-client %s (commit %s, built %s)\n", version, commit, date)
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
			Mode:       atorchestrator.ModeClient,
			SSID:       cfg.ssid,
			Password:   cfg.pwd,
			CwMode:     cfg.cwMode,
			StaticIP:   cfg.staticIP,
			Gateway:    cfg.staticGW,
			Mask:       cfg.staticMask,
			CipMux:     cipMux,
			Host:       cfg.host,
			Port:       cfg.port,
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

	gen := NewGenerator(bridge, cfg.testPayloadLen, cfg.testBatchSize, cfg.msgAckTimeout*3, l)
	go gen.Run(ctx, cfg.testInterval)

	startMetricsLogger(ctx, cfg.metricsLogInterval, l, &wg)

	go func() {
		cleanup, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "err", err)
			return
		}
		l.Info("mdns_started", "service", "_at-bridge-client._tcp", "name", cfg.mdnsName)
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
