// Package atbridge is the bridge facade: it wires C1-C9 (internal/atclock,
// atserial, attoken, atdemux, atengine, atsend, atack, atwatchdog,
// atorchestrator) into one lifecycle object exposing exactly the surface
// spec.md §1 grants application collaborators: Send(message), an inbound
// message channel, and a start/stop handle. Grounded on the teacher's
// cmd/can-server/hub_init.go + backend.go construction sequence (build the
// pieces, start goroutines, wire metrics, return a cleanup func), adapted
// from "pick a CAN backend" to "open+autodetect a UART and run the AT
// handshake."
package atbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atack"
	"github.com/emile-cronje/at-bridge/internal/atclock"
	"github.com/emile-cronje/at-bridge/internal/atdemux"
	"github.com/emile-cronje/at-bridge/internal/atengine"
	"github.com/emile-cronje/at-bridge/internal/atmsg"
	"github.com/emile-cronje/at-bridge/internal/atorchestrator"
	"github.com/emile-cronje/at-bridge/internal/atsend"
	"github.com/emile-cronje/at-bridge/internal/atserial"
	"github.com/emile-cronje/at-bridge/internal/attoken"
	"github.com/emile-cronje/at-bridge/internal/atwatchdog"
	"github.com/emile-cronje/at-bridge/internal/bridgemetrics"
	"github.com/emile-cronje/at-bridge/internal/dedupe"
	"github.com/emile-cronje/at-bridge/internal/linkhub"
)

// Config collects every tunable spec.md §6 lists under "Configuration."
type Config struct {
	// C2 / autodetect.
	Candidates  []atserial.Candidate
	ReadTimeout time.Duration

	// C1 rate limiters.
	BytesPerSec float64
	MsgsPerSec  float64

	// C5.
	InterCmdGap time.Duration

	// C6.
	MaxInflightSends  int
	WindowSize        int
	SendPromptTimeout time.Duration
	SendOKTimeout     time.Duration

	// C7.
	MsgAckTimeout time.Duration
	MaxRetries    int
	OutboundBuf   int

	// C8.
	WatchdogCheckEvery time.Duration
	WatchdogIdle       time.Duration
	MaxFailsBeforeHard int
	WatchdogProbeTO    time.Duration

	// C9.
	Orchestrator atorchestrator.Config

	// Dedup/link.
	MultiLink        bool
	LinkHubBuffer    int
	SeenIdsTTL       time.Duration
	PortCacheTTL     time.Duration
	InboundQueueSize int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 50 * time.Millisecond
	}
	if c.SendPromptTimeout <= 0 {
		c.SendPromptTimeout = 5 * time.Second
	}
	if c.SendOKTimeout <= 0 {
		c.SendOKTimeout = 5 * time.Second
	}
	if c.MsgAckTimeout <= 0 {
		c.MsgAckTimeout = 10 * time.Second
	}
	if c.OutboundBuf <= 0 {
		c.OutboundBuf = 256
	}
	if c.WatchdogCheckEvery <= 0 {
		c.WatchdogCheckEvery = 2 * time.Second
	}
	if c.WatchdogIdle <= 0 {
		c.WatchdogIdle = 15 * time.Second
	}
	if c.WatchdogProbeTO <= 0 {
		c.WatchdogProbeTO = 2 * time.Second
	}
	if c.LinkHubBuffer <= 0 {
		c.LinkHubBuffer = 32
	}
	if c.SeenIdsTTL <= 0 {
		c.SeenIdsTTL = 5 * time.Minute
	}
	if c.PortCacheTTL <= 0 {
		c.PortCacheTTL = 24 * time.Hour
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// outboundItem is one message queued for (re-)transmission via C6.
type outboundItem struct {
	id      int
	linkID  int
	payload []byte
}

// Bridge assembles C1-C9 plus the supporting dedupe/link-fanout packages
// into the single engine shared by both the client and server binaries.
type Bridge struct {
	cfg Config
	log *slog.Logger

	port   atserial.Port
	tokens *attoken.Registry
	demux  *atdemux.Demux
	engine *atengine.Engine

	msgBucket  *atclock.Bucket
	byteBucket *atclock.Bucket

	tracker  *atack.Tracker
	pipeline *atsend.Pipeline
	orch     *atorchestrator.Orchestrator
	wd       *atwatchdog.Watchdog

	links   *linkhub.Hub
	seen    *dedupe.SeenIds
	ports   *dedupe.PortCache
	Events  *EventLog

	outbound chan outboundItem
	inbound  chan atmsg.Message

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New opens the UART (running the autodetect probe over every configured
// candidate, even when there is only one) and assembles every component, but does not yet run the connection
// orchestrator or start the background goroutines -- call Start for that.
func New(ctx context.Context, cfg Config, reset atwatchdog.Resetter) (*Bridge, error) {
	cfg.applyDefaults()

	if len(cfg.Candidates) == 0 {
		return nil, fmt.Errorf("atbridge: no uart candidates configured")
	}
	port, cand, err := atserial.Autodetect(ctx, cfg.Candidates, cfg.ReadTimeout)
	if err != nil {
		bridgemetrics.IncError(bridgemetrics.ErrUartAutodect)
		return nil, fmt.Errorf("atbridge: %w", err)
	}
	cfg.Logger.Info("uart_autodetected", "port", cand.Port, "baud", cand.Baud)

	tokens := attoken.NewRegistry()
	demux := atdemux.New(tokens, cfg.Logger, cfg.InboundQueueSize)
	msgBucket := atclock.NewBucket(cfg.MsgsPerSec)
	byteBucket := atclock.NewBucket(cfg.BytesPerSec)
	engine := atengine.New(port, tokens, msgBucket, cfg.InterCmdGap, cfg.Logger)

	tracker := atack.New(cfg.MsgAckTimeout, cfg.MaxRetries)
	pipeline := atsend.New(engine, tracker, byteBucket, atsend.Config{
		MaxInflightSends:  cfg.MaxInflightSends,
		WindowSize:        cfg.WindowSize,
		MultiLink:         cfg.MultiLink,
		SendPromptTimeout: cfg.SendPromptTimeout,
		SendOKTimeout:     cfg.SendOKTimeout,
	}, cfg.Logger)

	orch := atorchestrator.New(engine, cfg.Orchestrator, cfg.Logger)

	b := &Bridge{
		cfg:        cfg,
		log:        cfg.Logger,
		port:       port,
		tokens:     tokens,
		demux:      demux,
		engine:     engine,
		msgBucket:  msgBucket,
		byteBucket: byteBucket,
		tracker:    tracker,
		pipeline:   pipeline,
		orch:       orch,
		links:      linkhub.New(cfg.LinkHubBuffer, linkhub.PolicyDrop),
		seen:       dedupe.NewSeenIds(cfg.SeenIdsTTL),
		ports:      dedupe.NewPortCache(cfg.PortCacheTTL),
		Events:     NewEventLog(256),
		outbound:   make(chan outboundItem, cfg.OutboundBuf),
		inbound:    make(chan atmsg.Message, cfg.InboundQueueSize),
	}
	b.ports.Remember(dedupe.PortCandidate{Port: cand.Port, Baud: cand.Baud})
	b.wd = atwatchdog.New(engine, demux.LastRxTime, reset, orch, atwatchdog.Config{
		CheckEvery:         cfg.WatchdogCheckEvery,
		IdleThreshold:      cfg.WatchdogIdle,
		MaxFailsBeforeHard: cfg.MaxFailsBeforeHard,
		ProbeTimeout:       cfg.WatchdogProbeTO,
	}, cfg.Logger)
	return b, nil
}

// Links exposes the per-link fan-out hub so a server binary's connection
// handler can Register a link id and read its own Out channel.
func (b *Bridge) Links() *linkhub.Hub { return b.links }

// Start runs the connection orchestrator once and, on success, launches the
// UART read pump, inbound dispatch, outbound send loop, ack sweep, and
// watchdog goroutines. It returns once the orchestrator has either
// succeeded or failed; the background goroutines outlive the call and are
// stopped by cancelling ctx or calling Close.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.orch.Connect(ctx); err != nil {
		bridgemetrics.IncError(bridgemetrics.ErrAtProtocol)
		return fmt.Errorf("atbridge: connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(4)
	go b.readPump(runCtx)
	go b.inboundLoop(runCtx)
	go b.outboundLoop(runCtx)
	go b.ackSweepLoop(runCtx)
	go b.wd.Run(runCtx)
	return nil
}

// Close stops all background goroutines and closes the UART.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.port.Close()
}

// Send marshals msg to JSON and enqueues it for transmission via C6. It
// blocks until queue space is available or ctx is cancelled.
func (b *Bridge) Send(ctx context.Context, linkID int, msg atmsg.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("atbridge: encode message %d: %w", msg.Id, err)
	}
	item := outboundItem{id: msg.Id, linkID: linkID, payload: payload}
	select {
	case b.outbound <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the channel of decoded application messages when no
// per-link subscriber is registered: Test/Files requests, Test replies
// that matched a pending send (after the ack tracker has cleared them),
// and Test replies for Ids that are neither pending nor recently resolved.
// Duplicate late replies for recently resolved Ids are dropped.
func (b *Bridge) Inbound() <-chan atmsg.Message { return b.inbound }

// readPump is the sole owner of UART reads, satisfying the "single reader"
// invariant: every other component learns of inbound activity through the
// demux's token registry resolutions or its Inbound() channel.
func (b *Bridge) readPump(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			bridgemetrics.AddUartRx(n)
			b.demux.Feed(buf[:n])
		}
		if err != nil {
			bridgemetrics.IncError(bridgemetrics.ErrUartRead)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// inboundLoop drains decoded +IPD frames, matches replies against the ack
// tracker, filters duplicate late replies via the seen-id cache, and routes
// everything else to per-link subscribers or the app-level Inbound channel.
func (b *Bridge) inboundLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.demux.Inbound():
			b.handleFrame(frame)
		}
	}
}

func (b *Bridge) handleFrame(frame atmsg.IpdFrame) {
	var msg atmsg.Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		bridgemetrics.IncError(bridgemetrics.ErrDecode)
		b.log.Debug("ipd_decode_error", "link_id", frame.LinkID, "err", err)
		return
	}

	if msg.Category == atmsg.CategoryTest && msg.RspReceivedOK {
		if b.tracker.Ack(msg.Id) {
			bridgemetrics.IncAckReceived()
			bridgemetrics.SetPendingWindow(b.tracker.Len())
			b.seen.MarkSeen(msg.Id)
			b.Events.Append(fmt.Sprintf("ack id=%d", msg.Id))
			b.deliver(frame.LinkID, msg)
			return
		}
		if b.seen.Seen(msg.Id) {
			b.log.Debug("duplicate_late_reply", "id", msg.Id)
			return
		}
	}
	b.deliver(frame.LinkID, msg)
}

// deliver routes msg to its link's subscriber if one is registered
// (CIPMUX=1 server fan-out), otherwise to the shared app-level channel.
func (b *Bridge) deliver(linkID int, msg atmsg.Message) {
	if b.links.Count() > 0 {
		b.links.Dispatch(linkID, msg)
		return
	}
	select {
	case b.inbound <- msg:
	default:
		b.log.Warn("inbound_channel_full_dropping", "id", msg.Id)
	}
}

// outboundLoop drains the FIFO outbound queue and hands each item to the
// send pipeline; retries are appended to the tail by ackSweepLoop, so they
// are observed strictly after any other already-queued work.
func (b *Bridge) outboundLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-b.outbound:
			bridgemetrics.IncSendAttempted()
			if err := b.pipeline.Send(ctx, item.id, item.linkID, item.payload); err != nil {
				bridgemetrics.IncSendFailed()
				b.log.Warn("send_failed", "id", item.id, "err", err)
				continue
			}
			bridgemetrics.IncSendSucceeded()
			bridgemetrics.SetPendingWindow(b.tracker.Len())
		}
	}
}

// ackSweepLoop ticks C7's sweep at roughly 1Hz: timed-out Ids are re-queued
// at the tail (bounded by MAX_RETRIES) or abandoned with a terminal event.
func (b *Bridge) ackSweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			retry, abandoned := b.tracker.Sweep(now)
			for _, item := range retry {
				bridgemetrics.IncRetry()
				b.Events.Append(fmt.Sprintf("retry id=%d attempt=%d", item.Id, b.tracker.RetriesUsed(item.Id)))
				select {
				case b.outbound <- outboundItem{id: item.Id, linkID: item.LinkID, payload: item.Payload}:
				case <-ctx.Done():
					return
				}
			}
			for _, id := range abandoned {
				bridgemetrics.IncAbandoned()
				b.Events.Append(fmt.Sprintf("abandoned id=%d", id))
				b.log.Error("message_abandoned", "id", id)
			}
			bridgemetrics.SetPendingWindow(b.tracker.Len())
		}
	}
}
