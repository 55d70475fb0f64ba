package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atbridge"
	"github.com/emile-cronje/at-bridge/internal/atmsg"
)

// Generator is the application-level Test message driver. spec.md §1 names
// "the application-level test generator" as an external collaborator of
// the core engine, not part of it; this is that collaborator's minimal
// reference implementation -- just enough to drive the bridge end to end
// and demonstrate the batch-tracking lifecycle spec.md §3 describes
// ("batch-tracking groups ... created per batch of test messages, destroyed
// when either all Ids in the group are resolved or the batch times out").
type Generator struct {
	bridge      *atbridge.Bridge
	payloadLen  int
	batchSize   int
	batchWindow time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	nextID  int
	batches map[int]*batch
}

// batch is one dynamically allocated group of in-flight Test Ids.
type batch struct {
	ids      map[int]struct{}
	deadline time.Time
}

// NewGenerator constructs a Generator bound to bridge.
func NewGenerator(bridge *atbridge.Bridge, payloadLen, batchSize int, batchWindow time.Duration, log *slog.Logger) *Generator {
	return &Generator{
		bridge:      bridge,
		payloadLen:  payloadLen,
		batchSize:   batchSize,
		batchWindow: batchWindow,
		log:         log,
		batches:     make(map[int]*batch),
	}
}

// Run emits one batch of Test messages every interval until ctx is
// cancelled, and concurrently drains the bridge's inbound channel to
// resolve batches as replies arrive.
func (g *Generator) Run(ctx context.Context, interval time.Duration) {
	go g.drainReplies(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep := time.NewTicker(g.batchWindow)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.emitBatch(ctx)
		case now := <-sweep.C:
			g.expireBatches(now)
		}
	}
}

func (g *Generator) emitBatch(ctx context.Context) {
	g.mu.Lock()
	b := &batch{ids: make(map[int]struct{}, g.batchSize), deadline: time.Now().Add(g.batchWindow)}
	batchID := g.nextID
	g.nextID++
	g.batches[batchID] = b
	ids := make([]int, 0, g.batchSize)
	for i := 0; i < g.batchSize; i++ {
		id := g.nextID
		g.nextID++
		b.ids[id] = struct{}{}
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		msg, err := g.buildTestMessage(id)
		if err != nil {
			g.log.Error("generator_build_message_failed", "id", id, "err", err)
			continue
		}
		if err := g.bridge.Send(ctx, 0, msg); err != nil {
			g.log.Warn("generator_send_failed", "id", id, "err", err)
		}
	}
	g.log.Info("test_batch_emitted", "batch", batchID, "count", len(ids))
}

func (g *Generator) buildTestMessage(id int) (atmsg.Message, error) {
	raw := make([]byte, g.payloadLen)
	if _, err := rand.Read(raw); err != nil {
		return atmsg.Message{}, fmt.Errorf("generator: rand: %w", err)
	}
	sum, err := atmsg.Checksum(raw)
	if err != nil {
		return atmsg.Message{}, fmt.Errorf("generator: checksum: %w", err)
	}
	return atmsg.Message{
		Id:                id,
		Category:          atmsg.CategoryTest,
		Base64Message:     base64.StdEncoding.EncodeToString(raw),
		Base64MessageHash: sum.Base64(),
		RspReceivedOK:     false,
	}, nil
}

// drainReplies consumes the bridge's app-level inbound channel, resolving
// the Id against whichever batch still owns it.
func (g *Generator) drainReplies(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bridge.Inbound():
			if msg.Category != atmsg.CategoryTest || !msg.RspReceivedOK {
				continue
			}
			g.resolve(msg.Id)
		}
	}
}

func (g *Generator) resolve(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for batchID, b := range g.batches {
		if _, ok := b.ids[id]; !ok {
			continue
		}
		delete(b.ids, id)
		if len(b.ids) == 0 {
			delete(g.batches, batchID)
			g.log.Info("test_batch_resolved", "batch", batchID)
		}
		return
	}
}

// expireBatches destroys any batch whose deadline has passed, regardless of
// whether every Id resolved.
func (g *Generator) expireBatches(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for batchID, b := range g.batches {
		if now.Before(b.deadline) {
			continue
		}
		if len(b.ids) > 0 {
			g.log.Warn("test_batch_timed_out", "batch", batchID, "unresolved", len(b.ids))
		}
		delete(g.batches, batchID)
	}
}
