package main

import (
	"context"

	"github.com/emile-cronje/at-bridge/internal/discover"
)

// startMDNS advertises this server instance, a thin wrapper over
// internal/discover matching the teacher's cmd/can-server/mdns.go shape.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	return discover.Register(ctx, discover.ServiceTypeServer, cfg.mdnsName, cfg.listenPort, meta)
}
