package main

import (
	"context"

	"github.com/emile-cronje/at-bridge/internal/discover"
)

// startMDNS advertises this client instance, a thin wrapper over
// internal/discover matching the teacher's cmd/can-server/mdns.go shape
// (enable flag, instance name, txt metadata, ctx-scoped cleanup).
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
		"peer=" + cfg.host,
	}
	return discover.Register(ctx, discover.ServiceTypeClient, cfg.mdnsName, cfg.port, meta)
}
