// Package discover advertises a bridge endpoint via mDNS, a direct rename
// of the teacher's cmd/can-server/mdns.go lifted out of main so both
// cmd/at-bridge-client and cmd/at-bridge-server can share it.
package discover

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType names the two mDNS service types this bridge advertises,
// one per binary, mirroring the teacher's single hardcoded
// "_can-server._tcp".
const (
	ServiceTypeServer = "_at-bridge-server._tcp"
	ServiceTypeClient = "_at-bridge-client._tcp"
)

// Register advertises instance under serviceType on port, with meta as
// TXT records. It returns a cleanup function that is safe to call once;
// ctx cancellation also tears the registration down.
func Register(ctx context.Context, serviceType, instance string, port int, meta []string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		base := strings.TrimSuffix(strings.TrimPrefix(serviceType, "_"), "._tcp")
		instance = fmt.Sprintf("%s-%s", base, host)
	}
	svc, err := zeroconf.Register(instance, serviceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discover: register %s: %w", serviceType, err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() {
		close(done)
		svc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}
