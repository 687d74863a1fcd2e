package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type Crusader servers advertise under,
// a secondary best-effort discovery path alongside the raw broadcast
// responder (adapted from the teacher's zeroconf advertise/browse split).
const ServiceType = "_crusader._udp"

// Advertise registers this server under ServiceType until ctx is
// cancelled, returning an error only if registration itself fails; any
// resolver-side failure to find it is simply a fallback to broadcast
// discovery, not an error here.
func Advertise(ctx context.Context, port int) error {
	server, err := zeroconf.Register(fmt.Sprintf("crusader-%d", port), ServiceType, "local.", port, nil, nil)
	if err != nil {
		return fmt.Errorf("discovery: mdns register: %w", err)
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Browse looks for a single Crusader server advertised via mDNS,
// returning its host:port. Used only when broadcast discovery fails and
// the caller chooses to retry via mDNS.
func Browse(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: mdns resolver: %w", err)
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, ServiceType, "local.", entries); err != nil {
		return "", fmt.Errorf("discovery: mdns browse: %w", err)
	}
	select {
	case <-browseCtx.Done():
		return "", fmt.Errorf("discovery: mdns: no server found")
	case entry := <-entries:
		if entry == nil || len(entry.AddrIPv4) == 0 {
			return "", fmt.Errorf("discovery: mdns: empty entry")
		}
		return fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port), nil
	}
}
