package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/crusader-net/crusader/internal/discovery"
	"github.com/crusader-net/crusader/internal/engine"
	"github.com/crusader-net/crusader/internal/latency"
	"github.com/crusader-net/crusader/internal/logging"
	"github.com/crusader-net/crusader/internal/result"
	"github.com/crusader-net/crusader/internal/session"
	"github.com/crusader-net/crusader/internal/timesync"
)

// ServeOptions configures Serve.
type ServeOptions struct {
	// EnableDiscovery starts both the raw UDP broadcast responder and a
	// best-effort mDNS advertisement on the same port.
	EnableDiscovery bool
}

// Serve runs the Crusader measurement server on port until ctx is
// cancelled: a TCP listener dispatching every connection to the session
// fleet, and a UDP socket bound to the same port running the shared
// latency echo responder (protocol.LatencyPacket carries no TestId, so
// one responder serves every concurrent test).
func Serve(ctx context.Context, port uint16, opts ServeOptions) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("core: listen tcp: %w", err)
	}
	defer ln.Close()

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("core: listen udp: %w", err)
	}
	defer udpConn.Close()

	clock := func() int64 { return time.Now().UnixMicro() }
	fleet := session.NewFleet()

	go func() {
		if err := latency.EchoResponder(ctx, udpConn, clock); err != nil && ctx.Err() == nil {
			logging.L().Error("latency echo responder stopped", "error", err)
		}
	}()

	if opts.EnableDiscovery {
		go func() {
			if err := discovery.Listen(ctx, port); err != nil && ctx.Err() == nil {
				logging.L().Error("discovery responder stopped", "error", err)
			}
		}()
		if err := discovery.Advertise(ctx, int(port)); err != nil {
			logging.L().Warn("mdns advertise failed, broadcast discovery still active", "error", err)
		}
	}

	logging.L().Info("serving", "port", port, "discovery", opts.EnableDiscovery)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("core: accept: %w", err)
		}
		go func() {
			if err := session.HandleConnection(ctx, fleet, conn, clock); err != nil {
				logging.L().Debug("connection handler exited", "error", err)
			}
		}()
	}
}

// RunTest resolves cfg.Server (via broadcast discovery if left nil) and
// drives one complete client-side test, returning the aggregated result.
func RunTest(ctx context.Context, cfg result.Config) (*result.RawResult, error) {
	if cfg.Server == nil {
		found, err := discovery.Discover(ctx, cfg.Port)
		if err != nil {
			return nil, fmt.Errorf("core: discover server: %w", err)
		}
		cfg.Server = &result.Endpoint{Host: found.Addr.IP.String(), Port: uint16(found.Addr.Port)}
	}

	clock := func() int64 { return time.Now().UnixMicro() }
	res, err := engine.Run(ctx, cfg, clock)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, engine.ErrProtocolMismatch):
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	case errors.Is(err, engine.ErrServerOverload):
		return nil, fmt.Errorf("%w: %v", ErrServerOverload, err)
	case errors.Is(err, engine.ErrSyncFailed):
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	case errors.Is(err, engine.ErrAssociationTimeout):
		return nil, fmt.Errorf("%w: %v", ErrAssociationTimeout, err)
	case errors.Is(err, timesync.ErrInsufficientSamples):
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
}

// Load reads and decodes a .crr result file.
func Load(path string) (*result.RawResult, error) {
	r, err := result.Load(path)
	if err != nil {
		if errors.Is(err, result.ErrInvalidResult) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return r, nil
}

// Save encodes r and writes it to path as a zstd-compressed .crr file.
func Save(r *result.RawResult, path string) error {
	if err := result.Save(r, path); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
