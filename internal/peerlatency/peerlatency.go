// Package peerlatency implements the optional third-host latency
// sub-protocol: a peer measures UDP latency to the measurement server
// independently of the client's own latency channel, and streams its
// samples back to the client over a dedicated control connection.
package peerlatency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/crusader-net/crusader/internal/latency"
	"github.com/crusader-net/crusader/pkg/protocol"
)

// ErrBusy is returned when a second StartPeerLatency arrives on a control
// connection that already has one active. The spec leaves peer sharing
// across concurrent tests unspecified; this implementation rejects it
// outright rather than queuing or multiplexing (see DESIGN.md).
var ErrBusy = errors.New("peerlatency: already active on this connection")

// Sample mirrors result.PeerLatencySample without importing the result
// package, keeping peerlatency a leaf package.
type Sample struct {
	Seq            uint64
	SentUs         int64
	ReceivedRemoteUs *int64
}

// ServePeer runs the peer role on an already Hello-exchanged connection:
// it waits for StartPeerLatency requests, running each as a latency
// channel against the requested target for the requested duration,
// streaming PeerLatencyFrame messages back as samples arrive. A
// StartPeerLatency that arrives while one is already running on this
// connection is rejected with ErrBusy, never queued or multiplexed.
// ServePeer returns once the connection closes, after any in-flight
// measurement unwinds.
func ServePeer(ctx context.Context, conn net.Conn, clock func() int64) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	var activeMu sync.Mutex
	busy := false
	var wg sync.WaitGroup
	defer wg.Wait()

	var runErr error
	var runErrMu sync.Mutex

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return runErrSnapshot(&runErrMu, &runErr)
		}
		switch frame.Kind {
		case protocol.KindStartPeerLatency:
			var msg protocol.StartPeerLatency
			if err := protocol.Decode(frame.Body, &msg); err != nil {
				continue
			}
			activeMu.Lock()
			if busy {
				activeMu.Unlock()
				writeMu.Lock()
				err := protocol.WriteFrame(conn, protocol.KindError, protocol.ErrorMessage{Text: ErrBusy.Error()})
				writeMu.Unlock()
				if err != nil {
					return fmt.Errorf("peerlatency: write busy error: %w", err)
				}
				continue
			}
			busy = true
			activeMu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					activeMu.Lock()
					busy = false
					activeMu.Unlock()
				}()
				if err := runPeer(connCtx, conn, msg, clock, &writeMu); err != nil {
					runErrMu.Lock()
					runErr = fmt.Errorf("peerlatency: run: %w", err)
					runErrMu.Unlock()
				}
			}()
		case protocol.KindStopMeasurements:
			cancel()
		default:
			// ignore anything else on this connection
		}
	}
}

func runErrSnapshot(mu *sync.Mutex, err *error) error {
	mu.Lock()
	defer mu.Unlock()
	return *err
}

func runPeer(ctx context.Context, conn net.Conn, msg protocol.StartPeerLatency, clock func() int64, writeMu *sync.Mutex) error {
	target := &net.UDPAddr{IP: net.ParseIP(msg.TargetHost), Port: int(msg.TargetPort)}
	if target.IP == nil {
		resolved, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", msg.TargetHost, msg.TargetPort))
		if err != nil {
			return fmt.Errorf("resolve target: %w", err)
		}
		target = resolved
	}

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}
	defer sock.Close()

	identity := func(remoteUs int64) int64 { return remoteUs }
	interval := time.Duration(msg.IntervalUs) * time.Microsecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ch := latency.NewChannel(sock, target, interval, clock, identity)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(msg.DurationUs)*time.Microsecond)
	defer cancel()

	out := make(chan latency.Sample, 256)
	runErrCh := make(chan error, 1)
	go func() {
		startUs := clock()
		runErrCh <- ch.Run(runCtx, startUs, startUs+int64(msg.DurationUs), out)
		close(out)
	}()

	for s := range out {
		pf := protocol.PeerLatencyFrame{Seq: s.Seq, SentUs: s.SentUs, ReceivedRemote: s.ReceivedRemoteUs}
		if err := protocol.WriteFrame(conn, protocol.KindPeerLatencySample, pf); err != nil {
			cancel()
			<-runErrCh
			return fmt.Errorf("write peer latency sample: %w", err)
		}
	}
	<-runErrCh
	return protocol.WriteFrame(conn, protocol.KindDone, protocol.Done{})
}

// Request drives the client side: it sends a StartPeerLatency over conn
// (already Hello-exchanged) and streams decoded samples to the returned
// channel until Done arrives, the connection closes, or ctx is
// cancelled. The channel is closed when no more samples will arrive.
func Request(ctx context.Context, conn net.Conn, targetHost string, targetPort uint16, durationUs, intervalUs uint64) (<-chan Sample, error) {
	req := protocol.StartPeerLatency{
		TargetHost: targetHost,
		TargetPort: targetPort,
		DurationUs: durationUs,
		IntervalUs: intervalUs,
	}
	if err := protocol.WriteFrame(conn, protocol.KindStartPeerLatency, req); err != nil {
		return nil, fmt.Errorf("peerlatency: write request: %w", err)
	}

	out := make(chan Sample, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			switch frame.Kind {
			case protocol.KindPeerLatencySample:
				var pf protocol.PeerLatencyFrame
				if err := protocol.Decode(frame.Body, &pf); err != nil {
					continue
				}
				select {
				case out <- Sample{Seq: pf.Seq, SentUs: pf.SentUs, ReceivedRemoteUs: pf.ReceivedRemote}:
				case <-ctx.Done():
					return
				}
			case protocol.KindDone:
				return
			case protocol.KindError:
				return
			}
		}
	}()
	return out, nil
}
