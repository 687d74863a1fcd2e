package peerlatency

import (
	"context"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/crusader-net/crusader/internal/latency"
	"github.com/crusader-net/crusader/internal/simulation"
	"github.com/crusader-net/crusader/pkg/protocol"
)

func TestRequestReceivesSamples(t *testing.T) {
	targetConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetConn.Close()

	echoCtx, echoCancel := context.WithCancel(context.Background())
	defer echoCancel()
	go latency.EchoResponder(echoCtx, targetConn, func() int64 { return time.Now().UnixMicro() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	defer ln.Close()

	peerDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peerDone <- err
			return
		}
		defer conn.Close()
		peerDone <- ServePeer(context.Background(), conn, func() int64 { return time.Now().UnixMicro() })
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	samples, err := Request(ctx, clientConn, "127.0.0.1", uint16(targetAddr.Port), uint64((500 * time.Millisecond).Microseconds()), uint64((10 * time.Millisecond).Microseconds()))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var got []Sample
	for s := range samples {
		got = append(got, s)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one peer latency sample")
	}
	for _, s := range got {
		if s.ReceivedRemoteUs == nil {
			t.Errorf("seq %d: expected echo over loopback, got loss", s.Seq)
		}
	}
}

// TestRequestWithInjectedLoss covers S6: a peer latency run against a
// target whose replies are dropped 10% of the time should come back with
// a matching share of samples carrying no ReceivedRemoteUs, while seq
// stays dense (loss is a missing echo, not a missing send).
func TestRequestWithInjectedLoss(t *testing.T) {
	rawTarget, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer rawTarget.Close()
	lossyTarget := simulation.NewSeededLossyPacketConn(rawTarget, 0.10, 42)

	echoCtx, echoCancel := context.WithCancel(context.Background())
	defer echoCancel()
	go latency.EchoResponder(echoCtx, lossyTarget, func() int64 { return time.Now().UnixMicro() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ServePeer(context.Background(), conn, func() int64 { return time.Now().UnixMicro() })
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	targetAddr := rawTarget.LocalAddr().(*net.UDPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	samples, err := Request(ctx, clientConn, "127.0.0.1", uint16(targetAddr.Port), uint64((2*time.Second).Microseconds()), uint64((10*time.Millisecond).Microseconds()))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var got []Sample
	for s := range samples {
		got = append(got, s)
	}
	if len(got) < 50 {
		t.Fatalf("expected at least 50 samples over 2s at 10ms interval, got %d", len(got))
	}
	// Samples arrive in completion order (lost pings are flushed last), so
	// density is checked in seq order.
	sort.Slice(got, func(i, j int) bool { return got[i].Seq < got[j].Seq })
	for i, s := range got {
		if s.Seq != uint64(i) {
			t.Fatalf("sample %d has seq %d, want dense sequence", i, s.Seq)
		}
	}
	var lost int
	for _, s := range got {
		if s.ReceivedRemoteUs == nil {
			lost++
		}
	}
	lossPct := float64(lost) / float64(len(got))
	if lossPct <= 0 || lossPct > 0.30 {
		t.Errorf("observed loss %.1f%%, expected roughly 10%% (allowing slack for a short run)", lossPct*100)
	}
}

func TestSecondStartPeerLatencyRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	defer ln.Close()

	targetConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetConn.Close()
	go latency.EchoResponder(context.Background(), targetConn, func() int64 { return time.Now().UnixMicro() })
	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ServePeer(context.Background(), conn, func() int64 { return time.Now().UnixMicro() })
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	longDuration := uint64((1 * time.Second).Microseconds())
	if err := protocol.WriteFrame(clientConn, protocol.KindStartPeerLatency, protocol.StartPeerLatency{
		TargetHost: "127.0.0.1", TargetPort: uint16(targetAddr.Port), DurationUs: longDuration, IntervalUs: uint64((20 * time.Millisecond).Microseconds()),
	}); err != nil {
		t.Fatalf("write first request: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := protocol.WriteFrame(clientConn, protocol.KindStartPeerLatency, protocol.StartPeerLatency{
		TargetHost: "127.0.0.1", TargetPort: uint16(targetAddr.Port), DurationUs: longDuration, IntervalUs: uint64((20 * time.Millisecond).Microseconds()),
	}); err != nil {
		t.Fatalf("write second request: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawError := false
	for i := 0; i < 50; i++ {
		frame, err := protocol.ReadFrame(clientConn)
		if err != nil {
			break
		}
		if frame.Kind == protocol.KindError {
			var em protocol.ErrorMessage
			if err := protocol.Decode(frame.Body, &em); err == nil && em.Text == ErrBusy.Error() {
				sawError = true
				break
			}
		}
	}
	if !sawError {
		t.Fatal("expected an error frame rejecting the second StartPeerLatency")
	}
}
