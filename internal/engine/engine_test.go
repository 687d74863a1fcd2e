package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/crusader-net/crusader/internal/latency"
	"github.com/crusader-net/crusader/internal/result"
	"github.com/crusader-net/crusader/internal/session"
	"github.com/crusader-net/crusader/pkg/protocol"
)

func testClock() func() int64 {
	start := time.Now()
	return func() int64 { return time.Since(start).Microseconds() }
}

// startTestServer binds a TCP control/load listener and a UDP latency
// responder on the same port, following the teacher's pattern of
// spinning up both ends of the protocol in a single test process.
func startTestServer(t *testing.T) (addr *net.UDPAddr, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		ln.Close()
		t.Fatalf("listen udp: %v", err)
	}

	fleet := session.NewFleet()
	clock := testClock()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go session.HandleConnection(ctx, fleet, conn, clock)
		}
	}()
	go latency.EchoResponder(ctx, udpConn, clock)

	stop = func() {
		cancel()
		ln.Close()
		udpConn.Close()
	}
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, stop
}

func baseConfig(addr *net.UDPAddr) result.Config {
	return result.Config{
		Download:                 true,
		Streams:                  2,
		LoadDuration:             500 * time.Millisecond,
		GraceDuration:            100 * time.Millisecond,
		LatencySampleInterval:    10 * time.Millisecond,
		ThroughputSampleInterval: 50 * time.Millisecond,
		Server:                   &result.Endpoint{Host: addr.IP.String(), Port: uint16(addr.Port)},
		Port:                     uint16(addr.Port),
	}
}

func TestRunDownloadOnly(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cfg := baseConfig(addr)
	res, err := Run(context.Background(), cfg, testClock())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ids := res.StreamIds(); len(ids) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(ids))
	}
	if len(res.Latency) == 0 {
		t.Fatal("expected latency samples")
	}
	for _, id := range res.StreamIds() {
		var maxBytes uint64
		for _, s := range res.Throughput {
			if s.StreamId == id && s.BytesCumulative > maxBytes {
				maxBytes = s.BytesCumulative
			}
		}
		if maxBytes == 0 {
			t.Errorf("stream %d: expected nonzero bytes", id)
		}
	}
}

func TestRunBidirectional(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cfg := baseConfig(addr)
	cfg.Upload = true
	cfg.Bidirectional = true

	res, err := Run(context.Background(), cfg, testClock())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Throughput) == 0 {
		t.Error("expected client-side (download) throughput samples")
	}
	if len(res.ServerThroughput) == 0 {
		t.Error("expected server-side (upload) throughput samples")
	}
}

func TestRunProtocolMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := protocol.ReadFrame(conn)
		if err != nil || frame.Kind != protocol.KindHello {
			return
		}
		protocol.WriteFrame(conn, protocol.KindHello, protocol.Hello{Magic: protocol.HelloMagic, Protocol: protocol.ProtocolVersion + 1})
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := result.Config{
		Download: true, Streams: 1,
		LoadDuration: time.Second, GraceDuration: 100 * time.Millisecond,
		LatencySampleInterval: 10 * time.Millisecond, ThroughputSampleInterval: 50 * time.Millisecond,
		Server: &result.Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)},
	}

	start := time.Now()
	_, err = Run(context.Background(), cfg, testClock())
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected protocol mismatch error")
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("expected mismatch detection under 200ms, took %v", elapsed)
	}
}

// TestRunStreamEndsEarlyIsReportedAsShort exercises a mid-test server-side
// close on one download stream: the affected stream's final
// bytes_cumulative stays well short of a full-duration stream's, the
// other stream still completes normally, and the early EOF marks the
// whole result Partial.
func TestRunStreamEndsEarlyIsReportedAsShort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()

	fleet := session.NewFleet()
	clock := testClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				frame, err := protocol.ReadFrame(c)
				if err != nil {
					return
				}
				if frame.Kind == protocol.KindAssociateLoad {
					var msg protocol.AssociateLoad
					if protocol.Decode(frame.Body, &msg) == nil && msg.Group == 1 {
						time.AfterFunc(150*time.Millisecond, func() { c.Close() })
					}
				}
				session.HandleConnectionWithFirstFrame(ctx, fleet, c, clock, frame)
			}(conn)
		}
	}()
	go latency.EchoResponder(ctx, udpConn, clock)

	cfg := baseConfig(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	cfg.Streams = 2
	cfg.LoadDuration = 500 * time.Millisecond

	res, err := Run(context.Background(), cfg, testClock())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	maxByStream := map[uint32]uint64{}
	for _, s := range res.Throughput {
		if s.BytesCumulative > maxByStream[s.StreamId] {
			maxByStream[s.StreamId] = s.BytesCumulative
		}
	}
	if maxByStream[1] >= maxByStream[0] {
		t.Errorf("expected stream 1 (closed early) to transfer less than stream 0: stream0=%d stream1=%d", maxByStream[0], maxByStream[1])
	}
	if !res.Partial {
		t.Error("expected Partial=true from the mid-test stream close")
	}
}

// TestRunSequentialPhasesDoNotOverlap exercises the non-bidirectional
// download+upload case: per §4.5 the two directions run one after another
// with an idle gap between them, not together. The download stream's last
// sample and the upload stream's first sample should land on either side
// of that gap rather than interleaved.
func TestRunSequentialPhasesDoNotOverlap(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cfg := baseConfig(addr)
	cfg.Upload = true
	cfg.Streams = 1
	cfg.LoadDuration = 200 * time.Millisecond
	cfg.GraceDuration = 50 * time.Millisecond

	res, err := Run(context.Background(), cfg, testClock())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Throughput) == 0 {
		t.Fatal("expected download-phase throughput samples")
	}
	if len(res.ServerThroughput) == 0 {
		t.Fatal("expected upload-phase throughput samples")
	}

	var lastDownUs, firstUpUs int64
	for _, s := range res.Throughput {
		if s.TimeUs > lastDownUs {
			lastDownUs = s.TimeUs
		}
	}
	firstUpUs = res.ServerThroughput[0].TimeUs
	for _, s := range res.ServerThroughput {
		if s.TimeUs < firstUpUs {
			firstUpUs = s.TimeUs
		}
	}

	if gap := firstUpUs - lastDownUs; gap < time.Second.Microseconds() {
		t.Errorf("expected the download and upload phases to be at least 1s apart (idle gap is 2s), got %v", time.Duration(gap)*time.Microsecond)
	}
}

func TestRunRoundTripThroughSaveLoad(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	cfg := baseConfig(addr)
	res, err := Run(context.Background(), cfg, testClock())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	encoded1, err := result.Marshal(res, result.CodecZstd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := result.Unmarshal(encoded1)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	encoded2, err := result.Marshal(decoded, result.CodecZstd)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if len(encoded1) != len(encoded2) {
		t.Fatalf("round-trip byte length mismatch: %d vs %d", len(encoded1), len(encoded2))
	}
}
