package timesync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// The test drives Sync over net.Pipe directly: net.Pipe conns implement
// SetReadDeadline, which is all Sync needs from a TCP connection.

func TestSyncEstimatesSmallOffset(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	const serverOffset = int64(5000) // server clock is 5ms ahead, in microseconds
	serverClock := func() int64 { return nowMicros() + serverOffset }

	go func() {
		for {
			frame, err := protocol.ReadFrame(serverConn)
			if err != nil {
				return
			}
			if frame.Kind != protocol.KindTimestamp {
				continue
			}
			var ts protocol.Timestamp
			if err := protocol.Decode(frame.Body, &ts); err != nil {
				return
			}
			if err := EchoServer(serverConn, ts, serverClock); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	offset, err := Sync(ctx, clientConn, nowMicros)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// The estimated offset should be within a few ms of the injected skew;
	// net.Pipe has near-zero latency so this is a tight bound.
	diff := offset.MicrosOffset - serverOffset
	if diff < -2000 || diff > 2000 {
		t.Fatalf("offset = %dus, want close to %dus (diff %dus)", offset.MicrosOffset, serverOffset, diff)
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
