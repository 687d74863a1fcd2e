package latency

import (
	"context"
	"net"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// EchoResponder answers every latency packet received on conn with its
// own receive timestamp filled in. It runs until ctx is cancelled or the
// socket errors.
func EchoResponder(ctx context.Context, conn net.PacketConn, clock func() int64) error {
	buf := make([]byte, protocol.LatencyPacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if n != protocol.LatencyPacketSize {
			continue
		}
		pkt, err := protocol.UnmarshalLatencyPacket(buf[:n])
		if err != nil {
			continue
		}
		pkt.ServerRecvUs = clock()
		out := pkt.Marshal()
		if _, err := conn.WriteTo(out[:], addr); err != nil {
			return err
		}
	}
}
