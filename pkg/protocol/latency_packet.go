package protocol

import (
	"encoding/binary"
	"fmt"
)

// LatencyPacketSize is the fixed wire size of a latency UDP packet: it
// never changes size between the client's send and the server's echo, so
// the receiver can always read exactly this many bytes.
const LatencyPacketSize = 24

// LatencyPacket is the UDP side-channel ping/echo payload. ServerRecvUs is
// zero on the client->server leg and filled in by the server's echo.
type LatencyPacket struct {
	Seq          uint64
	ClientSendUs int64
	ServerRecvUs int64
}

// Marshal writes the packet into a fixed 24-byte buffer.
func (p LatencyPacket) Marshal() [LatencyPacketSize]byte {
	var b [LatencyPacketSize]byte
	binary.LittleEndian.PutUint64(b[0:8], p.Seq)
	binary.LittleEndian.PutUint64(b[8:16], uint64(p.ClientSendUs))
	binary.LittleEndian.PutUint64(b[16:24], uint64(p.ServerRecvUs))
	return b
}

// UnmarshalLatencyPacket parses a fixed 24-byte UDP payload.
func UnmarshalLatencyPacket(b []byte) (LatencyPacket, error) {
	if len(b) != LatencyPacketSize {
		return LatencyPacket{}, fmt.Errorf("protocol: latency packet has %d bytes, want %d", len(b), LatencyPacketSize)
	}
	return LatencyPacket{
		Seq:          binary.LittleEndian.Uint64(b[0:8]),
		ClientSendUs: int64(binary.LittleEndian.Uint64(b[8:16])),
		ServerRecvUs: int64(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}
