// Package discovery implements the raw UDP broadcast used to locate a
// Crusader server on the local network when no address was configured,
// plus an additive mDNS advertisement for LANs that support it.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// broadcastMagic tags a discovery packet so a server sharing the port
// with other UDP traffic (the latency echo responder) can tell them
// apart before touching protocol.LatencyPacket decoding.
const broadcastMagic uint64 = protocol.HelloMagic

const (
	kindHello = 1
	kindReply = 2
)

// helloPacketSize: magic(8) + kind(1) + port(2) + protocol(4).
const helloPacketSize = 8 + 1 + 2 + 4

// Hello is the client's broadcast probe.
type Hello struct {
	Port     uint16
	Protocol uint32
}

// Reply is a server's answer to a Hello.
type Reply struct {
	Hostname string
	Protocol uint32
}

func marshalHello(h Hello) []byte {
	buf := make([]byte, helloPacketSize)
	binary.LittleEndian.PutUint64(buf[0:8], broadcastMagic)
	buf[8] = kindHello
	binary.LittleEndian.PutUint16(buf[9:11], h.Port)
	binary.LittleEndian.PutUint32(buf[11:15], h.Protocol)
	return buf
}

func unmarshalHello(b []byte) (Hello, bool) {
	if len(b) != helloPacketSize || binary.LittleEndian.Uint64(b[0:8]) != broadcastMagic || b[8] != kindHello {
		return Hello{}, false
	}
	return Hello{
		Port:     binary.LittleEndian.Uint16(b[9:11]),
		Protocol: binary.LittleEndian.Uint32(b[11:15]),
	}, true
}

func marshalReply(r Reply) []byte {
	host := []byte(r.Hostname)
	buf := make([]byte, 8+1+2+4+len(host))
	binary.LittleEndian.PutUint64(buf[0:8], broadcastMagic)
	buf[8] = kindReply
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(host)))
	binary.LittleEndian.PutUint32(buf[11:15], r.Protocol)
	copy(buf[15:], host)
	return buf
}

func unmarshalReply(b []byte) (Reply, bool) {
	if len(b) < 15 || binary.LittleEndian.Uint64(b[0:8]) != broadcastMagic || b[8] != kindReply {
		return Reply{}, false
	}
	hostLen := int(binary.LittleEndian.Uint16(b[9:11]))
	if len(b) != 15+hostLen {
		return Reply{}, false
	}
	return Reply{
		Hostname: string(b[15 : 15+hostLen]),
		Protocol: binary.LittleEndian.Uint32(b[11:15]),
	}, true
}

// Listen runs a server-side discovery responder on port bound to every
// interface, replying to every well-formed Hello with a Reply carrying
// this host's name. It runs until ctx is cancelled.
func Listen(ctx context.Context, port uint16) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("discovery: read: %w", err)
		}
		hello, ok := unmarshalHello(buf[:n])
		if !ok || hello.Protocol != protocol.ProtocolVersion {
			continue
		}
		reply := marshalReply(Reply{Hostname: hostname, Protocol: protocol.ProtocolVersion})
		if _, err := conn.WriteToUDP(reply, addr); err != nil {
			return fmt.Errorf("discovery: write reply: %w", err)
		}
	}
}

// Found is one discovered server.
type Found struct {
	Addr     *net.UDPAddr
	Hostname string
}

// Discover broadcasts a Hello on port to the limited broadcast address
// (255.255.255.255), repeating every 300ms, and returns the first Reply
// received before ctx is done or, without a ctx deadline, within 3s.
func Discover(ctx context.Context, port uint16) (Found, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return Found{}, fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()
	if err := enableBroadcast(conn); err != nil {
		return Found{}, fmt.Errorf("discovery: enable broadcast: %w", err)
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: int(port)}
	req := marshalHello(Hello{Port: port, Protocol: protocol.ProtocolVersion})

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}

	buf := make([]byte, 1500)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP(req, dst); err != nil {
			return Found{}, fmt.Errorf("discovery: broadcast: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err == nil {
			if reply, ok := unmarshalReply(buf[:n]); ok && reply.Protocol == protocol.ProtocolVersion {
				return Found{Addr: &net.UDPAddr{IP: addr.IP, Port: int(port)}, Hostname: reply.Hostname}, nil
			}
		}
		select {
		case <-ctx.Done():
			return Found{}, fmt.Errorf("discovery: no server found: %w", ctx.Err())
		default:
		}
		if time.Now().After(deadline) {
			return Found{}, fmt.Errorf("discovery: no server found before deadline")
		}
		<-ticker.C
	}
}
