// Package simulation wraps a real net.PacketConn with injected packet
// loss, used to exercise the latency and peer-latency channels' loss
// classification deterministically rather than relying on real network
// jitter.
package simulation

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// LossyPacketConn drops outbound packets with probability lossRate
// (0.0-1.0), and never delays them: for Crusader's purposes what matters
// is whether a ping is lost, not how late a surviving one is.
type LossyPacketConn struct {
	net.PacketConn
	mu       sync.Mutex
	lossRate float64
	rng      *rand.Rand
}

// NewLossyPacketConn wraps c, dropping outbound packets at lossRate.
func NewLossyPacketConn(c net.PacketConn, lossRate float64) *LossyPacketConn {
	return &LossyPacketConn{PacketConn: c, lossRate: lossRate, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewSeededLossyPacketConn is NewLossyPacketConn with a caller-supplied
// seed, for tests that want a reproducible loss pattern.
func NewSeededLossyPacketConn(c net.PacketConn, lossRate float64, seed int64) *LossyPacketConn {
	return &LossyPacketConn{PacketConn: c, lossRate: lossRate, rng: rand.New(rand.NewSource(seed))}
}

// SetLossRate adjusts the loss probability at runtime.
func (c *LossyPacketConn) SetLossRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossRate = rate
}

// WriteTo drops the packet (reporting success to the caller, as a real
// dropped UDP datagram would) with probability lossRate; otherwise it
// writes through unchanged.
func (c *LossyPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	drop := c.rng.Float64() < c.lossRate
	c.mu.Unlock()

	if drop {
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}
