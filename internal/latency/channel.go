// Package latency drives the UDP latency side-channel: a dense stream of
// timestamped pings from client to server, echoed immediately, used to
// sample round-trip time and one-way loss across the test window.
package latency

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// LossTimeout is how long the client waits for an echo before declaring a
// ping lost.
const LossTimeout = 2 * time.Second

// Sample is one completed (or lost) ping/echo round trip, already
// translated into the client's timeline.
type Sample struct {
	Seq              uint64
	SentUs           int64
	ReceivedRemoteUs *int64
	ReceivedBackUs   *int64
}

type pendingPing struct {
	sentUs int64
	sentAt time.Time
}

// Channel drives the client side of the latency side-channel over a
// single UDP socket.
type Channel struct {
	conn     net.PacketConn
	remote   net.Addr
	interval time.Duration
	nowUs    func() int64 // signed client-virtual microseconds from t=0
	toLocal  func(serverUs int64) int64

	mu      sync.Mutex
	pending map[uint64]pendingPing
	nextSeq uint64
}

// NewChannel builds a latency Channel. toLocal translates a server-origin
// microsecond timestamp into the client's timeline (typically
// timesync.Offset.RemoteToLocal).
func NewChannel(conn net.PacketConn, remote net.Addr, interval time.Duration, nowUs func() int64, toLocal func(int64) int64) *Channel {
	return &Channel{
		conn:     conn,
		remote:   remote,
		interval: interval,
		nowUs:    nowUs,
		toLocal:  toLocal,
		pending:  make(map[uint64]pendingPing),
	}
}

// Run sends pings at Channel's interval while nowUs() is within
// [startUs, endUs], then waits out LossTimeout for stragglers before
// flushing every still-pending ping as lost. Every sent ping, answered or
// not, produces exactly one Sample on out, but in completion order (an
// echo that comes back quickly can overtake an earlier ping still
// waiting out LossTimeout), not send order; seq is dense from 0, so the
// caller sorts by Seq to restore send-order density (see engine.go's
// aggregate step).
func (c *Channel) Run(ctx context.Context, startUs, endUs int64, out chan<- Sample) error {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(readCtx, out)
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flushLost(out)
			<-readDone
			return ctx.Err()
		case <-ticker.C:
			now := c.nowUs()
			if now < startUs {
				continue
			}
			if now > endUs {
				goto drain
			}
			c.send(now)
		}
	}

drain:
	reapTicker := time.NewTicker(50 * time.Millisecond)
	defer reapTicker.Stop()
	deadline := time.Now().Add(LossTimeout)
	for {
		c.reapExpired(out)
		if c.pendingCount() == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			cancelRead()
			<-readDone
			c.flushLost(out)
			return ctx.Err()
		case <-reapTicker.C:
		}
	}
	cancelRead()
	<-readDone
	c.flushLost(out)
	return nil
}

func (c *Channel) send(nowUs int64) {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.pending[seq] = pendingPing{sentUs: nowUs, sentAt: time.Now()}
	c.mu.Unlock()

	pkt := protocol.LatencyPacket{Seq: seq, ClientSendUs: nowUs, ServerRecvUs: 0}
	raw := pkt.Marshal()
	_, _ = c.conn.WriteTo(raw[:], c.remote)
}

func (c *Channel) readLoop(ctx context.Context, out chan<- Sample) {
	buf := make([]byte, protocol.LatencyPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		pkt, err := protocol.UnmarshalLatencyPacket(buf[:n])
		if err != nil {
			continue
		}
		if pkt.ServerRecvUs == 0 {
			// Echo arrived without a server receive stamp: a server-side
			// duplicate of the outbound leg, not a real echo. Ignore it;
			// the real echo (or the loss timeout) resolves this seq.
			continue
		}

		c.mu.Lock()
		pending, ok := c.pending[pkt.Seq]
		if ok {
			delete(c.pending, pkt.Seq)
		}
		c.mu.Unlock()
		if !ok {
			continue // already reaped as lost, or a stray duplicate
		}

		remote := c.toLocal(pkt.ServerRecvUs)
		back := c.nowUs()
		out <- Sample{
			Seq:              pkt.Seq,
			SentUs:           pending.sentUs,
			ReceivedRemoteUs: &remote,
			ReceivedBackUs:   &back,
		}
	}
}

func (c *Channel) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// reapExpired emits a lost Sample for every pending ping older than
// LossTimeout.
func (c *Channel) reapExpired(out chan<- Sample) {
	now := time.Now()
	type expiredPing struct {
		seq uint64
		p   pendingPing
	}
	c.mu.Lock()
	var expired []expiredPing
	for seq, p := range c.pending {
		if now.Sub(p.sentAt) >= LossTimeout {
			expired = append(expired, expiredPing{seq, p})
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		out <- Sample{Seq: e.seq, SentUs: e.p.sentUs}
	}
}

// flushLost emits a lost Sample for every ping still pending when the
// test ends, regardless of age.
func (c *Channel) flushLost(out chan<- Sample) {
	c.mu.Lock()
	remaining := c.pending
	c.pending = make(map[uint64]pendingPing)
	c.mu.Unlock()

	for seq, p := range remaining {
		out <- Sample{Seq: seq, SentUs: p.sentUs}
	}
}
