// Package timesync establishes a per-connection clock offset between
// client and server using a short burst of round trips, so every
// subsequent server-produced timestamp can be translated into the
// client's monotonic timeline.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// ErrInsufficientSamples is returned when fewer than minTriples round
// trips complete within the sync window.
var ErrInsufficientSamples = errors.New("timesync: fewer than 20 round trips completed in 3s")

const (
	burstSamples  = 100
	burstWindow   = 100 * time.Millisecond
	syncTimeout   = 3 * time.Second
	minTriples    = 20
	lowRTTWeight  = 3
	lowRTTSamples = 10
)

// Offset is the result of a completed sync: subtract MicrosOffset from a
// server-origin timestamp to translate it into client time, and Residual
// bounds the uncertainty of that translation.
type Offset struct {
	MicrosOffset int64
	Residual     time.Duration
}

type triple struct {
	sendC, echoS, recvC int64
}

// Clock returns the caller's monotonic time in microseconds since an
// arbitrary epoch; both ends use their own Clock, never wall time.
type Clock func() int64

// Sync drives the client side of the burst: it sends burstSamples
// Timestamp messages spaced evenly over burstWindow and collects the
// server's echoes, translating them into a clock Offset. conn must
// support a read deadline (net.Conn does).
func Sync(ctx context.Context, conn net.Conn, clock Clock) (Offset, error) {
	triples := make([]triple, 0, burstSamples)
	writeErrCh := make(chan error, 1)

	go func() {
		interval := burstWindow / burstSamples
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := uint32(0); i < burstSamples; i++ {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			msg := protocol.Timestamp{Id: i, ClientTime: clock()}
			if err := protocol.WriteFrame(conn, protocol.KindTimestamp, msg); err != nil {
				select {
				case writeErrCh <- err:
				default:
				}
				return
			}
		}
	}()

	deadline := time.Now().Add(syncTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

collect:
	for len(triples) < burstSamples {
		select {
		case err := <-writeErrCh:
			return Offset{}, fmt.Errorf("timesync: send burst: %w", err)
		default:
		}
		if time.Now().After(deadline) {
			break collect
		}
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			break collect
		}
		if frame.Kind != protocol.KindTimestampEcho {
			continue
		}
		var echo protocol.TimestampEcho
		if err := protocol.Decode(frame.Body, &echo); err != nil {
			continue
		}
		recvC := clock()
		triples = append(triples, triple{sendC: echo.ClientTime, echoS: echo.ServerTime, recvC: recvC})
	}

	if len(triples) < minTriples {
		return Offset{}, ErrInsufficientSamples
	}
	return estimate(triples), nil
}

// EchoServer replies to a single Timestamp frame read from conn. The
// caller's frame-dispatch loop invokes this for every KindTimestamp frame
// it sees; the reply must be written before any other frame so the
// client's RTT measurement stays tight.
func EchoServer(w io.Writer, msg protocol.Timestamp, clock Clock) error {
	echo := protocol.TimestampEcho{
		Id:         msg.Id,
		ClientTime: msg.ClientTime,
		ServerTime: clock(),
	}
	return protocol.WriteFrame(w, protocol.KindTimestampEcho, echo)
}

// estimate computes the offset as a weighted median of echoS -
// (sendC+recvC)/2 across all triples, with the lowRTTSamples
// lowest-RTT triples counted lowRTTWeight times so the least
// congested samples dominate the estimate. Residual is the standard
// deviation of observed RTTs, a measure of timing uncertainty.
func estimate(triples []triple) Offset {
	type scored struct {
		offset float64
		rtt    float64
	}
	scores := make([]scored, len(triples))
	for i, t := range triples {
		scores[i] = scored{
			offset: float64(t.echoS) - float64(t.sendC+t.recvC)/2,
			rtt:    float64(t.recvC - t.sendC),
		}
	}

	byRTT := append([]scored(nil), scores...)
	sort.Slice(byRTT, func(i, j int) bool { return byRTT[i].rtt < byRTT[j].rtt })

	weighted := make([]float64, 0, len(scores)+lowRTTSamples*(lowRTTWeight-1))
	lowCut := lowRTTSamples
	if lowCut > len(byRTT) {
		lowCut = len(byRTT)
	}
	for i, s := range byRTT {
		weight := 1
		if i < lowCut {
			weight = lowRTTWeight
		}
		for w := 0; w < weight; w++ {
			weighted = append(weighted, s.offset)
		}
	}
	sort.Float64s(weighted)
	offsetUs := median(weighted)

	rtts := make([]float64, len(scores))
	for i, s := range scores {
		rtts[i] = s.rtt
	}
	residual := time.Duration(stddev(rtts)) * time.Microsecond

	return Offset{MicrosOffset: int64(math.Round(offsetUs)), Residual: residual}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// RemoteToLocal translates a server-origin microsecond timestamp into the
// client's timeline.
func (o Offset) RemoteToLocal(serverUs int64) int64 {
	return serverUs - o.MicrosOffset
}
