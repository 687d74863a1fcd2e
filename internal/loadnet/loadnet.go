// Package loadnet drives the bulk-data TCP load streams: reading and
// sampling throughput on one end, writing an unpaced pattern buffer on
// the other. The same two primitives serve both client and server,
// whichever end is the reader for a given stream direction.
package loadnet

import (
	"context"
	"io"
	"math/rand"
	"net"
	"time"
)

// PatternSize is the size of the reusable send-side buffer.
const PatternSize = 1 << 20 // 1 MiB

// NewPattern returns a PatternSize buffer of deterministic pseudo-random
// bytes. Reusing one buffer per stream avoids per-write allocation; the
// seed only needs to make two streams of the same test distinguishable
// for debugging, not to be cryptographically unpredictable.
func NewPattern(seed int64) []byte {
	buf := make([]byte, PatternSize)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// Sample is one (time, cumulative bytes) throughput observation for a
// single stream, already in the observer's own clock.
type Sample struct {
	TimeUs          int64
	BytesCumulative uint64
}

const readChunk = 64 * 1024
const socketPollInterval = 200 * time.Millisecond

// ReadAndSample reads from conn until EOF, ctx cancellation, or a
// non-timeout error, invoking sink at least once per interval while data
// is flowing (more often is fine; the caller down-samples). It returns
// the total bytes read.
func ReadAndSample(ctx context.Context, conn net.Conn, interval time.Duration, nowUs func() int64, sink func(Sample)) (uint64, error) {
	buf := make([]byte, readChunk)
	var cumulative uint64
	var lastSample time.Time

	for {
		select {
		case <-ctx.Done():
			return cumulative, ctx.Err()
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			cumulative += uint64(n)
			if lastSample.IsZero() || time.Since(lastSample) >= interval {
				sink(Sample{TimeUs: nowUs(), BytesCumulative: cumulative})
				lastSample = time.Now()
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				// The caller's ctx is only cancelled at the phase's own
				// duration boundary, so a live EOF here always means the
				// peer closed the stream before that boundary arrived, not
				// a clean end of test: the caller surfaces this as a
				// stream failure (see ctx.Err() == nil checks at call
				// sites) rather than swallowing it.
				sink(Sample{TimeUs: nowUs(), BytesCumulative: cumulative})
				return cumulative, err
			}
			return cumulative, err
		}
	}
}

// WriteContinuous writes pattern to conn in a loop until ctx is done or a
// non-timeout error occurs. It never paces itself: throughput is bounded
// purely by how fast the socket accepts writes, i.e. by the path's TCP
// congestion control.
func WriteContinuous(ctx context.Context, conn net.Conn, pattern []byte) (uint64, error) {
	var total uint64
	for {
		select {
		case <-ctx.Done():
			return total, nil
		default:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(socketPollInterval))
		n, err := conn.Write(pattern)
		total += uint64(n)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return total, err
		}
	}
}
