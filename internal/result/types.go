// Package result defines the canonical Crusader test configuration and
// the frozen RawResult produced at the end of a test, along with the
// compressed on-disk .crr encoding.
package result

import (
	"time"

	"github.com/crusader-net/crusader/pkg/protocol"
)

// Endpoint is a host/port pair. A nil *Endpoint means "unset" (e.g. no
// peer-latency server configured, or the server address to be discovered
// on the local network).
type Endpoint struct {
	Host string `cbor:"1,keyasint"`
	Port uint16 `cbor:"2,keyasint"`
}

// Config is the immutable configuration for one test run, matching the
// spec's data model exactly (§3).
type Config struct {
	Download                 bool          `cbor:"1,keyasint"`
	Upload                   bool          `cbor:"2,keyasint"`
	Bidirectional            bool          `cbor:"3,keyasint"`
	Streams                  uint32        `cbor:"4,keyasint"`
	StreamStagger            time.Duration `cbor:"5,keyasint"`
	LoadDuration             time.Duration `cbor:"6,keyasint"`
	GraceDuration            time.Duration `cbor:"7,keyasint"`
	LatencySampleInterval    time.Duration `cbor:"8,keyasint"`
	ThroughputSampleInterval time.Duration `cbor:"9,keyasint"`
	Server                   *Endpoint     `cbor:"10,keyasint,omitempty"`
	LatencyPeerServer        *Endpoint     `cbor:"11,keyasint,omitempty"`
	Port                     uint16        `cbor:"12,keyasint"`
}

// Equal compares two configs modulo normalization of nil vs. zero-value
// endpoints (spec §8.5's "config echo" property).
func (c Config) Equal(o Config) bool {
	norm := func(e *Endpoint) Endpoint {
		if e == nil {
			return Endpoint{}
		}
		return *e
	}
	return c.Download == o.Download &&
		c.Upload == o.Upload &&
		c.Bidirectional == o.Bidirectional &&
		c.Streams == o.Streams &&
		c.StreamStagger == o.StreamStagger &&
		c.LoadDuration == o.LoadDuration &&
		c.GraceDuration == o.GraceDuration &&
		c.LatencySampleInterval == o.LatencySampleInterval &&
		c.ThroughputSampleInterval == o.ThroughputSampleInterval &&
		norm(c.Server) == norm(o.Server) &&
		norm(c.LatencyPeerServer) == norm(o.LatencyPeerServer) &&
		c.Port == o.Port
}

// ThroughputSample is one cumulative-bytes observation for a single
// stream, in the client's timeline.
type ThroughputSample struct {
	TimeUs          int64             `cbor:"1,keyasint"`
	BytesCumulative uint64            `cbor:"2,keyasint"`
	StreamId        uint32            `cbor:"3,keyasint"`
	Direction       protocol.Direction `cbor:"4,keyasint"`
}

// LatencySample is one ping/echo round trip on the primary latency
// channel. A nil ReceivedRemoteUs or ReceivedBackUs denotes loss on that
// leg.
type LatencySample struct {
	SentUs           int64  `cbor:"1,keyasint"`
	ReceivedRemoteUs *int64 `cbor:"2,keyasint,omitempty"`
	ReceivedBackUs   *int64 `cbor:"3,keyasint,omitempty"`
	Seq              uint64 `cbor:"4,keyasint"`
}

// PeerLatencySample is one ping/echo round trip measured by the optional
// peer host against the server, independent of the client's own channel.
type PeerLatencySample struct {
	SentUs           int64  `cbor:"1,keyasint"`
	ReceivedRemoteUs *int64 `cbor:"2,keyasint,omitempty"`
	Seq              uint64 `cbor:"3,keyasint"`
}

// RawResult is the canonical, pure-data record of one completed (or
// aborted) test.
type RawResult struct {
	ProtocolVersion  uint32              `cbor:"1,keyasint"`
	Config           Config              `cbor:"2,keyasint"`
	ServerHostname   string              `cbor:"3,keyasint"`
	ClientHostname   string              `cbor:"4,keyasint"`
	SyncResidualUs   int64               `cbor:"5,keyasint"`
	Latency          []LatencySample     `cbor:"6,keyasint"`
	PeerLatency      []PeerLatencySample `cbor:"7,keyasint"`
	Throughput       []ThroughputSample  `cbor:"8,keyasint"`
	ServerThroughput []ThroughputSample  `cbor:"9,keyasint"`
	Partial          bool                `cbor:"10,keyasint"`
	LateStart        bool                `cbor:"11,keyasint"`
}

// StreamIds returns the distinct stream ids present in Throughput, in
// first-seen order.
func (r *RawResult) StreamIds() []uint32 {
	seen := make(map[uint32]bool)
	var ids []uint32
	for _, s := range r.Throughput {
		if !seen[s.StreamId] {
			seen[s.StreamId] = true
			ids = append(ids, s.StreamId)
		}
	}
	return ids
}
