package protocol

// Direction identifies which way bytes flow on a load stream.
type Direction uint8

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// TestId associates every message and stream of one test run.
type TestId uint64

// Hello is exchanged first, in both directions, on every fresh control
// connection. A protocol mismatch is fatal and precedes any test state.
type Hello struct {
	Magic    uint64 `cbor:"1,keyasint"`
	Protocol uint32 `cbor:"2,keyasint"`
}

// NewClient requests allocation of a TestId.
type NewClient struct{}

// NewClientResponse is the server's reply to NewClient. Overload true
// means the client must abort without retry.
type NewClientResponse struct {
	Id       TestId `cbor:"1,keyasint"`
	Overload bool   `cbor:"2,keyasint"`
}

// AssociateLoad binds a freshly dialed TCP connection to an existing test
// before any bytes flow on it.
type AssociateLoad struct {
	Id        TestId    `cbor:"1,keyasint"`
	Group     uint32    `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
}

// LoadFromServer instructs the server to begin sending bytes on stream.
type LoadFromServer struct {
	Stream     uint32 `cbor:"1,keyasint"`
	DurationUs uint64 `cbor:"2,keyasint"`
}

// LoadFromClient reserves stream as an upload sink.
type LoadFromClient struct {
	Stream               uint32 `cbor:"1,keyasint"`
	BandwidthIntervalUs  uint64 `cbor:"2,keyasint"`
}

// GetMeasurements requests the server's recorded throughput samples. The
// server replies with a ServerMeasurement frame per sample, then Done.
type GetMeasurements struct{}

// ServerMeasurement is one server-side throughput sample, already in the
// server's own clock (the client must translate with its sync offset).
type ServerMeasurement struct {
	Stream uint32 `cbor:"1,keyasint"`
	TimeUs int64  `cbor:"2,keyasint"`
	Bytes  uint64 `cbor:"3,keyasint"`
}

// Done terminates a GetMeasurements stream of ServerMeasurement frames.
type Done struct{}

// ScheduledLoads tells the server when (in the server's own clock, already
// translated by the client) to start producing download bytes, and for
// how long.
type ScheduledLoads struct {
	StartAtUs  int64  `cbor:"1,keyasint"`
	DurationUs uint64 `cbor:"2,keyasint"`
}

// StopMeasurements transitions the server session to drain-and-report.
type StopMeasurements struct{}

// StartPeerLatency asks a peer-latency server to begin measuring latency
// to target independently of the client's own latency channel.
type StartPeerLatency struct {
	TargetHost string `cbor:"1,keyasint"`
	TargetPort uint16 `cbor:"2,keyasint"`
	DurationUs uint64 `cbor:"3,keyasint"`
	IntervalUs uint64 `cbor:"4,keyasint"`
}

// PeerLatencyFrame wraps one PeerLatencySample for the control channel
// between peer and client.
type PeerLatencyFrame struct {
	Seq            uint64 `cbor:"1,keyasint"`
	SentUs         int64  `cbor:"2,keyasint"`
	ReceivedRemote *int64 `cbor:"3,keyasint,omitempty"`
}

// ErrorMessage reports a protocol-level error to the peer, such as a
// rejected request. Sending it does not by itself close the connection.
type ErrorMessage struct {
	Text string `cbor:"1,keyasint"`
}

// Timestamp is one leg of a time-sync round trip, sent by the client.
type Timestamp struct {
	Id         uint32 `cbor:"1,keyasint"`
	ClientTime int64  `cbor:"2,keyasint"`
}

// TimestampEcho is the server's immediate reply to Timestamp.
type TimestampEcho struct {
	Id         uint32 `cbor:"1,keyasint"`
	ClientTime int64  `cbor:"2,keyasint"`
	ServerTime int64  `cbor:"3,keyasint"`
}
