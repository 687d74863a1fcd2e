// Package protocol implements the Crusader wire codec: the length-framed
// control channel used between client and server, and the fixed-size UDP
// latency packet format.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameLength is the largest control-frame body peers will accept.
// Frames over this size are a protocol violation, not a resource limit to
// negotiate around.
const MaxFrameLength = 16 * 1024 * 1024

// ProtocolVersion is the integer peers must agree on in Hello. Bumping it
// is how wire-incompatible changes are rolled out; there is no
// cross-version compatibility mode (spec Non-goals).
const ProtocolVersion = 1

// HelloMagic is the fixed value every Hello message must carry.
const HelloMagic uint64 = 0x5E75_1000_5E75_1000

var encMode = mustEncMode()
var decMode = mustDecMode()

func mustEncMode() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor encode options: %v", err))
	}
	return m
}

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor decode options: %v", err))
	}
	return m
}

// Kind tags each control message variant on the wire.
type Kind uint8

const (
	KindHello Kind = iota
	KindNewClient
	KindNewClientResponse
	KindAssociateLoad
	KindLoadFromServer
	KindLoadFromClient
	KindGetMeasurements
	KindServerMeasurement
	KindDone
	KindScheduledLoads
	KindStopMeasurements
	KindStartPeerLatency
	KindPeerLatencySample
	KindError
	KindTimestamp
	KindTimestampEcho
)

// WriteFrame encodes kind and body (canonical CBOR) and writes the
// length-prefixed frame: u64 little-endian length, then 1 kind byte, then
// the CBOR body.
func WriteFrame(w io.Writer, kind Kind, body interface{}) error {
	var payload []byte
	if body != nil {
		enc, err := encMode.Marshal(body)
		if err != nil {
			return fmt.Errorf("protocol: encode %v body: %w", kind, err)
		}
		payload = enc
	}
	length := uint64(1 + len(payload))
	if length > MaxFrameLength {
		return fmt.Errorf("protocol: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], length)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write frame length: %w", err)
	}
	if _, err := w.Write([]byte{byte(kind)}); err != nil {
		return fmt.Errorf("protocol: write frame kind: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("protocol: write frame body: %w", err)
		}
	}
	return nil
}

// Frame is a decoded but not yet type-asserted control message.
type Frame struct {
	Kind Kind
	Body []byte // canonical CBOR, caller decodes with Decode
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err // EOF propagates as-is so callers can detect clean close
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("protocol: empty frame (missing kind byte)")
	}
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("protocol: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("protocol: read frame body: %w", err)
	}
	return Frame{Kind: Kind(buf[0]), Body: buf[1:]}, nil
}

// Decode unmarshals a frame body into v. Unknown CBOR map keys are a hard
// decode error, not silently ignored.
func Decode(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	return decMode.Unmarshal(body, v)
}

// EncodeBytes is exposed for callers that need the raw canonical encoding
// outside of the frame codec (the on-disk result format).
func EncodeBytes(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeBytes is the strict counterpart to EncodeBytes.
func DecodeBytes(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
