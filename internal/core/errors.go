// Package core is the library surface of Crusader: Serve, RunTest, Load,
// and Save, wiring the session, engine, and result packages into the
// four operations a caller (the CLI, or an embedder) actually needs.
package core

import "errors"

// Sentinel errors surfaced by the core, one per error kind. Call sites
// wrap these with fmt.Errorf("...: %w", ...) so errors.Is still matches
// after context is added.
var (
	// ErrProtocolMismatch is returned when the peer's Hello carries a
	// different protocol version. Fatal; reported to the user.
	ErrProtocolMismatch = errors.New("core: protocol version mismatch")

	// ErrServerOverload is returned when the server refuses a new test
	// with NewClientResponse.Overload. Fatal.
	ErrServerOverload = errors.New("core: server refused test, overloaded")

	// ErrSyncFailed is returned when fewer than 20 time-sync round trips
	// complete within 3s. Fatal.
	ErrSyncFailed = errors.New("core: time sync failed")

	// ErrAssociationTimeout is returned when one or more load streams
	// fail to associate within 5s of dialing. Fatal; partial result
	// discarded.
	ErrAssociationTimeout = errors.New("core: load stream association timed out")

	// ErrStreamLoss indicates one or more load streams closed mid-test.
	// Non-fatal: the engine returns a result with partial=true.
	ErrStreamLoss = errors.New("core: one or more load streams lost")

	// ErrLatencyTimeout indicates no UDP echoes arrived for the entire
	// test. Fatal.
	ErrLatencyTimeout = errors.New("core: no latency echoes received")

	// ErrIO wraps an underlying socket or file failure encountered during
	// a non-critical phase.
	ErrIO = errors.New("core: io error")

	// ErrInvalidResult indicates a .crr load failed its magic, version,
	// or codec check.
	ErrInvalidResult = errors.New("core: invalid result file")

	// ErrNotImplemented is returned by CLI collaborator verbs (remote,
	// plot) that are out of the core engine's scope.
	ErrNotImplemented = errors.New("core: not implemented")

	// ErrPeerLatencyBusy names the condition of a second StartPeerLatency
	// arriving while one is already active for a peer connection. The peer
	// itself rejects that request with peerlatency.ErrBusy; no function in
	// this package returns ErrPeerLatencyBusy.
	ErrPeerLatencyBusy = errors.New("core: peer latency already active")
)
