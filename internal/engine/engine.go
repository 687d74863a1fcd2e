// Package engine drives one complete client-side test: connecting to a
// server, syncing clocks, dialing load streams, running the phase state
// machine, collecting both sides' samples, and aggregating them into a
// RawResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/crusader-net/crusader/internal/latency"
	"github.com/crusader-net/crusader/internal/loadnet"
	"github.com/crusader-net/crusader/internal/logging"
	"github.com/crusader-net/crusader/internal/metrics"
	"github.com/crusader-net/crusader/internal/peerlatency"
	"github.com/crusader-net/crusader/internal/result"
	"github.com/crusader-net/crusader/internal/timesync"
	"github.com/crusader-net/crusader/pkg/protocol"
)

var (
	// ErrProtocolMismatch mirrors core.ErrProtocolMismatch for callers that
	// only import engine directly (its tests); core wraps this value.
	ErrProtocolMismatch = errors.New("engine: protocol version mismatch")

	// ErrServerOverload mirrors core.ErrServerOverload.
	ErrServerOverload = errors.New("engine: server refused test, overloaded")

	// ErrSyncFailed mirrors core.ErrSyncFailed.
	ErrSyncFailed = errors.New("engine: time sync failed")

	// ErrAssociationTimeout mirrors core.ErrAssociationTimeout.
	ErrAssociationTimeout = errors.New("engine: load stream association timed out")

	// ErrLatencyTimeout mirrors core.ErrLatencyTimeout.
	ErrLatencyTimeout = errors.New("engine: no latency echoes received")
)

// Phase names the client engine's current state, for logging only.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseGraceBegin Phase = "grace_begin"
	PhaseLoadRun    Phase = "load_run"
	PhaseGraceEnd   Phase = "grace_end"
	PhaseCollect    Phase = "collect"
	PhaseAggregate  Phase = "aggregate"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
)

const (
	associationTimeout    = 5 * time.Second
	idleBetweenDirections = 2 * time.Second
	collectTimeout        = 30 * time.Second
)

// Run drives one full test against cfg.Server (already resolved) and
// returns the aggregated RawResult. clock is the client's own monotonic
// microsecond source; it need not be wall time.
func Run(ctx context.Context, cfg result.Config, clock func() int64) (*result.RawResult, error) {
	e := &engine{cfg: cfg, clock: clock}
	return e.run(ctx)
}

type streamRun struct {
	id        uint32
	direction protocol.Direction
	conn      net.Conn
	samples   []result.ThroughputSample
	err       error
}

type engine struct {
	cfg       result.Config
	clock     func() int64
	control   net.Conn
	testID    protocol.TestId
	offset    timesync.Offset
	streams   []*streamRun
	// scheduledStreams is how many of streams have already had a
	// ScheduledLoads sent for them; runLoadPhase only schedules the ones
	// associated since the last such call, so a sequential test's second
	// phase doesn't re-send ScheduledLoads for the first phase's streams.
	scheduledStreams int
	streamsMu        sync.Mutex
	partial          bool
	lateStart        bool
}

func (e *engine) setPhase(p Phase) {
	logging.L().Debug("engine phase", "test_id", e.testID, "phase", p)
}

func (e *engine) run(ctx context.Context) (*result.RawResult, error) {
	start := time.Now()
	e.setPhase(PhaseSetup)

	if e.cfg.Server == nil {
		return nil, fmt.Errorf("engine: no server configured: %w", ErrAssociationTimeout)
	}
	addr := net.JoinHostPort(e.cfg.Server.Host, fmt.Sprintf("%d", e.cfg.Server.Port))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("engine: dial control: %w", err)
	}
	e.control = conn
	defer conn.Close()

	if err := protocol.WriteFrame(conn, protocol.KindHello, protocol.Hello{Magic: protocol.HelloMagic, Protocol: protocol.ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("engine: write hello: %w", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("engine: read hello reply: %w", err)
	}
	var reply protocol.Hello
	if err := protocol.Decode(frame.Body, &reply); err != nil {
		return nil, fmt.Errorf("engine: decode hello reply: %w", err)
	}
	if reply.Protocol != protocol.ProtocolVersion {
		return nil, fmt.Errorf("engine: server protocol %d: %w", reply.Protocol, ErrProtocolMismatch)
	}

	if err := protocol.WriteFrame(conn, protocol.KindNewClient, protocol.NewClient{}); err != nil {
		return nil, fmt.Errorf("engine: write new client: %w", err)
	}
	frame, err = protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("engine: read new client response: %w", err)
	}
	var ncr protocol.NewClientResponse
	if err := protocol.Decode(frame.Body, &ncr); err != nil {
		return nil, fmt.Errorf("engine: decode new client response: %w", err)
	}
	if ncr.Overload {
		return nil, ErrServerOverload
	}
	e.testID = ncr.Id

	offset, err := timesync.Sync(ctx, conn, e.clock)
	if err != nil {
		if errors.Is(err, timesync.ErrInsufficientSamples) {
			return nil, fmt.Errorf("engine: sync: %w", ErrSyncFailed)
		}
		return nil, fmt.Errorf("engine: sync: %w", err)
	}
	e.offset = offset

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("engine: open latency socket: %w", err)
	}
	defer udpConn.Close()
	serverUDPAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve server udp addr: %w", err)
	}

	// The virtual clock reads -grace now, so t=0 is where the first load
	// window begins and GraceBegin runs from here up to it.
	t0 := e.clock() + e.cfg.GraceDuration.Microseconds()
	virtualNow := func() int64 { return e.clock() - t0 }
	toVirtual := func(serverUs int64) int64 { return offset.RemoteToLocal(serverUs) - t0 }
	latencyCh := latency.NewChannel(udpConn, serverUDPAddr, e.cfg.LatencySampleInterval, virtualNow, toVirtual)

	var peerSamples []result.PeerLatencySample
	var peerConn net.Conn
	if e.cfg.LatencyPeerServer != nil {
		pc, err := e.dialPeer(ctx)
		if err != nil {
			logging.L().Warn("peer latency dial failed, continuing without it", "error", err)
		} else {
			peerConn = pc
			defer peerConn.Close()
		}
	}

	graceUs := e.cfg.GraceDuration.Microseconds()
	loadUs := e.cfg.LoadDuration.Microseconds()
	idleUs := idleBetweenDirections.Microseconds()

	// Per §4.5: both directions run together under one ScheduledLoads
	// window only when Bidirectional is set; when both Download and
	// Upload are requested without Bidirectional, they run one after the
	// other with an idle gap between them, each with its own grace
	// windows.
	sequential := e.cfg.Download && e.cfg.Upload && !e.cfg.Bidirectional

	var totalWindowUs int64
	if sequential {
		totalWindowUs = 2*(loadUs+2*graceUs) + idleUs
	} else {
		totalWindowUs = loadUs + 2*graceUs
	}

	latDone := make(chan error, 1)
	latOut := make(chan latency.Sample, 1024)
	go func() {
		latDone <- latencyCh.Run(ctx, -graceUs, totalWindowUs-graceUs, latOut)
	}()

	var peerSampleCh <-chan peerlatency.Sample
	if peerConn != nil {
		ch, err := peerlatency.Request(ctx, peerConn, e.cfg.Server.Host, e.cfg.Server.Port, uint64(totalWindowUs), uint64(e.cfg.LatencySampleInterval.Microseconds()))
		if err != nil {
			logging.L().Warn("peer latency request failed", "error", err)
		} else {
			peerSampleCh = ch
		}
	}

	latSamples := make([]result.LatencySample, 0, 512)
	latSamplesDone := make(chan struct{})
	go func() {
		defer close(latSamplesDone)
		for s := range latOut {
			latSamples = append(latSamples, result.LatencySample{
				SentUs: s.SentUs, ReceivedRemoteUs: s.ReceivedRemoteUs, ReceivedBackUs: s.ReceivedBackUs, Seq: s.Seq,
			})
		}
	}()
	if peerSampleCh != nil {
		go func() {
			for s := range peerSampleCh {
				peerSamples = append(peerSamples, result.PeerLatencySample{SentUs: s.SentUs, ReceivedRemoteUs: s.ReceivedRemoteUs, Seq: s.Seq})
			}
		}()
	}

	if sequential {
		if _, err := e.associateStreams(ctx, []protocol.Direction{protocol.Down}); err != nil {
			return nil, fmt.Errorf("engine: associate streams: %w", ErrAssociationTimeout)
		}
		if err := e.runPhase(ctx, virtualNow, 0, graceUs, loadUs); err != nil {
			e.partial = true
			logging.L().Warn("download phase degraded to partial", "error", err)
		}

		// Idle gap between directions: neither side schedules or runs a
		// load stream here, but latency sampling continues uninterrupted.
		sleepUntil(ctx, virtualNow, loadUs+graceUs+idleUs)

		if _, err := e.associateStreams(ctx, []protocol.Direction{protocol.Up}); err != nil {
			return nil, fmt.Errorf("engine: associate streams: %w", ErrAssociationTimeout)
		}
		upZero := loadUs + graceUs + idleUs + graceUs
		if err := e.runPhase(ctx, virtualNow, upZero, graceUs, loadUs); err != nil {
			e.partial = true
			logging.L().Warn("upload phase degraded to partial", "error", err)
		}
		sleepUntil(ctx, virtualNow, totalWindowUs-graceUs)
	} else {
		var directions []protocol.Direction
		switch {
		case e.cfg.Download && e.cfg.Upload:
			directions = []protocol.Direction{protocol.Down, protocol.Up}
		case e.cfg.Download:
			directions = []protocol.Direction{protocol.Down}
		case e.cfg.Upload:
			directions = []protocol.Direction{protocol.Up}
		}
		if len(directions) > 0 {
			if _, err := e.associateStreams(ctx, directions); err != nil {
				return nil, fmt.Errorf("engine: associate streams: %w", ErrAssociationTimeout)
			}
		}
		if err := e.runPhase(ctx, virtualNow, 0, graceUs, loadUs); err != nil {
			e.partial = true
			logging.L().Warn("load phase degraded to partial", "error", err)
		}
		sleepUntil(ctx, virtualNow, totalWindowUs-graceUs)
	}

	<-latDone
	close(latOut)
	<-latSamplesDone

	e.setPhase(PhaseCollect)
	serverThroughput, err := e.collect(ctx)
	if err != nil {
		logging.L().Warn("collect degraded result to client-only throughput", "error", err)
		e.partial = true
	}

	e.setPhase(PhaseAggregate)
	res := e.aggregate(latSamples, peerSamples, serverThroughput)
	metrics.TestDuration.Observe(time.Since(start).Seconds())
	e.setPhase(PhaseDone)
	return res, nil
}

func sleepUntil(ctx context.Context, virtualNow func() int64, targetUs int64) {
	for {
		remaining := targetUs - virtualNow()
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(time.Duration(remaining) * time.Microsecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *engine) dialPeer(ctx context.Context) (net.Conn, error) {
	ep := e.cfg.LatencyPeerServer
	addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial peer: %w", err)
	}
	if err := protocol.WriteFrame(conn, protocol.KindHello, protocol.Hello{Magic: protocol.HelloMagic, Protocol: protocol.ProtocolVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer hello: %w", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer hello reply: %w", err)
	}
	var reply protocol.Hello
	if err := protocol.Decode(frame.Body, &reply); err != nil || reply.Protocol != protocol.ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("peer protocol mismatch")
	}
	return conn, nil
}

// associateStreams dials cfg.Streams connections for each of directions,
// sends AssociateLoad on each, and registers them with the server over
// the control channel. All streams must associate within
// associationTimeout. The new streams are appended to e.streams (so a
// sequential test can call this once per direction) and also returned,
// so the caller knows exactly which ones belong to the phase it is about
// to run.
func (e *engine) associateStreams(ctx context.Context, directions []protocol.Direction) ([]*streamRun, error) {
	if len(directions) == 0 {
		return nil, nil
	}
	addr := e.control.RemoteAddr().String()
	deadline := time.Now().Add(associationTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	e.streamsMu.Lock()
	base := uint32(len(e.streams))
	e.streamsMu.Unlock()

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	streams := make([]*streamRun, 0, len(directions)*int(e.cfg.Streams))

	next := base
	for _, dir := range directions {
		for i := uint32(0); i < e.cfg.Streams; i++ {
			sr := &streamRun{id: next, direction: dir}
			next++
			streams = append(streams, sr)
			wg.Add(1)
			go func(sr *streamRun, dir protocol.Direction) {
				defer wg.Done()
				var d net.Dialer
				conn, err := d.DialContext(dialCtx, "tcp", addr)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				if err := protocol.WriteFrame(conn, protocol.KindAssociateLoad, protocol.AssociateLoad{Id: e.testID, Group: sr.id, Direction: dir}); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				sr.conn = conn
			}(sr, dir)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	for _, sr := range streams {
		if sr.conn == nil {
			return nil, fmt.Errorf("stream %d/%s failed to associate", sr.id, sr.direction)
		}
	}

	for _, sr := range streams {
		if sr.direction == protocol.Down {
			if err := protocol.WriteFrame(e.control, protocol.KindLoadFromServer, protocol.LoadFromServer{Stream: sr.id, DurationUs: uint64(e.cfg.LoadDuration.Microseconds())}); err != nil {
				return nil, err
			}
		} else {
			if err := protocol.WriteFrame(e.control, protocol.KindLoadFromClient, protocol.LoadFromClient{Stream: sr.id, BandwidthIntervalUs: uint64(e.cfg.ThroughputSampleInterval.Microseconds())}); err != nil {
				return nil, err
			}
		}
	}

	e.streamsMu.Lock()
	e.streams = append(e.streams, streams...)
	e.streamsMu.Unlock()
	return streams, nil
}

// runPhase drives one direction-group's grace-begin, load-run, and
// grace-end against streams already associated for it, with zeroUs as
// this phase's own t=0 on the engine's shared virtual clock (§4.5: "each
// with its own grace windows").
func (e *engine) runPhase(ctx context.Context, virtualNow func() int64, zeroUs, graceUs, loadUs int64) error {
	e.setPhase(PhaseGraceBegin)
	if graceUs > 0 {
		sleepUntil(ctx, virtualNow, zeroUs)
	}

	e.setPhase(PhaseLoadRun)
	err := e.runLoadPhase(ctx, virtualNow, zeroUs, loadUs)

	e.setPhase(PhaseGraceEnd)
	sleepUntil(ctx, virtualNow, zeroUs+loadUs+graceUs)
	return err
}

// runLoadPhase sends ScheduledLoads for every stream associated since the
// last such call, starts download reads and upload writes (staggered per
// cfg.StreamStagger), and waits for loadUs (relative to zeroUs) to
// elapse. A stream I/O error marks that stream partial but does not
// abort the remaining streams.
func (e *engine) runLoadPhase(ctx context.Context, virtualNow func() int64, zeroUs, loadUs int64) error {
	e.streamsMu.Lock()
	streams := e.streams[e.scheduledStreams:]
	e.scheduledStreams = len(e.streams)
	e.streamsMu.Unlock()
	if len(streams) == 0 {
		sleepUntil(ctx, virtualNow, zeroUs+loadUs)
		return nil
	}

	// Translate the client's t=0 (now) into server time: server_time =
	// client_time + offset, the inverse of RemoteToLocal.
	nowUs := e.clock()
	serverStartUs := nowUs + e.offset.MicrosOffset
	if err := protocol.WriteFrame(e.control, protocol.KindScheduledLoads, protocol.ScheduledLoads{
		StartAtUs:  serverStartUs,
		DurationUs: uint64(e.cfg.LoadDuration.Microseconds()),
	}); err != nil {
		return fmt.Errorf("write scheduled loads: %w", err)
	}
	// The server judges lateness against its own clock when the message
	// actually arrives; this is a client-side estimate using the send-time
	// translation, not a value the protocol reports back.
	if e.clock()+e.offset.MicrosOffset >= serverStartUs {
		e.streamsMu.Lock()
		e.lateStart = true
		e.streamsMu.Unlock()
	}

	loadCtx, cancel := context.WithTimeout(ctx, time.Duration(loadUs)*time.Microsecond+2*e.cfg.GraceDuration)
	defer cancel()

	var wg sync.WaitGroup
	for _, sr := range streams {
		wg.Add(1)
		go func(sr *streamRun) {
			defer wg.Done()
			stagger := time.Duration(sr.id) * e.cfg.StreamStagger
			if stagger > 0 {
				timer := time.NewTimer(stagger)
				defer timer.Stop()
				select {
				case <-loadCtx.Done():
					return
				case <-timer.C:
				}
			}
			e.runStream(loadCtx, sr)
		}(sr)
	}

	sleepUntil(ctx, virtualNow, zeroUs+loadUs)
	cancel()
	wg.Wait()

	var firstErr error
	for _, sr := range streams {
		if sr.err != nil && firstErr == nil {
			firstErr = sr.err
		}
	}
	return firstErr
}

func (e *engine) runStream(ctx context.Context, sr *streamRun) {
	switch sr.direction {
	case protocol.Down:
		sink := func(s loadnet.Sample) {
			e.streamsMu.Lock()
			sr.samples = append(sr.samples, result.ThroughputSample{TimeUs: s.TimeUs, BytesCumulative: s.BytesCumulative, StreamId: sr.id, Direction: protocol.Down})
			e.streamsMu.Unlock()
		}
		_, err := loadnet.ReadAndSample(ctx, sr.conn, e.cfg.ThroughputSampleInterval, e.clock, sink)
		if err != nil && ctx.Err() == nil {
			sr.err = err
			metrics.IncError(metrics.ErrLoadStream)
		}
	case protocol.Up:
		pattern := loadnet.NewPattern(int64(sr.id) + 1)
		_, err := loadnet.WriteContinuous(ctx, sr.conn, pattern)
		if err != nil && ctx.Err() == nil {
			sr.err = err
			metrics.IncError(metrics.ErrLoadStream)
		}
	}
}

// collect sends StopMeasurements then GetMeasurements and drains server
// samples, translating their timestamps into client time.
func (e *engine) collect(ctx context.Context) ([]result.ThroughputSample, error) {
	if err := protocol.WriteFrame(e.control, protocol.KindStopMeasurements, protocol.StopMeasurements{}); err != nil {
		return nil, fmt.Errorf("write stop measurements: %w", err)
	}
	if err := protocol.WriteFrame(e.control, protocol.KindGetMeasurements, protocol.GetMeasurements{}); err != nil {
		return nil, fmt.Errorf("write get measurements: %w", err)
	}
	_ = e.control.SetReadDeadline(time.Now().Add(collectTimeout))
	defer e.control.SetReadDeadline(time.Time{})

	var out []result.ThroughputSample
	for {
		frame, err := protocol.ReadFrame(e.control)
		if err != nil {
			return out, fmt.Errorf("read measurements: %w", err)
		}
		switch frame.Kind {
		case protocol.KindServerMeasurement:
			var m protocol.ServerMeasurement
			if err := protocol.Decode(frame.Body, &m); err != nil {
				continue
			}
			out = append(out, result.ThroughputSample{
				TimeUs:          e.offset.RemoteToLocal(m.TimeUs),
				BytesCumulative: m.Bytes,
				StreamId:        m.Stream,
				Direction:       protocol.Up,
			})
		case protocol.KindDone:
			return out, nil
		default:
			continue
		}
	}
}

func (e *engine) aggregate(latSamples []result.LatencySample, peerSamples []result.PeerLatencySample, serverThroughput []result.ThroughputSample) *result.RawResult {
	e.streamsMu.Lock()
	var clientThroughput []result.ThroughputSample
	for _, sr := range e.streams {
		if sr.direction == protocol.Down {
			clientThroughput = append(clientThroughput, sr.samples...)
		}
	}
	e.streamsMu.Unlock()

	sort.Slice(clientThroughput, func(i, j int) bool {
		if clientThroughput[i].StreamId != clientThroughput[j].StreamId {
			return clientThroughput[i].StreamId < clientThroughput[j].StreamId
		}
		return clientThroughput[i].TimeUs < clientThroughput[j].TimeUs
	})
	sort.Slice(serverThroughput, func(i, j int) bool {
		if serverThroughput[i].StreamId != serverThroughput[j].StreamId {
			return serverThroughput[i].StreamId < serverThroughput[j].StreamId
		}
		return serverThroughput[i].TimeUs < serverThroughput[j].TimeUs
	})
	sort.Slice(latSamples, func(i, j int) bool { return latSamples[i].Seq < latSamples[j].Seq })
	sort.Slice(peerSamples, func(i, j int) bool { return peerSamples[i].Seq < peerSamples[j].Seq })

	clientHostname, _ := os.Hostname()
	serverHostname := e.cfg.Server.Host

	return &result.RawResult{
		ProtocolVersion:  protocol.ProtocolVersion,
		Config:           e.cfg,
		ServerHostname:   serverHostname,
		ClientHostname:   clientHostname,
		SyncResidualUs:   e.offset.Residual.Microseconds(),
		Latency:          latSamples,
		PeerLatency:      peerSamples,
		Throughput:       clientThroughput,
		ServerThroughput: serverThroughput,
		Partial:          e.partial,
		LateStart:        e.lateStart,
	}
}
