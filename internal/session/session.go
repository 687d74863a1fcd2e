// Package session implements the server side of a Crusader test: the
// fleet map of concurrent tests and the per-test Session that owns the
// control connection's associated load streams and their server-side
// throughput samples.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/crusader-net/crusader/internal/loadnet"
	"github.com/crusader-net/crusader/internal/logging"
	"github.com/crusader-net/crusader/internal/metrics"
	"github.com/crusader-net/crusader/internal/result"
	"github.com/crusader-net/crusader/pkg/protocol"
)

// MaxSessions is the hard cap on concurrent tests the fleet map accepts.
const MaxSessions = 64

// LingerDuration is how long a Session survives after its control
// connection closes, to allow a late GetMeasurements.
const LingerDuration = 30 * time.Second

// defaultUploadSampleInterval is used for an upload stream's read-side
// sampling cadence when the client's LoadFromClient registration hasn't
// arrived yet by the time the stream associates.
const defaultUploadSampleInterval = 100 * time.Millisecond

var (
	// ErrOverload is returned by Fleet.Create when MaxSessions is already
	// registered.
	ErrOverload = errors.New("session: fleet at capacity")

	// ErrUnknownTest is returned when a stream or control message
	// references a TestId the fleet has no record of.
	ErrUnknownTest = errors.New("session: unknown test id")
)

// Fleet is the server's map of live and lingering tests.
type Fleet struct {
	mu       sync.Mutex
	sessions map[protocol.TestId]*Session
	nextID   uint64
}

// NewFleet builds an empty Fleet.
func NewFleet() *Fleet {
	return &Fleet{sessions: make(map[protocol.TestId]*Session)}
}

// Create allocates a new Session and registers it, unless the fleet is
// already at MaxSessions.
func (f *Fleet) Create(clock func() int64) (*Session, error) {
	f.mu.Lock()
	if len(f.sessions) >= MaxSessions {
		f.mu.Unlock()
		metrics.SessionsRejected.Inc()
		return nil, ErrOverload
	}
	f.nextID++
	id := protocol.TestId(f.nextID)
	s := newSession(id, clock, f)
	f.sessions[id] = s
	count := len(f.sessions)
	f.mu.Unlock()

	metrics.SessionsAccepted.Inc()
	metrics.SessionsActive.Set(float64(count))
	logging.L().Info("session created", "test_id", id, "active", count)
	return s, nil
}

// Get looks up a Session by id.
func (f *Fleet) Get(id protocol.TestId) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

// Remove unregisters a Session, called once its lingering period elapses.
func (f *Fleet) remove(id protocol.TestId) {
	f.mu.Lock()
	delete(f.sessions, id)
	count := len(f.sessions)
	f.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
	logging.L().Info("session destroyed", "test_id", id, "active", count)
}

// Len returns the number of sessions currently registered (live or
// lingering).
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type loadStream struct {
	conn      net.Conn
	direction protocol.Direction
	cancel    context.CancelFunc
	started   bool // guards against ScheduleLoads starting a stream twice

	mu         sync.Mutex
	samples    []result.ThroughputSample
	durationUs uint64 // for Down streams, set by RegisterDownload
	err        error
}

// Session is the server's per-test coordinator: it owns the load streams
// associated to one TestId and the server-side samples they produce.
type Session struct {
	Id    protocol.TestId
	clock func() int64
	fleet *Fleet

	mu                   sync.Mutex
	streams              map[uint32]*loadStream
	uploadSampleInterval time.Duration
	scheduled            bool
	scheduledStartAtUs   int64
	lateStart            bool
	closed               bool
	partial              bool
}

func newSession(id protocol.TestId, clock func() int64, fleet *Fleet) *Session {
	return &Session{
		Id:                   id,
		clock:                clock,
		fleet:                fleet,
		streams:              make(map[uint32]*loadStream),
		uploadSampleInterval: defaultUploadSampleInterval,
	}
}

// RegisterDownload records the duration a soon-to-associate (or already
// associated) stream should write for once ScheduleLoads fires.
func (s *Session) RegisterDownload(stream uint32, durationUs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.streams[stream]
	if !ok {
		ls = &loadStream{direction: protocol.Down}
		s.streams[stream] = ls
	}
	ls.durationUs = durationUs
}

// RegisterUpload records the sampling cadence an upload stream should use,
// if it hasn't already started reading.
func (s *Session) RegisterUpload(stream uint32, bandwidthIntervalUs uint64) {
	if bandwidthIntervalUs == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadSampleInterval = time.Duration(bandwidthIntervalUs) * time.Microsecond
}

// AttachStream binds a freshly dialed load connection to this session per
// an AssociateLoad message already read from it. Both directions wait for
// a ScheduleLoads call naming their start time, unless one has already
// landed for this session (a stream associating after the fact, e.g. due
// to network jitter on its own dial) — in which case it starts right
// away against the most recently scheduled start time.
func (s *Session) AttachStream(ctx context.Context, conn net.Conn, msg protocol.AssociateLoad) {
	s.mu.Lock()
	ls, ok := s.streams[msg.Group]
	if !ok {
		ls = &loadStream{}
		s.streams[msg.Group] = ls
	}
	ls.conn = conn
	ls.direction = msg.Direction
	start := s.scheduled && !ls.started
	if start {
		ls.started = true
	}
	startAtUs := s.scheduledStartAtUs
	interval := s.uploadSampleInterval
	s.mu.Unlock()

	if !start {
		// Started later, from ScheduleLoads.
		return
	}
	s.startStream(ctx, msg.Group, ls, msg.Direction, startAtUs, interval)
}

func (s *Session) startStream(ctx context.Context, id uint32, ls *loadStream, direction protocol.Direction, startAtUs int64, interval time.Duration) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	ls.cancel = cancel
	s.mu.Unlock()

	switch direction {
	case protocol.Up:
		go s.runUpload(streamCtx, id, ls, interval)
	case protocol.Down:
		go s.runDownload(streamCtx, id, ls, startAtUs)
	}
}

func (s *Session) runUpload(ctx context.Context, streamID uint32, ls *loadStream, interval time.Duration) {
	sink := func(sample loadnet.Sample) {
		ls.mu.Lock()
		ls.samples = append(ls.samples, result.ThroughputSample{
			TimeUs:          sample.TimeUs,
			BytesCumulative: sample.BytesCumulative,
			StreamId:        streamID,
			Direction:       protocol.Up,
		})
		ls.mu.Unlock()
	}
	_, err := loadnet.ReadAndSample(ctx, ls.conn, interval, s.clock, sink)
	if err != nil && ctx.Err() == nil {
		s.markPartial(streamID, err)
	}
}

func (s *Session) runDownload(ctx context.Context, streamID uint32, ls *loadStream, startAtUs int64) {
	now := s.clock()
	if now < startAtUs {
		timer := time.NewTimer(time.Duration(startAtUs-now) * time.Microsecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	ls.mu.Lock()
	durationUs := ls.durationUs
	ls.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if durationUs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(durationUs)*time.Microsecond)
		defer cancel()
	}

	pattern := loadnet.NewPattern(int64(streamID) + 1)
	_, err := loadnet.WriteContinuous(runCtx, ls.conn, pattern)
	if err != nil && ctx.Err() == nil {
		s.markPartial(streamID, err)
	}
}

func (s *Session) markPartial(streamID uint32, err error) {
	s.mu.Lock()
	s.partial = true
	s.mu.Unlock()
	metrics.IncError(metrics.ErrLoadStream)
	logging.L().Warn("load stream failed", "test_id", s.Id, "stream", streamID, "error", err)
}

// ScheduleLoads starts every associated-but-not-yet-started stream (either
// direction), translating the client's start_at_us against the server's
// own clock. If that time has already passed, the streams start
// immediately and the session is tagged late-start.
//
// A test whose load runs sequentially (download, idle, upload) calls this
// twice on the same session: the first call only finds download streams
// associated and starts those; the second, sent once the client's upload
// streams have associated, starts those in turn. Each loadStream's own
// started flag keeps either call from restarting a stream the other one
// already kicked off.
func (s *Session) ScheduleLoads(ctx context.Context, startAtUs int64) (lateStart bool) {
	s.mu.Lock()
	s.scheduled = true
	s.scheduledStartAtUs = startAtUs
	lateStart = s.clock() > startAtUs
	s.lateStart = s.lateStart || lateStart
	interval := s.uploadSampleInterval

	var toStart []struct {
		id        uint32
		ls        *loadStream
		direction protocol.Direction
	}
	for id, ls := range s.streams {
		if ls.conn != nil && !ls.started {
			ls.started = true
			toStart = append(toStart, struct {
				id        uint32
				ls        *loadStream
				direction protocol.Direction
			}{id, ls, ls.direction})
		}
	}
	s.mu.Unlock()

	for _, t := range toStart {
		s.startStream(ctx, t.id, t.ls, t.direction, startAtUs, interval)
	}
	return lateStart
}

// Stop cancels every load stream's goroutine.
func (s *Session) Stop() {
	s.mu.Lock()
	streams := make([]*loadStream, 0, len(s.streams))
	for _, ls := range s.streams {
		streams = append(streams, ls)
	}
	s.mu.Unlock()

	for _, ls := range streams {
		if ls.cancel != nil {
			ls.cancel()
		}
	}
}

// Measurements flattens every upload stream's recorded samples into
// server-clock ServerMeasurement frames for GetMeasurements.
func (s *Session) Measurements() []protocol.ServerMeasurement {
	s.mu.Lock()
	byID := make(map[uint32]*loadStream, len(s.streams))
	for id, ls := range s.streams {
		byID[id] = ls
	}
	s.mu.Unlock()

	var out []protocol.ServerMeasurement
	for id, ls := range byID {
		ls.mu.Lock()
		for _, samp := range ls.samples {
			out = append(out, protocol.ServerMeasurement{Stream: id, TimeUs: samp.TimeUs, Bytes: samp.BytesCumulative})
		}
		ls.mu.Unlock()
	}
	return out
}

// Partial reports whether any stream in this session failed mid-test.
func (s *Session) Partial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// LateStart reports whether ScheduleLoads arrived after its requested
// start time had already passed.
func (s *Session) LateStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lateStart
}

// Close marks the control connection closed and schedules this session's
// removal from the fleet after LingerDuration, giving a late
// GetMeasurements a chance to still succeed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	time.AfterFunc(LingerDuration, func() {
		s.fleet.remove(s.Id)
	})
}

// AssociationDeadline mirrors the client's own 5s association timeout
// from the server's point of view. Nothing in this package enforces it:
// the server does not time out streams that are slow to associate.
const AssociationDeadline = 5 * time.Second

func (s *Session) String() string {
	return fmt.Sprintf("session(%d)", s.Id)
}
