package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/crusader-net/crusader/internal/logging"
	"github.com/crusader-net/crusader/internal/timesync"
	"github.com/crusader-net/crusader/pkg/protocol"
)

// ErrProtocolMismatch is returned when a peer's Hello carries a different
// protocol version than this server's.
var ErrProtocolMismatch = errors.New("session: protocol version mismatch")

const controlIdleTimeout = 30 * time.Second

// HandleConnection is the entry point for every TCP connection the
// server accepts: it reads the first frame to decide whether this is a
// fresh control connection (Hello) or a load stream associating with an
// existing test (AssociateLoad), and dispatches accordingly.
func HandleConnection(ctx context.Context, fleet *Fleet, conn net.Conn, clock func() int64) error {
	_ = conn.SetReadDeadline(time.Now().Add(controlIdleTimeout))
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("session: read first frame: %w", err)
	}
	return HandleConnectionWithFirstFrame(ctx, fleet, conn, clock, frame)
}

// HandleConnectionWithFirstFrame is HandleConnection for a caller that
// already consumed the connection's first frame (e.g. a test harness
// peeking at AssociateLoad before dispatch, or a future demultiplexer
// that needs to inspect the opening frame before routing the conn here).
func HandleConnectionWithFirstFrame(ctx context.Context, fleet *Fleet, conn net.Conn, clock func() int64, frame protocol.Frame) error {
	switch frame.Kind {
	case protocol.KindHello:
		var hello protocol.Hello
		if err := protocol.Decode(frame.Body, &hello); err != nil {
			return fmt.Errorf("session: decode hello: %w", err)
		}
		return handleControl(ctx, fleet, conn, clock, hello)
	case protocol.KindAssociateLoad:
		var msg protocol.AssociateLoad
		if err := protocol.Decode(frame.Body, &msg); err != nil {
			return fmt.Errorf("session: decode associate load: %w", err)
		}
		sess, ok := fleet.Get(msg.Id)
		if !ok {
			return fmt.Errorf("session: associate load for %v: %w", msg.Id, ErrUnknownTest)
		}
		sess.AttachStream(ctx, conn, msg)
		return nil
	default:
		return fmt.Errorf("session: unexpected first frame kind %v", frame.Kind)
	}
}

func handleControl(ctx context.Context, fleet *Fleet, conn net.Conn, clock func() int64, hello protocol.Hello) error {
	reply := protocol.Hello{Magic: protocol.HelloMagic, Protocol: protocol.ProtocolVersion}
	if err := protocol.WriteFrame(conn, protocol.KindHello, reply); err != nil {
		return fmt.Errorf("session: write hello reply: %w", err)
	}
	if hello.Magic != protocol.HelloMagic || hello.Protocol != protocol.ProtocolVersion {
		return fmt.Errorf("session: peer protocol %d: %w", hello.Protocol, ErrProtocolMismatch)
	}

	var sess *Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(controlIdleTimeout))
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return nil // clean close or idle timeout ends the control loop
		}

		switch frame.Kind {
		case protocol.KindTimestamp:
			var msg protocol.Timestamp
			if err := protocol.Decode(frame.Body, &msg); err != nil {
				continue
			}
			if err := timesync.EchoServer(conn, msg, clock); err != nil {
				return fmt.Errorf("session: echo timestamp: %w", err)
			}

		case protocol.KindNewClient:
			newSess, err := fleet.Create(clock)
			if errors.Is(err, ErrOverload) {
				resp := protocol.NewClientResponse{Overload: true}
				if err := protocol.WriteFrame(conn, protocol.KindNewClientResponse, resp); err != nil {
					return fmt.Errorf("session: write overload response: %w", err)
				}
				continue
			}
			sess = newSess
			resp := protocol.NewClientResponse{Id: sess.Id, Overload: false}
			if err := protocol.WriteFrame(conn, protocol.KindNewClientResponse, resp); err != nil {
				return fmt.Errorf("session: write new client response: %w", err)
			}

		case protocol.KindLoadFromServer:
			var msg protocol.LoadFromServer
			if err := protocol.Decode(frame.Body, &msg); err != nil || sess == nil {
				continue
			}
			sess.RegisterDownload(msg.Stream, msg.DurationUs)

		case protocol.KindLoadFromClient:
			var msg protocol.LoadFromClient
			if err := protocol.Decode(frame.Body, &msg); err != nil || sess == nil {
				continue
			}
			sess.RegisterUpload(msg.Stream, msg.BandwidthIntervalUs)

		case protocol.KindScheduledLoads:
			var msg protocol.ScheduledLoads
			if err := protocol.Decode(frame.Body, &msg); err != nil || sess == nil {
				continue
			}
			if late := sess.ScheduleLoads(ctx, msg.StartAtUs); late {
				logging.L().Warn("scheduled loads started late", "test_id", sess.Id)
			}

		case protocol.KindStopMeasurements:
			if sess != nil {
				sess.Stop()
			}

		case protocol.KindGetMeasurements:
			if sess == nil {
				if err := protocol.WriteFrame(conn, protocol.KindDone, protocol.Done{}); err != nil {
					return fmt.Errorf("session: write done: %w", err)
				}
				continue
			}
			for _, m := range sess.Measurements() {
				if err := protocol.WriteFrame(conn, protocol.KindServerMeasurement, m); err != nil {
					return fmt.Errorf("session: write measurement: %w", err)
				}
			}
			if err := protocol.WriteFrame(conn, protocol.KindDone, protocol.Done{}); err != nil {
				return fmt.Errorf("session: write done: %w", err)
			}

		default:
			logging.L().Debug("ignoring unexpected control frame", "kind", frame.Kind)
		}
	}
}
