package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

const (
	sendBufferSize = 16
	writeTimeout   = 5 * time.Second
	// defaultPingDeadline applies when the server did not announce ping timings
	defaultPingDeadline = 60 * time.Second
)

var errSessionClosed = errors.New("session closed")

// session is one Socket.IO connection to the coordinator
type session struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Entry
}

func newSession(conn *websocket.Conn, logger *logrus.Entry) *session {
	s := &session{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

// handshake waits for the Engine.IO open packet, joins the default namespace
// and waits for the server's acknowledgement. Cancelling ctx closes the
// session.
func (s *session) handshake(ctx context.Context, timeout time.Duration) (hs protocol.Handshake, err error) {
	defer s.closeOnCancel(ctx)()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}()

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return hs, errs.Classify("live", err)
	}

	frame, err := s.readFrame()
	if err != nil {
		return hs, err
	}
	if frame.Kind != protocol.FrameOpen {
		return hs, errs.RemoteRejected("live", fmt.Sprintf("expected open packet, got %s", frame.Kind))
	}
	hs = frame.Handshake

	if err := s.enqueue(protocol.ConnectFrame()); err != nil {
		return hs, errs.Classify("live", err)
	}

	for {
		frame, err := s.readFrame()
		if err != nil {
			return hs, err
		}
		switch frame.Kind {
		case protocol.FrameConnect:
			return hs, nil
		case protocol.FrameConnectError:
			return hs, errs.RemoteRejected("live", "namespace connect refused: "+frame.Data.Get("message").String())
		case protocol.FramePing:
			_ = s.enqueue(protocol.PongFrame())
		case protocol.FrameClose, protocol.FrameDisconnect:
			return hs, errs.Transient("live", errors.New("server closed the session during handshake"))
		}
	}
}

// readPump reads frames until the connection fails, the server closes the
// session or ctx is cancelled. Pings are answered here; everything else
// decodable is passed to handle.
func (s *session) readPump(ctx context.Context, pingDeadline time.Duration, handle func(protocol.Frame)) error {
	if pingDeadline <= 0 {
		pingDeadline = defaultPingDeadline
	}

	defer s.closeOnCancel(ctx)()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(pingDeadline)); err != nil {
			return errs.Classify("live", err)
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Classify("live", err)
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.WithError(err).WithField("frame", truncate(string(data), 120)).Warn("Skipping malformed frame")
			continue
		}

		switch frame.Kind {
		case protocol.FramePing:
			if err := s.enqueue(protocol.PongFrame()); err != nil {
				s.logger.WithError(err).Warn("Failed to answer ping")
			}
		case protocol.FrameClose, protocol.FrameDisconnect:
			return errs.Transient("live", errors.New("server closed the session"))
		case protocol.FrameConnectError:
			return errs.RemoteRejected("live", "server revoked the session")
		case protocol.FrameEvent:
			handle(frame)
		}
	}
}

// closeOnCancel closes the session if ctx ends before the returned func is
// called
func (s *session) closeOnCancel(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (s *session) readFrame() (protocol.Frame, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, errs.Classify("live", err)
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping malformed frame")
			continue
		}
		return frame, nil
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.WithError(err).Debug("Write failed")
				s.close()
				return
			}
		}
	}
}

func (s *session) enqueue(message []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- message:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errors.New("send buffer full")
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
