package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/metrics"
	"github.com/mahaj/threadgate/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Larger frames close the
	// connection with 1009.
	maxMessageSize = 1024 * 1024

	// Largest frame handled; bigger ones get an error frame.
	maxFrameSize = 64 * 1024

	sendBuffer = 256
)

var (
	ErrSessionClosed = errors.New("gateway: session closed")
	ErrSlowConsumer  = errors.New("gateway: send buffer full")
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// session is one websocket connection. It is the registry.Conn for its
// user: Send queues without blocking and Close may be called from any
// goroutine, any number of times.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	user    model.User
	log     *zap.Logger
	limiter *rate.Limiter

	state atomic.Int32
	send  chan []byte
	done  chan struct{}

	closeOnce      sync.Once
	unregisterOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, user model.User) *session {
	s := &session{
		srv:     srv,
		conn:    conn,
		user:    user,
		log:     srv.log.With(zap.String("user_id", user.ID), zap.String("remote", conn.RemoteAddr().String())),
		limiter: rate.NewLimiter(srv.frameRate, srv.frameBurst),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	s.setState(StateAuthenticated)
	return s
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
	})
	return nil
}

// reply queues a frame for this connection only.
func (s *session) reply(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("frame_encode_failed", zap.Error(err))
		return
	}
	if err := s.Send(payload); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("reply_dropped", zap.Error(err))
	}
}

// finish moves the session to Closed and removes it from the registry. It
// runs once however the session ended.
func (s *session) finish() {
	s.unregisterOnce.Do(func() {
		s.srv.registry.Unregister(s.user.ID, s)
		_ = s.Close()
		s.log.Info("session_closed")
	})
}

// readPump receives frames and dispatches them in order until the
// connection fails or the session is closed.
func (s *session) readPump(ctx context.Context) {
	defer s.finish()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { return s.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Info("session_read_failed", zap.Error(err))
			}
			return
		}
		if s.State() == StateClosed {
			return
		}
		s.handle(ctx, raw)
	}
}

// writePump owns all writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Info("session_write_failed", zap.Error(err))
				s.finish()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.finish()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// handle dispatches one inbound frame. Failures become error frames; the
// connection stays open.
func (s *session) handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("frame_panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			s.reply(model.Error("Internal error"))
		}
	}()

	if !s.limiter.Allow() {
		metrics.Frames.WithLabelValues("rate_limited").Inc()
		s.reply(model.Error("Rate limit exceeded"))
		return
	}

	if len(raw) > maxFrameSize {
		metrics.Frames.WithLabelValues("too_large").Inc()
		s.reply(model.Error("Frame too large"))
		return
	}

	var in model.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		metrics.Frames.WithLabelValues("invalid").Inc()
		s.reply(model.Error("Invalid JSON"))
		return
	}

	switch in.Type {
	case model.TypeMessage:
		metrics.Frames.WithLabelValues(string(in.Type)).Inc()
		if _, err := s.srv.chat.SendMessage(ctx, s.user.ID, in.ThreadID, in.Content, in.Attachments); err != nil {
			s.fail(in, err, "Failed to send message")
		}
	case model.TypeTyping:
		metrics.Frames.WithLabelValues(string(in.Type)).Inc()
		if err := s.srv.chat.Typing(ctx, s.user.ID, in.ThreadID, in.IsTyping); err != nil {
			s.fail(in, err, "Failed to send typing indicator")
		}
	case model.TypeReadReceipt:
		metrics.Frames.WithLabelValues(string(in.Type)).Inc()
		if _, err := s.srv.chat.ReadReceipt(ctx, s.user.ID, in.ThreadID, in.MessageID); err != nil {
			s.fail(in, err, "Failed to mark message as read")
		}
	case model.TypePing:
		metrics.Frames.WithLabelValues(string(in.Type)).Inc()
		s.reply(model.PongFrame{Type: model.TypePong})
	default:
		metrics.Frames.WithLabelValues("unknown").Inc()
		s.reply(model.Error(fmt.Sprintf("Unknown message type: %q", in.Type)))
	}
}

// fail turns a dispatch error into an error frame. Errors the client can
// act on are shown verbatim; anything else is logged and reported as
// fallback.
func (s *session) fail(in model.Inbound, err error, fallback string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		s.reply(model.Error(verr.Message))
	case errors.Is(err, chat.ErrNotParticipant):
		s.reply(model.Error("Not a participant in this thread"))
	case errors.Is(err, chat.ErrMessageNotFound):
		s.reply(model.Error("Message not found"))
	default:
		s.log.Error("frame_failed",
			zap.String("type", string(in.Type)),
			zap.String("thread_id", in.ThreadID),
			zap.Error(err))
		s.reply(model.Error(fallback))
	}
}
