// Package gateway is the websocket session engine: it authenticates each
// connection, registers it for delivery and dispatches inbound frames to
// the chat service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/threadgate/pkg/auth"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/logger"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/registry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	Verifier auth.Verifier
	Registry *registry.Registry
	Chat     *chat.Service
	Log      *zap.Logger

	// FrameRate and FrameBurst bound inbound frames per connection.
	FrameRate  float64
	FrameBurst int
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

// Server upgrades requests on the websocket path and runs one session per
// connection.
type Server struct {
	verifier   auth.Verifier
	registry   *registry.Registry
	chat       *chat.Service
	log        *zap.Logger
	upgrader   websocket.Upgrader
	frameRate  rate.Limit
	frameBurst int

	sessions sync.Map // *session -> struct{}
}

func NewServer(opts Options) *Server {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 20
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 40
	}
	origins := opts.AllowedOrigins
	return &Server{
		verifier: opts.Verifier,
		registry: opts.Registry,
		chat:     opts.Chat,
		log:      opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
		frameRate:  rate.Limit(opts.FrameRate),
		frameBurst: opts.FrameBurst,
	}
}

// ServeHTTP takes the credential from the Authorization header or the token
// query parameter. The connection is upgraded before verification so a
// rejected client sees a websocket close code rather than an HTTP status.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("ws_upgrade_failed", zap.String("path", logger.SafePath(r)), zap.Error(err))
		return
	}

	user, err := srv.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			srv.log.Info("ws_unauthorized", zap.String("remote", r.RemoteAddr), zap.Error(err))
			reject(conn, websocket.ClosePolicyViolation, "Unauthorized")
		} else {
			srv.log.Error("ws_verify_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			reject(conn, websocket.CloseTryAgainLater, "Try again later")
		}
		return
	}

	s := newSession(srv, conn, user)

	// The acknowledgment is queued before registration so it precedes any
	// event delivered to this connection.
	ack, err := json.Marshal(model.ConnectionFrame{
		Type:      model.TypeConnection,
		Status:    "connected",
		UserID:    user.ID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		srv.log.Error("ack_encode_failed", zap.Error(err))
		reject(conn, websocket.CloseInternalServerErr, "Internal error")
		return
	}
	_ = s.Send(ack)

	if _, err := srv.registry.Register(user.ID, s); err != nil {
		s.log.Error("ws_register_failed", zap.Error(err))
		reject(conn, websocket.CloseInternalServerErr, "Internal error")
		return
	}
	s.setState(StateServing)
	srv.sessions.Store(s, struct{}{})
	defer srv.sessions.Delete(s)
	s.log.Info("session_opened")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go s.writePump()
	s.readPump(ctx)
}

func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}

// Shutdown closes every open session. Hijacked connections are not tracked
// by http.Server, so callers run this alongside its Shutdown.
func (srv *Server) Shutdown() {
	srv.sessions.Range(func(k, _ any) bool {
		_ = k.(*session).Close()
		return true
	})
}
