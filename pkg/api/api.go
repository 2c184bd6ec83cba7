// Package api is the REST companion to the websocket gateway: login,
// thread management, history and presence.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"github.com/mahaj/threadgate/pkg/auth"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/logger"
	"github.com/mahaj/threadgate/pkg/metrics"
	"go.uber.org/zap"
)

// Presence reports which of the given users are connected to a gateway.
type Presence interface {
	OnlineUsers(ctx context.Context, userIDs []string) ([]string, error)
}

type Options struct {
	Chat     *chat.Service
	Users    auth.UserDirectory
	Issuer   *auth.Issuer
	Verifier auth.Verifier

	// Presence may be nil when presence tracking is disabled.
	Presence    Presence
	CORSOrigins []string
	Log         *zap.Logger
}

type Handler struct {
	chat     *chat.Service
	users    auth.UserDirectory
	issuer   *auth.Issuer
	presence Presence
	log      *zap.Logger
}

// NewRouter builds the full api surface. Everything under /threads needs an
// access token.
func NewRouter(opts Options) http.Handler {
	h := &Handler{
		chat:     opts.Chat,
		users:    opts.Users,
		issuer:   opts.Issuer,
		presence: opts.Presence,
		log:      opts.Log,
	}

	r := mux.NewRouter()
	r.Use(logger.Middleware(opts.Log))
	r.HandleFunc("/healthz", Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)

	threads := r.PathPrefix("/threads").Subrouter()
	threads.Use(auth.Middleware(opts.Verifier, opts.Log))
	threads.HandleFunc("", h.CreateThread).Methods(http.MethodPost)
	threads.HandleFunc("", h.ListThreads).Methods(http.MethodGet)
	threads.HandleFunc("/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	threads.HandleFunc("/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	threads.HandleFunc("/{id}/messages/{mid}/read", h.MarkRead).Methods(http.MethodPost)
	threads.HandleFunc("/{id}/presence", h.Presence).Methods(http.MethodGet)

	return CORS(opts.CORSOrigins)(r)
}

// CORS answers preflight requests and sets the allow headers. An origin
// list containing "*" allows any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
