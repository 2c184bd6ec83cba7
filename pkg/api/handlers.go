package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mahaj/threadgate/pkg/auth"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/store"
	"go.uber.org/zap"
)

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// Login issues an access token for an existing, active user. It takes no
// password and stands in for an external identity service during development.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUser(r.Context(), req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.log.Error("login_lookup_failed", zap.String("user_id", req.UserID), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	if !user.Active {
		http.Error(w, "Inactive user", http.StatusForbidden)
		return
	}

	token, err := h.issuer.GenerateToken(user.ID)
	if err != nil {
		h.log.Error("token_sign_failed", zap.String("user_id", user.ID), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

type CreateThreadRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	var req CreateThreadRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	thread, created, err := h.chat.CreateThread(r.Context(), user.ID, req.ParticipantIDs)
	if err != nil {
		h.fail(w, err, "create thread")
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, thread)
}

func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	limit, offset, ok := paging(w, r, 20)
	if !ok {
		return
	}

	threads, err := h.chat.ListThreads(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.fail(w, err, "list threads")
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	limit, offset, ok := paging(w, r, 50)
	if !ok {
		return
	}

	msgs, err := h.chat.ListMessages(r.Context(), user.ID, mux.Vars(r)["id"], limit, offset)
	if err != nil {
		h.fail(w, err, "list messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

// SendMessage is the REST twin of the websocket message frame: the message
// is stored and then delivered live to every participant.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	var req SendMessageRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), user.ID, mux.Vars(r)["id"], req.Content, req.Attachments)
	if err != nil {
		h.fail(w, err, "send message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type MarkReadResponse struct {
	MessageID string `json:"message_id"`
	Changed   bool   `json:"changed"`
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	vars := mux.Vars(r)

	changed, err := h.chat.ReadReceipt(r.Context(), user.ID, vars["id"], vars["mid"])
	if err != nil {
		h.fail(w, err, "mark message as read")
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{MessageID: vars["mid"], Changed: changed})
}

type PresenceResponse struct {
	ThreadID string   `json:"thread_id"`
	Online   []string `json:"online"`
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		http.Error(w, "Presence is disabled", http.StatusServiceUnavailable)
		return
	}
	user, _ := auth.UserFrom(r.Context())
	threadID := mux.Vars(r)["id"]

	members, err := h.chat.Participants(r.Context(), user.ID, threadID)
	if err != nil {
		h.fail(w, err, "fetch presence")
		return
	}
	online, err := h.presence.OnlineUsers(r.Context(), members)
	if err != nil {
		h.log.Error("presence_lookup_failed", zap.String("thread_id", threadID), zap.Error(err))
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{ThreadID: threadID, Online: online})
}

// fail maps chat errors to status codes. Unexpected errors are logged and
// hidden behind a generic message.
func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, chat.ErrNotParticipant):
		http.Error(w, "Not a participant in this thread", http.StatusForbidden)
	case errors.Is(err, chat.ErrMessageNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.log.Error("request_failed", zap.String("op", op), zap.Error(err))
		http.Error(w, "Failed to "+op, http.StatusInternalServerError)
	}
}

// paging reads limit and offset query parameters. It writes a 400 and
// returns false when either is malformed.
func paging(w http.ResponseWriter, r *http.Request, defaultLimit int) (int, int, bool) {
	limit, offset := defaultLimit, 0
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "Invalid "+name, http.StatusBadRequest)
			return 0, 0, false
		}
		*dst = v
	}
	if limit == 0 {
		limit = defaultLimit
	}
	return limit, offset, true
}
