// Package chat holds the operations both the websocket gateway and the REST
// api perform on threads: persist first, then fan out to participants.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/store"
	"go.uber.org/zap"
)

var (
	ErrNotParticipant  = errors.New("not a participant in this thread")
	ErrMessageNotFound = errors.New("message not found")
	ErrUserNotFound    = errors.New("user not found")
)

// ValidationError is a request the caller can fix. Message is safe to show
// to clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

const (
	MaxThreadPage  = 100
	MaxMessagePage = 200

	defaultWriteTimeout = 5 * time.Second
)

// Broadcaster delivers an event to every connection of the given users.
type Broadcaster interface {
	Broadcast(ctx context.Context, userIDs []string, event any) error
}

type Service struct {
	store        store.Store
	bc           Broadcaster
	log          *zap.Logger
	writeTimeout time.Duration
}

func NewService(st store.Store, bc Broadcaster, log *zap.Logger) *Service {
	return &Service{store: st, bc: bc, log: log, writeTimeout: defaultWriteTimeout}
}

// detached keeps writes alive when the requesting connection goes away
// mid-operation, so a message is never half-sent.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
}

// requireMember fails with ErrNotParticipant unless userID belongs to the
// thread. Unknown threads have no members.
func (s *Service) requireMember(ctx context.Context, userID, threadID string) error {
	ok, err := s.store.IsParticipant(ctx, userID, threadID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// members returns the thread's participants if userID is one of them.
func (s *Service) members(ctx context.Context, userID, threadID string) ([]string, error) {
	if err := s.requireMember(ctx, userID, threadID); err != nil {
		return nil, err
	}
	ids, err := s.store.ParticipantsOf(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return ids, nil
}

// SendMessage stores a message and, once it is durable, delivers a
// new_message frame to every participant including the sender.
func (s *Service) SendMessage(ctx context.Context, senderID, threadID, content string, attachments []string) (model.Message, error) {
	if threadID == "" || content == "" {
		return model.Message{}, &ValidationError{Message: "Missing thread_id or content"}
	}
	participants, err := s.members(ctx, senderID, threadID)
	if err != nil {
		return model.Message{}, err
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	msg, err := s.store.AppendMessage(wctx, model.Message{
		ThreadID:    threadID,
		SenderID:    senderID,
		Content:     content,
		Attachments: attachments,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := s.store.TouchThread(wctx, threadID, msg.CreatedAt); err != nil {
		s.log.Warn("thread_touch_failed", zap.String("thread_id", threadID), zap.Error(err))
	}

	if err := s.bc.Broadcast(wctx, participants, model.NewMessage(msg)); err != nil {
		s.log.Error("broadcast_failed", zap.String("thread_id", threadID), zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// Typing relays a typing indicator to the thread's other participants.
// Nothing is stored.
func (s *Service) Typing(ctx context.Context, userID, threadID string, isTyping bool) error {
	if threadID == "" {
		return &ValidationError{Message: "Missing thread_id"}
	}
	participants, err := s.members(ctx, userID, threadID)
	if err != nil {
		return err
	}
	others := slices.DeleteFunc(slices.Clone(participants), func(id string) bool { return id == userID })
	if len(others) == 0 {
		return nil
	}
	return s.bc.Broadcast(ctx, others, model.TypingFrame{
		Type:     model.TypeTyping,
		ThreadID: threadID,
		UserID:   userID,
		IsTyping: isTyping,
	})
}

// ReadReceipt records that userID read a message and tells every
// participant. A repeated receipt is still broadcast; changed reports
// whether the read set grew.
func (s *Service) ReadReceipt(ctx context.Context, userID, threadID, messageID string) (bool, error) {
	if threadID == "" || messageID == "" {
		return false, &ValidationError{Message: "Missing message_id or thread_id"}
	}
	participants, err := s.members(ctx, userID, threadID)
	if err != nil {
		return false, err
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	changed, err := s.store.MarkRead(wctx, threadID, messageID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrMessageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}

	if err := s.bc.Broadcast(wctx, participants, model.ReadReceiptFrame{
		Type:      model.TypeReadReceipt,
		MessageID: messageID,
		ThreadID:  threadID,
		UserID:    userID,
	}); err != nil {
		s.log.Error("broadcast_failed", zap.String("thread_id", threadID), zap.String("message_id", messageID), zap.Error(err))
	}
	return changed, nil
}

// CreateThread opens a thread between creatorID and participantIDs. A
// second request for the same two-party thread returns the first one with
// created false.
func (s *Service) CreateThread(ctx context.Context, creatorID string, participantIDs []string) (model.Thread, bool, error) {
	ids := store.NormalizeParticipants(append([]string{creatorID}, participantIDs...))
	if len(ids) < 2 {
		return model.Thread{}, false, &ValidationError{Message: "A thread needs at least two participants"}
	}
	for _, id := range ids {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.Thread{}, false, fmt.Errorf("%w: %s", ErrUserNotFound, id)
			}
			return model.Thread{}, false, fmt.Errorf("load user %s: %w", id, err)
		}
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()
	return s.store.CreateThread(wctx, ids)
}

// ListThreads pages userID's threads, most recently active first.
func (s *Service) ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, error) {
	return s.store.ListThreads(ctx, userID, clamp(limit, MaxThreadPage), offset)
}

// ListMessages pages a thread's history oldest first. Only participants
// may read it.
func (s *Service) ListMessages(ctx context.Context, userID, threadID string, limit, offset int) ([]model.Message, error) {
	if err := s.requireMember(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID, clamp(limit, MaxMessagePage), offset)
}

// Participants returns the thread's members, provided userID is one.
func (s *Service) Participants(ctx context.Context, userID, threadID string) ([]string, error) {
	return s.members(ctx, userID, threadID)
}

func clamp(limit, upper int) int {
	if limit > upper {
		return upper
	}
	return limit
}

