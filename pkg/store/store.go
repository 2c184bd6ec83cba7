// Package store is the thread membership and message persistence layer.
// Two implementations share one contract: Scylla for clustered deployments
// and SQLite for single-node installs and tests.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/mahaj/threadgate/pkg/model"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	UpsertUser(ctx context.Context, user model.User) error

	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
	ParticipantsOf(ctx context.Context, threadID string) ([]string, error)
	// CreateThread returns the existing thread, and false, when a two-party
	// thread for the same pair already exists.
	CreateThread(ctx context.Context, participantIDs []string) (model.Thread, bool, error)
	GetThread(ctx context.Context, threadID string) (model.Thread, error)
	// ListThreads pages a user's threads, most recently updated first.
	ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, error)
	TouchThread(ctx context.Context, threadID string, at time.Time) error

	// AppendMessage assigns the message ID and creation time. ReadBy starts
	// as the sender.
	AppendMessage(ctx context.Context, msg model.Message) (model.Message, error)
	GetMessage(ctx context.Context, threadID, messageID string) (model.Message, error)
	// ListMessages pages a thread's messages in chronological order.
	ListMessages(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error)
	// MarkRead adds userID to the message's read set and reports whether
	// the set grew. The set is never rewritten.
	MarkRead(ctx context.Context, threadID, messageID, userID string) (bool, error)

	Close() error
}

// NormalizeParticipants drops blanks and duplicates and sorts the rest.
func NormalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// pairKey identifies a two-party thread independent of participant order.
func pairKey(sorted []string) string {
	return sorted[0] + ":" + sorted[1]
}

// page clamps limit and offset to usable values.
func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
