package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/mahaj/threadgate/pkg/db"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/snowflake"
)

// Scylla implements Store over the chat keyspace. Messages are clustered by
// snowflake id, so partition order is chronological.
type Scylla struct {
	session *db.Session
	ids     *snowflake.Node
	now     func() time.Time
}

func NewScylla(session *db.Session, ids *snowflake.Node) *Scylla {
	return &Scylla{session: session, ids: ids, now: time.Now}
}

func (s *Scylla) Close() error {
	s.session.Close()
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Scylla) GetUser(ctx context.Context, userID string) (model.User, error) {
	u := model.User{ID: userID}
	err := s.session.Query(`SELECT display_name, active FROM users WHERE id = ?`, userID).
		WithContext(ctx).Scan(&u.DisplayName, &u.Active)
	if err != nil {
		return model.User{}, notFound(err, "user "+userID)
	}
	return u, nil
}

func (s *Scylla) UpsertUser(ctx context.Context, u model.User) error {
	err := s.session.Query(`INSERT INTO users (id, display_name, active) VALUES (?, ?, ?)`,
		u.ID, u.DisplayName, u.Active).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *Scylla) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	var id string
	err := s.session.Query(`SELECT user_id FROM thread_participants WHERE thread_id = ? AND user_id = ?`,
		threadID, userID).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

func (s *Scylla) ParticipantsOf(ctx context.Context, threadID string) ([]string, error) {
	iter := s.session.Query(`SELECT user_id FROM thread_participants WHERE thread_id = ?`, threadID).
		WithContext(ctx).Iter()

	ids := []string{}
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}

// CreateThread claims the pair key with a lightweight transaction before
// writing thread rows. A claim whose rows were never written is repaired by
// writing them under the claimed id.
func (s *Scylla) CreateThread(ctx context.Context, participantIDs []string) (model.Thread, bool, error) {
	ids := NormalizeParticipants(participantIDs)
	if len(ids) < 2 {
		return model.Thread{}, false, fmt.Errorf("create thread: need at least two participants, got %d", len(ids))
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	th := model.Thread{ID: uuid.NewString(), ParticipantIDs: ids, CreatedAt: now, UpdatedAt: now}

	if len(ids) == 2 {
		existing := map[string]interface{}{}
		applied, err := s.session.Query(`INSERT INTO direct_threads (pair_key, thread_id) VALUES (?, ?) IF NOT EXISTS`,
			pairKey(ids), th.ID).WithContext(ctx).MapScanCAS(existing)
		if err != nil {
			return model.Thread{}, false, fmt.Errorf("claim direct thread: %w", err)
		}
		if !applied {
			claimed, _ := existing["thread_id"].(string)
			found, err := s.GetThread(ctx, claimed)
			if err == nil {
				return found, false, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return model.Thread{}, false, err
			}
			th.ID = claimed
		}
	}

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO threads (id, participants, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		th.ID, ids, now, now)
	for _, uid := range ids {
		b.Query(`INSERT INTO thread_participants (thread_id, user_id) VALUES (?, ?)`, th.ID, uid)
		b.Query(`INSERT INTO user_threads (user_id, thread_id) VALUES (?, ?)`, uid, th.ID)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		return model.Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	return th, true, nil
}

func (s *Scylla) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	th := model.Thread{ID: threadID}
	err := s.session.Query(`SELECT participants, created_at, updated_at FROM threads WHERE id = ?`, threadID).
		WithContext(ctx).Scan(&th.ParticipantIDs, &th.CreatedAt, &th.UpdatedAt)
	if err != nil {
		return model.Thread{}, notFound(err, "thread "+threadID)
	}
	slices.Sort(th.ParticipantIDs)
	th.CreatedAt = th.CreatedAt.UTC()
	th.UpdatedAt = th.UpdatedAt.UTC()
	return th, nil
}

// ListThreads sorts in memory: updated_at is mutable and cannot be a
// clustering column.
func (s *Scylla) ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, error) {
	limit, offset = page(limit, offset)

	iter := s.session.Query(`SELECT thread_id FROM user_threads WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var threadIDs []string
	var id string
	for iter.Scan(&id) {
		threadIDs = append(threadIDs, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	threads := make([]model.Thread, 0, len(threadIDs))
	for _, id := range threadIDs {
		th, err := s.GetThread(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})

	if offset >= len(threads) {
		return []model.Thread{}, nil
	}
	end := min(offset+limit, len(threads))
	return threads[offset:end], nil
}

// TouchThread writes with the touch time as the cell timestamp so that a
// late, older touch never moves updated_at backwards.
func (s *Scylla) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	err := s.session.Query(`UPDATE threads USING TIMESTAMP ? SET updated_at = ? WHERE id = ?`,
		at.UnixMicro(), at.UTC(), threadID).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

func (s *Scylla) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	id := s.ids.Generate()
	msg.ID = id.String()
	msg.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}
	msg.ReadBy = []string{msg.SenderID}

	err := s.session.Query(`INSERT INTO messages (thread_id, id, sender_id, content, attachments, read_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ThreadID, int64(id), msg.SenderID, msg.Content, msg.Attachments, msg.ReadBy, msg.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *Scylla) GetMessage(ctx context.Context, threadID, messageID string) (model.Message, error) {
	id, err := snowflake.Parse(messageID)
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}

	m := model.Message{ID: messageID, ThreadID: threadID}
	err = s.session.Query(`SELECT sender_id, content, attachments, read_by, created_at
		FROM messages WHERE thread_id = ? AND id = ?`, threadID, int64(id)).
		WithContext(ctx).Scan(&m.SenderID, &m.Content, &m.Attachments, &m.ReadBy, &m.CreatedAt)
	if err != nil {
		return model.Message{}, notFound(err, "message "+messageID)
	}
	normalizeMessage(&m)
	return m, nil
}

func normalizeMessage(m *model.Message) {
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	m.CreatedAt = m.CreatedAt.UTC()
}

// ListMessages reads offset+limit rows and skips the offset; CQL has no OFFSET.
func (s *Scylla) ListMessages(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	limit, offset = page(limit, offset)

	iter := s.session.Query(`SELECT id, sender_id, content, attachments, read_by, created_at
		FROM messages WHERE thread_id = ? LIMIT ?`, threadID, offset+limit).
		WithContext(ctx).PageSize(limit).Iter()

	msgs := []model.Message{}
	var (
		id      int64
		skipped int
	)
	for {
		m := model.Message{ThreadID: threadID}
		if !iter.Scan(&id, &m.SenderID, &m.Content, &m.Attachments, &m.ReadBy, &m.CreatedAt) {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		m.ID = snowflake.ID(id).String()
		normalizeMessage(&m)
		msgs = append(msgs, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MarkRead appends to the read_by set. Set addition is idempotent, so
// concurrent receipts for the same message cannot lose each other.
func (s *Scylla) MarkRead(ctx context.Context, threadID, messageID, userID string) (bool, error) {
	m, err := s.GetMessage(ctx, threadID, messageID)
	if err != nil {
		return false, err
	}
	if m.HasRead(userID) {
		return false, nil
	}

	id, _ := snowflake.Parse(messageID)
	applied, err := s.session.Query(`UPDATE messages SET read_by = read_by + ? WHERE thread_id = ? AND id = ? IF EXISTS`,
		[]string{userID}, threadID, int64(id)).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if !applied {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return true, nil
}
