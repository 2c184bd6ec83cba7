package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/threadgate/pkg/db"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/snowflake"
)

// SQLite implements Store over a single SQLite file.
type SQLite struct {
	sqlDB *sql.DB
	ids   *snowflake.Node
	now   func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func OpenSQLite(ctx context.Context, path string, ids *snowflake.Node) (*SQLite, error) {
	sqlDB, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLite{sqlDB: sqlDB, ids: ids, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.sqlDB.Close()
}

func (s *SQLite) GetUser(ctx context.Context, userID string) (model.User, error) {
	u := model.User{ID: userID}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT display_name, active FROM users WHERE id = ?`, userID,
	).Scan(&u.DisplayName, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO users (id, display_name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, active = excluded.active`,
		u.ID, u.DisplayName, u.Active)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLite) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM thread_participants WHERE thread_id = ? AND user_id = ?`, threadID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

func (s *SQLite) ParticipantsOf(ctx context.Context, threadID string) ([]string, error) {
	return participants(ctx, s.sqlDB, threadID)
}

func participants(ctx context.Context, q queryer, threadID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM thread_participants WHERE thread_id = ? ORDER BY user_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) CreateThread(ctx context.Context, participantIDs []string) (model.Thread, bool, error) {
	ids := NormalizeParticipants(participantIDs)
	if len(ids) < 2 {
		return model.Thread{}, false, fmt.Errorf("create thread: need at least two participants, got %d", len(ids))
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return model.Thread{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(ids) == 2 {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT thread_id FROM direct_threads WHERE pair_key = ?`, pairKey(ids),
		).Scan(&existing)
		switch {
		case err == nil:
			th, err := getThread(ctx, tx, existing)
			return th, false, err
		case !errors.Is(err, sql.ErrNoRows):
			return model.Thread{}, false, fmt.Errorf("lookup direct thread: %w", err)
		}
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	th := model.Thread{ID: uuid.NewString(), ParticipantIDs: ids, CreatedAt: now, UpdatedAt: now}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, updated_at) VALUES (?, ?, ?)`,
		th.ID, toMillis(now), toMillis(now)); err != nil {
		return model.Thread{}, false, fmt.Errorf("insert thread: %w", err)
	}
	for _, uid := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thread_participants (thread_id, user_id) VALUES (?, ?)`, th.ID, uid); err != nil {
			return model.Thread{}, false, fmt.Errorf("insert participant: %w", err)
		}
	}
	if len(ids) == 2 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO direct_threads (pair_key, thread_id) VALUES (?, ?)`, pairKey(ids), th.ID); err != nil {
			return model.Thread{}, false, fmt.Errorf("insert direct thread: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Thread{}, false, fmt.Errorf("commit thread: %w", err)
	}
	return th, true, nil
}

func (s *SQLite) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	return getThread(ctx, s.sqlDB, threadID)
}

func getThread(ctx context.Context, q queryer, threadID string) (model.Thread, error) {
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM threads WHERE id = ?`, threadID,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	ids, err := participants(ctx, q, threadID)
	if err != nil {
		return model.Thread{}, err
	}
	return model.Thread{
		ID:             threadID,
		ParticipantIDs: ids,
		CreatedAt:      fromMillis(created),
		UpdatedAt:      fromMillis(updated),
	}, nil
}

func (s *SQLite) ListThreads(ctx context.Context, userID string, limit, offset int) ([]model.Thread, error) {
	limit, offset = page(limit, offset)
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT t.id FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id
		WHERE p.user_id = ?
		ORDER BY t.updated_at DESC, t.id
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var threadIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threadIDs = append(threadIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	threads := make([]model.Thread, 0, len(threadIDs))
	for _, id := range threadIDs {
		th, err := getThread(ctx, s.sqlDB, id)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, nil
}

func (s *SQLite) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE threads SET updated_at = MAX(updated_at, ?) WHERE id = ?`, toMillis(at), threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.ID = s.ids.Generate().String()
	msg.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}
	msg.ReadBy = []string{msg.SenderID}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.SenderID, msg.Content, string(attachments), toMillis(msg.CreatedAt)); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES (?, ?)`, msg.ID, msg.SenderID); err != nil {
		return model.Message{}, fmt.Errorf("insert read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, thread_id, sender_id, content, attachments, created_at`

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m           model.Message
		attachments string
		created     int64
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &attachments, &created); err != nil {
		return model.Message{}, err
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return model.Message{}, fmt.Errorf("decode attachments: %w", err)
	}
	m.CreatedAt = fromMillis(created)
	return m, nil
}

func readers(ctx context.Context, q queryer, messageID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY rowid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reader: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) GetMessage(ctx context.Context, threadID, messageID string) (model.Message, error) {
	m, err := scanMessage(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND thread_id = ?`, messageID, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message: %w", err)
	}
	if m.ReadBy, err = readers(ctx, s.sqlDB, m.ID); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func (s *SQLite) ListMessages(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	limit, offset = page(limit, offset)
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	for i := range msgs {
		if msgs[i].ReadBy, err = readers(ctx, s.sqlDB, msgs[i].ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *SQLite) MarkRead(ctx context.Context, threadID, messageID, userID string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND thread_id = ?`, messageID, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, user_id) VALUES (?, ?)`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit read: %w", err)
	}
	return n == 1, nil
}
