package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/threadgate/pkg/db"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	return nodeID(t, 1)
}

func nodeID(t *testing.T, id int64) *snowflake.Node {
	t.Helper()
	n, err := snowflake.NewNode(id)
	require.NoError(t, err)
	return n
}

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"), newNode(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openScylla(t *testing.T) Store {
	t.Helper()
	hosts := os.Getenv("SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_HOSTS not set")
	}
	log := zaptest.NewLogger(t)
	const keyspace = "threadgate_test"
	require.NoError(t, db.CreateKeyspace(strings.Split(hosts, ","), keyspace, 1, log))
	session, err := db.NewSession(strings.Split(hosts, ","), keyspace, log)
	require.NoError(t, err)
	require.NoError(t, db.DropScylla(session))
	require.NoError(t, db.MigrateScylla(session))
	s := NewScylla(session, newNode(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) { runContract(t, openSQLite) }

func TestScyllaStore(t *testing.T) { runContract(t, openScylla) }

func runContract(t *testing.T, open func(*testing.T) Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("two party dedup", func(t *testing.T) { testTwoPartyDedup(t, open(t)) })
	t.Run("group threads", func(t *testing.T) { testGroupThreads(t, open(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, open(t)) })
	t.Run("read monotonic", func(t *testing.T) { testReadMonotonic(t, open(t)) })
	t.Run("thread ordering", func(t *testing.T) { testThreadOrdering(t, open(t)) })
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertUser(ctx, model.User{ID: "u1", DisplayName: "One", Active: true}))
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.User{ID: "u1", DisplayName: "One", Active: true}, u)

	require.NoError(t, s.UpsertUser(ctx, model.User{ID: "u1", DisplayName: "One", Active: false}))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Active)
}

func testTwoPartyDedup(t *testing.T, s Store) {
	ctx := context.Background()

	first, created, err := s.CreateThread(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"alice", "bob"}, first.ParticipantIDs)

	again, created, err := s.CreateThread(ctx, []string{"bob", "alice", "bob"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := s.CreateThread(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	_, _, err = s.CreateThread(ctx, []string{"alice", "alice"})
	assert.Error(t, err)
}

func testGroupThreads(t *testing.T, s Store) {
	ctx := context.Background()
	members := []string{"a", "b", "c"}

	one, created, err := s.CreateThread(ctx, members)
	require.NoError(t, err)
	assert.True(t, created)
	two, created, err := s.CreateThread(ctx, members)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, one.ID, two.ID)

	ok, err := s.IsParticipant(ctx, "b", one.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsParticipant(ctx, "z", one.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.ParticipantsOf(ctx, one.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, members, ids)

	_, err = s.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	th, _, err := s.CreateThread(ctx, []string{"alice", "bob"})
	require.NoError(t, err)

	var sent []model.Message
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, model.Message{
			ThreadID: th.ID,
			SenderID: "alice",
			Content:  fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
		assert.Equal(t, []string{"alice"}, m.ReadBy)
		assert.Equal(t, []string{}, m.Attachments)
		sent = append(sent, m)
	}

	withFiles, err := s.AppendMessage(ctx, model.Message{
		ThreadID: th.ID, SenderID: "bob", Content: "see attached", Attachments: []string{"s3://a.png"},
	})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, th.ID, withFiles.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://a.png"}, got.Attachments)
	assert.Equal(t, []string{"bob"}, got.ReadBy)
	assert.True(t, withFiles.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetMessage(ctx, "other-thread", withFiles.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage(ctx, th.ID, "999")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListMessages(ctx, th.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := range sent {
		assert.Equal(t, sent[i].ID, all[i].ID)
		assert.Equal(t, sent[i].Content, all[i].Content)
	}

	paged, err := s.ListMessages(ctx, th.ID, 2, 3)
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "m3", paged[0].Content)
	assert.Equal(t, "m4", paged[1].Content)

	empty, err := s.ListMessages(ctx, th.ID, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testReadMonotonic(t *testing.T, s Store) {
	ctx := context.Background()
	th, _, err := s.CreateThread(ctx, []string{"u0", "u1", "u2", "u3", "u4", "u5"})
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, model.Message{ThreadID: th.ID, SenderID: "u0", Content: "hi"})
	require.NoError(t, err)

	changed, err := s.MarkRead(ctx, th.ID, m.ID, "u0")
	require.NoError(t, err)
	assert.False(t, changed, "sender has already read")

	changed, err = s.MarkRead(ctx, th.ID, m.ID, "u1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkRead(ctx, th.ID, m.ID, "u1")
	require.NoError(t, err)
	assert.False(t, changed)

	var wg sync.WaitGroup
	for _, u := range []string{"u2", "u3", "u4", "u5"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MarkRead(ctx, th.ID, m.ID, u)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetMessage(ctx, th.ID, m.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u0", "u1", "u2", "u3", "u4", "u5"}, got.ReadBy)

	_, err = s.MarkRead(ctx, th.ID, "12345", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testThreadOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	older, _, err := s.CreateThread(ctx, []string{"me", "x"})
	require.NoError(t, err)
	newer, _, err := s.CreateThread(ctx, []string{"me", "y"})
	require.NoError(t, err)
	_, _, err = s.CreateThread(ctx, []string{"x", "y"})
	require.NoError(t, err)

	later := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TouchThread(ctx, older.ID, later))
	require.NoError(t, s.TouchThread(ctx, newer.ID, later.Add(-30*time.Minute)))
	// A stale touch must not move updated_at backwards.
	require.NoError(t, s.TouchThread(ctx, older.ID, later.Add(-2*time.Hour)))

	threads, err := s.ListThreads(ctx, "me", 10, 0)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, older.ID, threads[0].ID)
	assert.Equal(t, newer.ID, threads[1].ID)
	assert.True(t, threads[0].UpdatedAt.Equal(later))

	second, err := s.ListThreads(ctx, "me", 1, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, newer.ID, second[0].ID)
}

// Two handles on one file behave like two gateway processes sharing storage.
func openSharedSQLite(t *testing.T) (*SQLite, *SQLite) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := OpenSQLite(context.Background(), path, nodeID(t, 1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenSQLite(context.Background(), path, nodeID(t, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestSQLiteSharedFileDedup(t *testing.T) {
	a, b := openSharedSQLite(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		pair := []string{fmt.Sprintf("left%d", i), fmt.Sprintf("right%d", i)}
		var (
			wg      sync.WaitGroup
			threads [2]model.Thread
			created [2]bool
			errs    [2]error
		)
		for j, s := range []*SQLite{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				threads[j], created[j], errs[j] = s.CreateThread(ctx, pair)
			}()
		}
		wg.Wait()

		require.NoError(t, errs[0], "round %d", i)
		require.NoError(t, errs[1], "round %d", i)
		assert.Equal(t, threads[0].ID, threads[1].ID, "round %d", i)
		assert.True(t, created[0] != created[1], "round %d: exactly one creator", i)
	}
}

func TestSQLiteSharedFileReadReceipts(t *testing.T) {
	a, b := openSharedSQLite(t)
	ctx := context.Background()

	th, _, err := a.CreateThread(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	var unread []model.Message
	for i := 0; i < 40; i++ {
		m, err := a.AppendMessage(ctx, model.Message{ThreadID: th.ID, SenderID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		unread = append(unread, m)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			_, err := a.AppendMessage(ctx, model.Message{ThreadID: th.ID, SenderID: "alice", Content: "more"})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for _, m := range unread {
			changed, err := b.MarkRead(ctx, th.ID, m.ID, "bob")
			assert.NoError(t, err)
			assert.True(t, changed)
		}
	}()
	wg.Wait()

	all, err := b.ListMessages(ctx, th.ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, all, 80)
	for _, m := range all[:40] {
		assert.ElementsMatch(t, []string{"alice", "bob"}, m.ReadBy)
	}
}
