package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/threadgate/pkg/auth"
	"github.com/mahaj/threadgate/pkg/chat"
	"github.com/mahaj/threadgate/pkg/fanout"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/registry"
	"github.com/mahaj/threadgate/pkg/snowflake"
	"github.com/mahaj/threadgate/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

type frame map[string]any

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

type cluster struct {
	t      *testing.T
	store  store.Store
	bus    *fanout.Memory
	issuer *auth.Issuer
	thread model.Thread
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	ctx := context.Background()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "chat.db"), ids)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.UpsertUser(ctx, model.User{ID: id, DisplayName: id, Active: true}))
	}
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "gone", DisplayName: "gone", Active: false}))
	th, _, err := st.CreateThread(ctx, []string{"u1", "u2"})
	require.NoError(t, err)

	bus := fanout.NewMemory()
	t.Cleanup(func() { _ = bus.Close() })

	return &cluster{t: t, store: st, bus: bus, issuer: auth.NewIssuer(secret, time.Hour), thread: th}
}

type instance struct {
	srv  *Server
	reg  *registry.Registry
	http *httptest.Server
}

// instance starts one gateway process on the cluster's shared store and bus.
func (c *cluster) instance(id string, rate float64, burst int) *instance {
	c.t.Helper()
	// Sessions and relays outlive the test function, so they cannot log to t.
	log := zap.NewNop()
	reg := registry.New(log)
	bc := fanout.NewBroadcaster(reg, c.bus, id, log)

	ctx, cancel := context.WithCancel(context.Background())
	c.t.Cleanup(cancel)
	before := c.bus.Subscribers()
	go fanout.Relay(ctx, c.bus, reg, id, log)
	require.Eventually(c.t, func() bool { return c.bus.Subscribers() == before+1 }, time.Second, 5*time.Millisecond)

	srv := NewServer(Options{
		Verifier:   auth.NewJWTVerifier(secret, c.store),
		Registry:   reg,
		Chat:       chat.NewService(c.store, bc, log),
		Log:        log,
		FrameRate:  rate,
		FrameBurst: burst,
	})
	hs := httptest.NewServer(srv)
	c.t.Cleanup(hs.Close)
	c.t.Cleanup(srv.Shutdown)
	return &instance{srv: srv, reg: reg, http: hs}
}

func (c *cluster) token(userID string) string {
	c.t.Helper()
	tok, err := c.issuer.GenerateToken(userID)
	require.NoError(c.t, err)
	return tok
}

func (in *instance) dialRaw(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dial connects and consumes the connection acknowledgment.
func (in *instance) dial(t *testing.T, c *cluster, userID string) *websocket.Conn {
	t.Helper()
	conn := in.dialRaw(t, c.token(userID))
	ack := read(t, conn)
	require.Equal(t, "connection", ack.str("type"))
	require.Equal(t, "connected", ack.str("status"))
	require.Equal(t, userID, ack.str("user_id"))
	require.NotEmpty(t, ack.str("timestamp"))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// fence sends a ping and expects the pong as the very next frame, proving
// nothing else was queued for this connection before it.
func fence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	write(t, conn, frame{"type": "ping"})
	assert.Equal(t, frame{"type": "pong"}, read(t, conn))
}

func closeCode(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	return ce
}

func TestUnauthorizedConnectionsAreClosed(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)

	for name, token := range map[string]string{
		"garbage":       "not-a-jwt",
		"empty":         "",
		"inactive user": c.token("gone"),
		"unknown user":  c.token("ghost"),
	} {
		t.Run(name, func(t *testing.T) {
			ce := closeCode(t, gw.dialRaw(t, token))
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, "Unauthorized", ce.Text)
		})
	}
	assert.Zero(t, gw.reg.Count("gone"))
}

func TestMessageDeliveredOnceToEveryParticipant(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")
	u2 := gw.dial(t, c, "u2")

	write(t, u1, frame{"type": "message", "thread_id": c.thread.ID, "content": "hi"})

	for _, conn := range []*websocket.Conn{u1, u2} {
		f := read(t, conn)
		require.Equal(t, "new_message", f.str("type"))
		msg, ok := f["message"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "hi", msg["content"])
		assert.Equal(t, "u1", msg["sender_id"])
		assert.Equal(t, c.thread.ID, msg["thread_id"])
		assert.Equal(t, []any{}, msg["attachments"])
		fence(t, conn)
	}

	msgs, err := c.store.ListMessages(context.Background(), c.thread.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"u1"}, msgs[0].ReadBy)
}

func TestNonParticipantGetsErrorFrame(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u3 := gw.dial(t, c, "u3")

	write(t, u3, frame{"type": "message", "thread_id": c.thread.ID, "content": "hello"})
	assert.Equal(t, frame{"type": "error", "message": "Not a participant in this thread"}, read(t, u3))

	write(t, u3, frame{"type": "message", "thread_id": c.thread.ID})
	assert.Equal(t, frame{"type": "error", "message": "Missing thread_id or content"}, read(t, u3))

	msgs, err := c.store.ListMessages(context.Background(), c.thread.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	fence(t, u3)
}

func TestTypingSkipsSender(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")
	u2 := gw.dial(t, c, "u2")

	write(t, u1, frame{"type": "typing", "thread_id": c.thread.ID, "is_typing": true})
	assert.Equal(t, frame{"type": "typing", "thread_id": c.thread.ID, "user_id": "u1", "is_typing": true}, read(t, u2))
	fence(t, u1)
}

func TestReadReceiptReachesAllParticipants(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")
	u2 := gw.dial(t, c, "u2")

	write(t, u1, frame{"type": "message", "thread_id": c.thread.ID, "content": "hi"})
	msgID := read(t, u1)["message"].(map[string]any)["id"].(string)
	read(t, u2)

	write(t, u2, frame{"type": "read_receipt", "thread_id": c.thread.ID, "message_id": msgID})
	want := frame{"type": "read_receipt", "message_id": msgID, "thread_id": c.thread.ID, "user_id": "u2"}
	assert.Equal(t, want, read(t, u1))
	assert.Equal(t, want, read(t, u2))

	write(t, u2, frame{"type": "read_receipt", "thread_id": c.thread.ID, "message_id": "42"})
	assert.Equal(t, frame{"type": "error", "message": "Message not found"}, read(t, u2))

	m, err := c.store.GetMessage(context.Background(), c.thread.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, m.ReadBy)
}

func TestMalformedFramesKeepSessionOpen(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")

	require.NoError(t, u1.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, frame{"type": "error", "message": "Invalid JSON"}, read(t, u1))

	write(t, u1, frame{"type": "dance"})
	assert.Equal(t, "error", read(t, u1).str("type"))

	fence(t, u1)
}

func TestOversizedFrameGetsErrorFrame(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")

	big := strings.Repeat("x", 70*1024)
	write(t, u1, frame{"type": "message", "thread_id": c.thread.ID, "content": big})
	assert.Equal(t, frame{"type": "error", "message": "Frame too large"}, read(t, u1))
	fence(t, u1)

	msgs, err := c.store.ListMessages(context.Background(), c.thread.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRateLimit(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 0.001, 1)
	u1 := gw.dial(t, c, "u1")

	fence(t, u1)
	write(t, u1, frame{"type": "ping"})
	assert.Equal(t, frame{"type": "error", "message": "Rate limit exceeded"}, read(t, u1))
}

func TestDisconnectUnregisters(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")
	gw.dial(t, c, "u1")
	require.Equal(t, 2, gw.reg.Count("u1"))

	require.NoError(t, u1.Close())
	require.Eventually(t, func() bool { return gw.reg.Count("u1") == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	c := newCluster(t)
	gw := c.instance("A", 100, 100)
	u1 := gw.dial(t, c, "u1")

	gw.srv.Shutdown()
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(t, u1).Code)
	require.Eventually(t, func() bool { return gw.reg.Count("u1") == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestCrossInstanceDelivery(t *testing.T) {
	c := newCluster(t)
	a := c.instance("A", 100, 100)
	b := c.instance("B", 100, 100)
	u1 := a.dial(t, c, "u1")
	u2 := b.dial(t, c, "u2")

	write(t, u1, frame{"type": "message", "thread_id": c.thread.ID, "content": "across"})

	assert.Equal(t, "new_message", read(t, u1).str("type"))
	f := read(t, u2)
	require.Equal(t, "new_message", f.str("type"))
	assert.Equal(t, "across", f["message"].(map[string]any)["content"])

	fence(t, u1)
	fence(t, u2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "serving", StateServing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
