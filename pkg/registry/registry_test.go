package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	block  chan struct{}
	closed bool
}

func (c *fakeConn) Send(p []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.got = append(c.got, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, p := range c.got {
		out[i] = string(p)
	}
	return out
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) Online(u string)  { o.record("online:" + u) }
func (o *recordingObserver) Offline(u string) { o.record("offline:" + u) }
func (o *recordingObserver) record(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func TestDeliverReachesEveryConnectionOnce(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	phone, laptop, other := &fakeConn{}, &fakeConn{}, &fakeConn{}

	first, err := r.Register("u1", phone)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = r.Register("u1", laptop)
	require.NoError(t, err)
	assert.False(t, first)
	_, err = r.Register("u2", other)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Deliver("u1", []byte("hello")))
	assert.Equal(t, []string{"hello"}, phone.received())
	assert.Equal(t, []string{"hello"}, laptop.received())
	assert.Empty(t, other.received())
}

func TestRegisterTwiceIsIdempotent(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	c := &fakeConn{}

	_, err := r.Register("u1", c)
	require.NoError(t, err)
	_, err = r.Register("u1", c)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count("u1"))
	assert.Equal(t, 1, r.Deliver("u1", []byte("x")))
}

func TestUnregisterRemovesEmptyEntries(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	a, b := &fakeConn{}, &fakeConn{}
	_, _ = r.Register("u1", a)
	_, _ = r.Register("u1", b)

	assert.False(t, r.Unregister("u1", a))
	assert.Equal(t, 1, r.Count("u1"))
	assert.True(t, r.Unregister("u1", b))
	assert.Equal(t, 0, r.Count("u1"))

	_, present := r.users.Load("u1")
	assert.False(t, present, "no dangling empty set")

	assert.False(t, r.Unregister("u1", b), "second unregister is a no-op")
	assert.Equal(t, 0, r.Deliver("u1", []byte("x")))
}

func TestConnectionBelongsToOneUser(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	c := &fakeConn{}
	_, err := r.Register("u1", c)
	require.NoError(t, err)

	_, err = r.Register("u2", c)
	assert.ErrorIs(t, err, ErrOwnedByOtherUser)
	assert.Equal(t, 0, r.Count("u2"))

	r.Unregister("u1", c)
	_, err = r.Register("u2", c)
	assert.NoError(t, err)
}

func TestFailedSendIsDroppedWithoutAffectingOthers(t *testing.T) {
	obs := &recordingObserver{}
	r := New(zaptest.NewLogger(t), WithObserver(obs))
	healthy, broken := &fakeConn{}, &fakeConn{fail: true}
	_, _ = r.Register("u1", healthy)
	_, _ = r.Register("u1", broken)

	assert.Equal(t, 1, r.Deliver("u1", []byte("first")))
	assert.True(t, broken.closed)
	assert.Equal(t, 1, r.Count("u1"))

	assert.Equal(t, 1, r.Deliver("u1", []byte("second")))
	assert.Equal(t, []string{"first", "second"}, healthy.received())
	assert.Equal(t, []string{"online:u1"}, obs.events)
}

func TestObserverSeesFirstAndLast(t *testing.T) {
	obs := &recordingObserver{}
	r := New(zaptest.NewLogger(t), WithObserver(obs))
	a, b := &fakeConn{}, &fakeConn{}

	_, _ = r.Register("u1", a)
	_, _ = r.Register("u1", b)
	r.Unregister("u1", a)
	r.Unregister("u1", b)
	_, _ = r.Register("u1", a)

	assert.Equal(t, []string{"online:u1", "offline:u1", "online:u1"}, obs.events)
}

func TestSlowUserDoesNotBlockOthers(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	slow := &fakeConn{block: make(chan struct{})}
	fast := &fakeConn{}
	_, _ = r.Register("slow", slow)
	_, _ = r.Register("fast", fast)

	done := make(chan struct{})
	go func() {
		r.Deliver("slow", []byte("x"))
		close(done)
	}()

	delivered := make(chan int, 1)
	go func() { delivered <- r.Deliver("fast", []byte("y")) }()

	select {
	case n := <-delivered:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery to an unrelated user blocked")
	}

	// Registering another connection for the slow user must not wait on the
	// in-flight send either.
	registered := make(chan struct{})
	go func() {
		_, _ = r.Register("slow", &fakeConn{})
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("register blocked behind a slow send")
	}

	close(slow.block)
	<-done
}

func TestConcurrentChurn(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	stable := &fakeConn{}
	_, _ = r.Register("u", stable)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := &fakeConn{}
				_, err := r.Register("u", c)
				assert.NoError(t, err)
				r.Unregister("u", c)
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Deliver("u", []byte(fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count("u"))
	assert.Len(t, stable.received(), 8*200)
}

func TestChurnOnEmptyUserNeverLosesRegistration(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	var wg sync.WaitGroup
	keepers := make([]*fakeConn, 16)
	for i := range keepers {
		keepers[i] = &fakeConn{}
	}
	for i := range keepers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tmp := &fakeConn{}
			_, _ = r.Register("u", tmp)
			r.Unregister("u", tmp)
			_, _ = r.Register("u", keepers[i])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(keepers), r.Count("u"))
	assert.Equal(t, len(keepers), r.Deliver("u", []byte("ping")))
}
