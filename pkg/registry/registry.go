// Package registry tracks the live connections of each user on this
// instance and delivers outbound frames to them.
package registry

import (
	"errors"
	"sync"

	"github.com/mahaj/threadgate/pkg/metrics"
	"go.uber.org/zap"
)

var ErrOwnedByOtherUser = errors.New("registry: connection is registered to another user")

// Conn is one live client connection. Send must not block on the network;
// implementations queue the payload and fail when the queue is full.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Observer hears when a user gains their first or loses their last local
// connection. Calls for one user are serialized and must not block.
type Observer interface {
	Online(userID string)
	Offline(userID string)
}

// Registry is safe for concurrent use. Each user's connection set has its
// own lock; there is no registry-wide lock.
type Registry struct {
	users    sync.Map // user id -> *entry
	owners   sync.Map // Conn -> user id
	observer Observer
	log      *zap.Logger
}

type entry struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
	// dead entries have been removed from users; a register that raced
	// with the removal must retry with a fresh entry.
	dead bool
}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func New(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c under userID and reports whether it is the user's first
// local connection.
func (r *Registry) Register(userID string, c Conn) (bool, error) {
	if prev, loaded := r.owners.LoadOrStore(c, userID); loaded && prev.(string) != userID {
		return false, ErrOwnedByOtherUser
	}

	for {
		v, _ := r.users.LoadOrStore(userID, &entry{conns: make(map[Conn]struct{})})
		e := v.(*entry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if _, ok := e.conns[c]; ok {
			e.mu.Unlock()
			return false, nil
		}
		e.conns[c] = struct{}{}
		n := len(e.conns)
		if n == 1 && r.observer != nil {
			r.observer.Online(userID)
		}
		e.mu.Unlock()

		metrics.Connections.Inc()
		r.log.Info("client_registered", zap.String("user_id", userID), zap.Int("connections", n))
		return n == 1, nil
	}
}

// Unregister removes c and reports whether it was the user's last local
// connection. Removing an unknown connection is a no-op.
func (r *Registry) Unregister(userID string, c Conn) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	e := v.(*entry)

	e.mu.Lock()
	if _, ok := e.conns[c]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.conns, c)
	r.owners.CompareAndDelete(c, userID)
	last := len(e.conns) == 0
	if last {
		e.dead = true
		r.users.CompareAndDelete(userID, e)
		if r.observer != nil {
			r.observer.Offline(userID)
		}
	}
	e.mu.Unlock()

	metrics.Connections.Dec()
	r.log.Info("client_unregistered", zap.String("user_id", userID), zap.Bool("last", last))
	return last
}

// Deliver sends payload to every connection userID has at call time and
// returns how many accepted it. A connection that fails is closed and
// unregistered; the rest still receive the payload.
func (r *Registry) Deliver(userID string, payload []byte) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	e := v.(*entry)

	e.mu.Lock()
	conns := make([]Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			r.log.Warn("deliver_failed", zap.String("user_id", userID), zap.Error(err))
			r.Unregister(userID, c)
			_ = c.Close()
			continue
		}
		metrics.Deliveries.WithLabelValues("sent").Inc()
		sent++
	}
	return sent
}

// DeliverAll delivers payload to each listed user.
func (r *Registry) DeliverAll(userIDs []string, payload []byte) int {
	sent := 0
	for _, id := range userIDs {
		sent += r.Deliver(id, payload)
	}
	return sent
}

// Count returns how many connections userID currently has.
func (r *Registry) Count(userID string) int {
	v, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}
