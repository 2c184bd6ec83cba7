package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/mahaj/threadgate/pkg/model"
)

var ErrClosed = errors.New("fanout: bus closed")

// Memory is an in-process bus. Every Memory subscriber receives every
// envelope, so several registries sharing one Memory behave like instances
// sharing Redis.
type Memory struct {
	mu     sync.RWMutex
	subs   map[chan model.Envelope]struct{}
	closed bool
	buffer int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[chan model.Envelope]struct{}), buffer: 256}
}

// Publish never blocks; a subscriber whose buffer is full misses the envelope.
func (m *Memory) Publish(_ context.Context, env model.Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for ch := range m.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) <-chan model.Envelope {
	ch := make(chan model.Envelope, m.buffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}()
	return ch
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	return nil
}

// Subscribers reports how many subscriptions are open.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
