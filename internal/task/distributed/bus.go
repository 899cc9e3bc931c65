package distributed

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("message bus closed")

// Handler receives one raw frame. It runs on the subscription's delivery
// goroutine; slow handlers delay later frames on the same subscription.
type Handler func(payload []byte)

// Bus is a broadcast channel between nodes. Every subscriber of a channel
// receives every frame published to it, including its own.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live. Delivery stops when
	// ctx is done or unsubscribe is called.
	Subscribe(ctx context.Context, channel string, h Handler) (unsubscribe func(), err error)
}

// MemoryNetwork is an in-process Bus. Several dispatchers sharing one
// network behave like nodes on a broker.
type MemoryNetwork struct {
	mu     sync.RWMutex
	subs   map[string]map[*memSub]struct{}
	closed bool
}

type memSub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memSub) stop() { s.once.Do(func() { close(s.done) }) }

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{subs: make(map[string]map[*memSub]struct{})}
}

func (n *MemoryNetwork) Publish(ctx context.Context, channel string, payload []byte) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*memSub, 0, len(n.subs[channel]))
	for s := range n.subs[channel] {
		targets = append(targets, s)
	}
	n.mu.RUnlock()

	for _, s := range targets {
		// Each subscriber gets its own copy.
		frame := append([]byte(nil), payload...)
		select {
		case s.ch <- frame:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (n *MemoryNetwork) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	s := &memSub{ch: make(chan []byte, 256), done: make(chan struct{})}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrBusClosed
	}
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[*memSub]struct{})
	}
	n.subs[channel][s] = struct{}{}
	n.mu.Unlock()

	unsub := func() {
		n.mu.Lock()
		delete(n.subs[channel], s)
		n.mu.Unlock()
		s.stop()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				unsub()
				return
			case <-s.done:
				return
			case frame := <-s.ch:
				h(frame)
			}
		}
	}()
	return unsub, nil
}

// Close stops every subscription and rejects further use.
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	all := n.subs
	n.subs = make(map[string]map[*memSub]struct{})
	n.mu.Unlock()
	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
	return nil
}
