// Package eventbus is an in-process fan-out of job lifecycle events.
//
// Publish never blocks: each subscriber has a bounded buffer and events that
// do not fit are dropped and counted.
package eventbus

import (
	"sync"
	"sync/atomic"
)

type Bus[E any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[E]
	seq    uint64
	closed bool
}

func New[E any]() *Bus[E] {
	return &Bus[E]{subs: map[uint64]*Subscription[E]{}}
}

// Subscription receives events on C until Close is called.
type Subscription[E any] struct {
	C <-chan E

	ch      chan E
	id      uint64
	bus     *Bus[E]
	once    sync.Once
	dropped atomic.Uint64
}

// Dropped is the number of events lost because the buffer was full.
func (s *Subscription[E]) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription[E]) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (b *Bus[E]) Subscribe(buffer int) *Subscription[E] {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan E, buffer)
	sub := &Subscription[E]{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.seq++
	sub.id = b.seq
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every subscriber with room in its buffer.
// The read lock is held while sending so Close cannot race a send.
func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later subscriptions start closed.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]*Subscription[E]{}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
