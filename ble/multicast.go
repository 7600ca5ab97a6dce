package ble

import (
	"sync"

	"github.com/user/ancsrelay/logger"
)

// Multicast fans values out to independent bounded subscribers. Publish
// never blocks: a full subscriber loses the new value.
type Multicast[T any] struct {
	name   string
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription is one subscriber's view of a Multicast
type Subscription[T any] struct {
	C    <-chan T
	c    chan T
	m    *Multicast[T]
	once sync.Once
}

// NewMulticast creates a stream; name only shows up in overflow warnings
func NewMulticast[T any](name string) *Multicast[T] {
	return &Multicast[T]{name: name, subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe adds a subscriber buffering up to capacity values. Subscribing
// to a closed stream yields an already-closed channel.
func (m *Multicast[T]) Subscribe(capacity int) *Subscription[T] {
	if capacity < 1 {
		capacity = 1
	}
	c := make(chan T, capacity)
	s := &Subscription[T]{C: c, c: c, m: m}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(c)
		s.once.Do(func() {})
		return s
	}
	m.subs[s] = struct{}{}
	return s
}

// Publish offers v to every subscriber
func (m *Multicast[T]) Publish(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		select {
		case s.c <- v:
		default:
			logger.Warn("ble", "%s subscriber full (%d), dropping value", m.name, cap(s.c))
		}
	}
}

// Subscribers returns the live subscriber count
func (m *Multicast[T]) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close ends the stream; every subscriber channel is closed
func (m *Multicast[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for s := range m.subs {
		s.once.Do(func() { close(s.c) })
	}
	m.subs = nil
}

// Close unsubscribes and closes C
func (s *Subscription[T]) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.subs, s)
	s.once.Do(func() { close(s.c) })
}
