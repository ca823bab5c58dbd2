// Package events provides typed publish/subscribe topics. Each event category
// gets its own Topic so subscribers never type-switch, and every subscription
// carries an explicit Unsubscribe for teardown.
package events

import "sync"

// Topic is a fan-out channel for one event category.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// NewTopic creates a topic whose subscriber channels hold up to buffer events.
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Topic[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscription is one subscriber's handle on a topic.
type Subscription[T any] struct {
	topic *Topic[T]
	id    int
	ch    chan T
}

// Subscribe registers a new subscriber. Returns nil after Close.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	id := t.nextID
	t.nextID++
	ch := make(chan T, t.buffer)
	t.subs[id] = ch

	return &Subscription[T]{topic: t, id: id, ch: ch}
}

// Publish delivers an event to every subscriber. A subscriber whose channel
// is full misses the event rather than blocking the publisher.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close drops all subscribers and closes their channels.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Len returns the current subscriber count.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// C returns the receive channel. It is closed by Unsubscribe or Topic.Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel. Idempotent.
func (s *Subscription[T]) Unsubscribe() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()

	if _, ok := s.topic.subs[s.id]; !ok {
		return
	}
	delete(s.topic.subs, s.id)
	close(s.ch)
}
