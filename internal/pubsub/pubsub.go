// Package pubsub provides single-slot, latest-value-wins
// subscriptions: each subscriber holds at most one pending value, and
// a new publication supersedes an unread one.
package pubsub

import "sync"

type Topic[T any] struct {
	mu   sync.Mutex
	subs []chan T
}

// Subscribe returns a channel carrying the most recent publication.
func (t *Topic[T]) Subscribe() <-chan T {
	ch := make(chan T, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Publish delivers v to every subscriber, replacing any value not yet
// consumed. It never blocks.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
