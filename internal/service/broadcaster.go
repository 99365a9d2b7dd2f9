// internal/service/broadcaster.go
package service

import "sync"

// broadcaster fans values out to subscribers. Slow subscribers miss values
// rather than stalling the publisher.
type broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[int]chan T
	next        int
	buffer      int
	closed      bool
}

func newBroadcaster[T any](buffer int) *broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &broadcaster[T]{
		subscribers: make(map[int]chan T),
		buffer:      buffer,
	}
}

// subscribe returns a receive channel and a function that cancels the
// subscription. The channel is closed on cancel or when the broadcaster closes.
func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

// publish delivers v to every subscriber with room; it returns how many were skipped
func (b *broadcaster[T]) publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	skipped := 0
	for _, sub := range b.subscribers {
		select {
		case sub <- v:
		default:
			// Subscriber is slow, skip
			skipped++
		}
	}
	return skipped
}

func (b *broadcaster[T]) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub)
	}
	b.closed = true
}
