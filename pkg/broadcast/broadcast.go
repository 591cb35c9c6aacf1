package broadcast

import (
	"context"
	"sync"
)

// Message wraps data of type T.
type Message[T any] struct {
	Data T
}

// Subscriber receives messages from a Broadcaster.
type Subscriber[T any] interface {
	// Receive returns the delivery channel. It is closed after Close or
	// when the subscription context ends.
	Receive(ctx context.Context) <-chan Message[T]
	// Close is idempotent.
	Close() error
}

// Broadcaster sends messages to multiple subscribers.
type Broadcaster[T any] interface {
	Subscribe(ctx context.Context) Subscriber[T]
	Broadcast(ctx context.Context, msg Message[T]) error
	Close() error
}

type subscriber[T any] struct {
	ch       chan Message[T]
	conflate bool
	closed   bool
	mu       sync.Mutex
}

func newSubscriber[T any](bufferSize int, conflate bool) *subscriber[T] {
	return &subscriber[T]{
		ch:       make(chan Message[T], bufferSize),
		conflate: conflate,
	}
}

func (s *subscriber[T]) Receive(context.Context) <-chan Message[T] {
	return s.ch
}

func (s *subscriber[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}

// send reports false when the subscriber is closed, or full and not conflating.
func (s *subscriber[T]) send(msg Message[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- msg:
			return true
		default:
		}
		if !s.conflate {
			return false
		}
		// drop the oldest pending value and try again
		select {
		case <-s.ch:
		default:
		}
	}
}
