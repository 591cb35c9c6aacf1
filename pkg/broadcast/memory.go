package broadcast

import (
	"context"
	"sync"
)

// Option configures a MemoryBroadcaster.
type Option func(*options)

type options struct {
	replay   bool
	conflate bool
}

// WithReplay delivers the most recent message to new subscribers.
func WithReplay() Option {
	return func(o *options) { o.replay = true }
}

// WithConflation keeps slow subscribers attached and replaces their oldest
// pending message instead of dropping them.
func WithConflation() Option {
	return func(o *options) { o.conflate = true }
}

// MemoryBroadcaster is an in-process Broadcaster. Safe for concurrent use.
type MemoryBroadcaster[T any] struct {
	subscribers map[*subscriber[T]]struct{}
	bufferSize  int
	opts        options
	last        *Message[T]
	closed      bool
	done        chan struct{}
	mu          sync.RWMutex
	cleanupWg   sync.WaitGroup
}

// NewMemoryBroadcaster creates a broadcaster with per-subscriber buffers of
// bufferSize (minimum 1).
func NewMemoryBroadcaster[T any](bufferSize int, opts ...Option) *MemoryBroadcaster[T] {
	b := &MemoryBroadcaster[T]{
		subscribers: make(map[*subscriber[T]]struct{}),
		bufferSize:  max(bufferSize, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

// Subscribe registers a subscriber that lives until ctx is done or Close is
// called. After the broadcaster is closed it returns a closed subscriber.
func (b *MemoryBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber[T](b.bufferSize, b.opts.conflate)
	if b.closed {
		_ = sub.Close()
		return sub
	}

	if b.opts.replay && b.last != nil {
		sub.send(*b.last)
	}
	b.subscribers[sub] = struct{}{}

	if ctx.Done() != nil {
		b.cleanupWg.Add(1)
		go func() {
			defer b.cleanupWg.Done()
			select {
			case <-ctx.Done():
				b.unsubscribe(sub)
			case <-b.done:
			}
		}()
	}

	return sub
}

// Broadcast delivers msg to every subscriber without blocking.
func (b *MemoryBroadcaster[T]) Broadcast(_ context.Context, msg Message[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.last = &msg

	for sub := range b.subscribers {
		if !sub.send(msg) {
			delete(b.subscribers, sub)
			_ = sub.Close()
		}
	}
	return nil
}

// Last returns the most recently broadcast message.
func (b *MemoryBroadcaster[T]) Last() (Message[T], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.last == nil {
		return Message[T]{}, false
	}
	return *b.last, true
}

// Close closes every subscriber. Safe to call more than once.
func (b *MemoryBroadcaster[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for sub := range b.subscribers {
		_ = sub.Close()
	}
	clear(b.subscribers)
	b.mu.Unlock()

	b.cleanupWg.Wait()
	return nil
}

func (b *MemoryBroadcaster[T]) unsubscribe(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	_ = sub.Close()
}
