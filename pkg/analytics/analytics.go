package analytics

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event names.
const (
	EventPurchaseCompleted  = "purchase_completed"
	EventEntitlementRevoked = "entitlement_revoked"
)

var ErrSinkClosed = errors.New("analytics: sink closed")

// Event is a single analytics record.
type Event struct {
	Name                  string    `json:"name"`
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id,omitempty"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	ReceiptToken          string    `json:"receipt_token,omitempty"`
	Environment           string    `json:"environment,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// Sink receives events.
type Sink interface {
	Track(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Track(context.Context, Event) error { return nil }
func (Noop) Close() error                       { return nil }

// MemorySink keeps events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Track(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of the tracked events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
