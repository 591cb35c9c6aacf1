package payment

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome scripts how the simulated payment sheet resolves.
type Outcome struct {
	State     State
	ErrorCode ErrorCode
	Payload   []byte
}

func Succeed(payload []byte) Outcome { return Outcome{State: StatePurchased, Payload: payload} }
func Cancel() Outcome               { return Outcome{State: StateFailed, ErrorCode: ErrorUserCancelled} }
func Fail(code ErrorCode) Outcome   { return Outcome{State: StateFailed, ErrorCode: code} }
func Defer() Outcome                { return Outcome{State: StateDeferred} }

// MemoryQueue is an in-process payment queue. It keeps unfinished
// transactions and redelivers them to every new Events subscription, which
// is how a device queue behaves across app launches.
type MemoryQueue struct {
	mu       sync.Mutex
	now      func() time.Time
	canPay   bool
	scripts  map[string][]Outcome
	pending  map[string]Transaction
	order    []string
	owned    map[string]Transaction
	finished map[string]bool
	sess     *session
}

type session struct {
	outbox []Transaction
	wake   chan struct{}
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock sets the time source for transaction dates.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		now:      time.Now,
		canPay:   true,
		scripts:  map[string][]Outcome{},
		pending:  map[string]Transaction{},
		owned:    map[string]Transaction{},
		finished: map[string]bool{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Script queues outcomes for the next purchases of productID. Without a
// script a purchase succeeds.
func (q *MemoryQueue) Script(productID string, outcomes ...Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scripts[productID] = append(q.scripts[productID], outcomes...)
}

// SetCanMakePayments toggles the device capability.
func (q *MemoryQueue) SetCanMakePayments(ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canPay = ok
}

func (q *MemoryQueue) CanMakePayments() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canPay
}

func (q *MemoryQueue) Events(ctx context.Context) (<-chan Transaction, error) {
	q.mu.Lock()
	sess := &session{wake: make(chan struct{}, 1)}
	for _, id := range q.order {
		if tx, ok := q.pending[id]; ok {
			sess.outbox = append(sess.outbox, tx)
		}
	}
	q.sess = sess
	q.mu.Unlock()

	out := make(chan Transaction)
	go q.pump(ctx, sess, out)
	return out, nil
}

func (q *MemoryQueue) pump(ctx context.Context, sess *session, out chan<- Transaction) {
	defer close(out)
	defer func() {
		q.mu.Lock()
		if q.sess == sess {
			q.sess = nil
		}
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if q.sess != sess {
			q.mu.Unlock()
			return
		}
		if len(sess.outbox) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-sess.wake:
				continue
			}
		}
		tx := sess.outbox[0]
		sess.outbox = sess.outbox[1:]
		q.mu.Unlock()

		select {
		case out <- tx:
		case <-ctx.Done():
			return
		}
	}
}

// Add simulates the payment sheet: a purchasing event followed by the
// scripted outcome.
func (q *MemoryQueue) Add(ctx context.Context, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.canPay {
		return ErrPaymentsDisabled
	}

	outcome := Succeed(nil)
	if script := q.scripts[productID]; len(script) > 0 {
		outcome = script[0]
		q.scripts[productID] = script[1:]
	}

	tx := Transaction{
		ID:        uuid.NewString(),
		ProductID: productID,
		State:     StatePurchasing,
		Date:      q.now(),
	}
	q.put(tx)

	tx.State = outcome.State
	tx.ErrorCode = outcome.ErrorCode
	if outcome.State == StatePurchased {
		q.own(&tx, outcome.Payload)
	}
	q.put(tx)
	return nil
}

// Approve completes a deferred purchase of productID, as when a parent
// approves an Ask to Buy request.
func (q *MemoryQueue) Approve(productID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		tx, ok := q.pending[id]
		if !ok || tx.ProductID != productID || tx.State != StateDeferred {
			continue
		}
		tx.State = StatePurchased
		tx.Date = q.now()
		q.own(&tx, nil)
		q.put(tx)
		return nil
	}
	return fmt.Errorf("%w: no deferred purchase of %q", ErrUnknownTransaction, productID)
}

// Push injects a transaction that did not start on this device, such as a
// renewal or a purchase made on another device.
func (q *MemoryQueue) Push(tx Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Date.IsZero() {
		tx.Date = q.now()
	}
	if tx.State == StatePurchased {
		q.own(&tx, tx.Payload)
	}
	q.put(tx)
}

// Lapse drops productID from the current purchases, as on expiry or refund.
func (q *MemoryQueue) Lapse(productID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.owned, productID)
}

func (q *MemoryQueue) Finish(_ context.Context, tx Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[tx.ID]; !ok {
		if q.finished[tx.ID] {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.ID)
	}
	delete(q.pending, tx.ID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == tx.ID })
	q.finished[tx.ID] = true
	return nil
}

func (q *MemoryQueue) RestoreCompletedTransactions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, owned := range q.sortedOwned() {
		q.put(Transaction{
			ID:                    uuid.NewString(),
			ProductID:             owned.ProductID,
			State:                 StateRestored,
			OriginalTransactionID: owned.OriginalTransactionID,
			Payload:               owned.Payload,
			Date:                  q.now(),
		})
	}
	return nil
}

func (q *MemoryQueue) CurrentTransactions(ctx context.Context) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedOwned(), nil
}

// Authoritative is true: the queue owns the full purchase history.
func (q *MemoryQueue) Authoritative() bool { return true }

// Pending returns unfinished transactions in arrival order.
func (q *MemoryQueue) Pending() []Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Transaction, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id])
	}
	return out
}

// Finished reports whether the transaction with id was acknowledged.
func (q *MemoryQueue) Finished(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished[id]
}

// must hold q.mu
func (q *MemoryQueue) own(tx *Transaction, payload []byte) {
	if prev, ok := q.owned[tx.ProductID]; ok && tx.OriginalTransactionID == "" {
		tx.OriginalTransactionID = prev.OriginalTransactionID
	}
	if tx.OriginalTransactionID == "" {
		tx.OriginalTransactionID = tx.ID
	}
	if len(payload) == 0 && len(tx.Payload) == 0 {
		payload = []byte("receipt:" + tx.OriginalTransactionID)
	}
	if len(payload) > 0 {
		tx.Payload = payload
	}
	q.owned[tx.ProductID] = *tx
}

// must hold q.mu
func (q *MemoryQueue) put(tx Transaction) {
	if _, ok := q.pending[tx.ID]; !ok {
		q.order = append(q.order, tx.ID)
	}
	q.pending[tx.ID] = tx
	if q.sess != nil {
		q.sess.outbox = append(q.sess.outbox, tx)
		select {
		case q.sess.wake <- struct{}{}:
		default:
		}
	}
}

// must hold q.mu
func (q *MemoryQueue) sortedOwned() []Transaction {
	out := make([]Transaction, 0, len(q.owned))
	for _, tx := range q.owned {
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b Transaction) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return out
}
