package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/logger"
)

// Notification is a decoded App Store Server Notification (V2).
type Notification struct {
	ID                    string
	Type                  string
	Subtype               string
	Environment           string
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           time.Time
	// SignedTransaction is the JWS of the transaction; it becomes the
	// verification payload.
	SignedTransaction string
}

// NotificationDecoder verifies and decodes a signedPayload.
type NotificationDecoder interface {
	DecodeNotification(ctx context.Context, signedPayload string) (Notification, error)
}

// notification types that carry a transaction worth reconciling
var transactionNotifications = map[string]bool{
	"SUBSCRIBED":              true,
	"DID_RENEW":               true,
	"DID_CHANGE_RENEWAL_PREF": true,
	"OFFER_REDEEMED":          true,
	"ONE_TIME_CHARGE":         true,
	"RENEWAL_EXTENDED":        true,
	"EXPIRED":                 true,
	"GRACE_PERIOD_EXPIRED":    true,
	"DID_FAIL_TO_RENEW":       true,
	"REFUND":                  true,
	"REFUND_REVERSED":         true,
	"REVOKE":                  true,
}

// NotificationQueue is a Queue fed by App Store Server Notifications.
// ServeHTTP answers 200 only after the observer finished the transaction,
// and 503 when that does not happen within the ack timeout, so that the
// store delivers the notification again.
type NotificationQueue struct {
	decoder    NotificationDecoder
	ackTimeout time.Duration
	log        *slog.Logger

	events chan Transaction

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	current map[string]Transaction // product id -> latest transaction
	active  bool
}

// NotificationOption configures a NotificationQueue.
type NotificationOption func(*NotificationQueue)

// WithAckTimeout bounds how long a webhook request waits for Finish.
func WithAckTimeout(d time.Duration) NotificationOption {
	return func(q *NotificationQueue) {
		if d > 0 {
			q.ackTimeout = d
		}
	}
}

func WithNotificationLogger(l *slog.Logger) NotificationOption {
	return func(q *NotificationQueue) {
		if l != nil {
			q.log = l
		}
	}
}

// NewNotificationQueue panics when decoder is nil.
func NewNotificationQueue(decoder NotificationDecoder, opts ...NotificationOption) *NotificationQueue {
	if decoder == nil {
		panic("payment: notification decoder is required")
	}
	q := &NotificationQueue{
		decoder:    decoder,
		ackTimeout: 20 * time.Second,
		log:        logger.Discard(),
		events:     make(chan Transaction, 64),
		waiters:    map[string][]chan struct{}{},
		current:    map[string]Transaction{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *NotificationQueue) Events(ctx context.Context) (<-chan Transaction, error) {
	q.mu.Lock()
	q.active = true
	q.mu.Unlock()

	out := make(chan Transaction)
	go func() {
		defer close(out)
		defer func() {
			q.mu.Lock()
			q.active = false
			q.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case tx := <-q.events:
				select {
				case out <- tx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *NotificationQueue) Add(context.Context, string) error {
	return ErrPurchaseUnsupported
}

// CanMakePayments is false: purchases start on the device.
func (q *NotificationQueue) CanMakePayments() bool { return false }

func (q *NotificationQueue) Finish(_ context.Context, tx Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ch := range q.waiters[tx.ID] {
		close(ch)
	}
	delete(q.waiters, tx.ID)
	return nil
}

// RestoreCompletedTransactions re-emits every known current transaction as
// restored.
func (q *NotificationQueue) RestoreCompletedTransactions(ctx context.Context) error {
	txs, err := q.CurrentTransactions(ctx)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		tx.State = StateRestored
		select {
		case q.events <- tx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CurrentTransactions returns the latest transaction seen per product since
// the process started.
func (q *NotificationQueue) CurrentTransactions(ctx context.Context) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Transaction, 0, len(q.current))
	for _, tx := range q.current {
		out = append(out, tx)
	}
	return out, nil
}

// Authoritative is false: purchases made before the process started, or
// whose notification never arrived, are missing from the listing.
func (q *NotificationQueue) Authoritative() bool { return false }

type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

func (q *NotificationQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body notificationBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil || body.SignedPayload == "" {
		q.log.WarnContext(ctx, "rejected notification body", logger.Error(err))
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	n, err := q.decoder.DecodeNotification(ctx, body.SignedPayload)
	if err != nil {
		q.log.WarnContext(ctx, "rejected notification", logger.Error(err))
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}

	if !transactionNotifications[n.Type] || n.SignedTransaction == "" {
		q.log.DebugContext(ctx, "notification ignored", slog.String("type", n.Type), slog.String("subtype", n.Subtype))
		w.WriteHeader(http.StatusOK)
		return
	}

	tx := Transaction{
		ID:                    n.TransactionID,
		ProductID:             n.ProductID,
		State:                 StatePurchased,
		OriginalTransactionID: n.OriginalTransactionID,
		Payload:               []byte(n.SignedTransaction),
		Date:                  n.PurchasedAt,
	}

	done, err := q.enqueue(ctx, tx)
	if err != nil {
		q.log.WarnContext(ctx, "notification not delivered", logger.TransactionID(tx.ID), logger.Error(err))
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	timer := time.NewTimer(q.ackTimeout)
	defer timer.Stop()
	select {
	case <-done:
		w.WriteHeader(http.StatusOK)
	case <-timer.C:
		q.log.WarnContext(ctx, "notification not acknowledged in time",
			logger.TransactionID(tx.ID), logger.ProductID(tx.ProductID))
		q.dropWaiter(tx.ID, done)
		http.Error(w, "not acknowledged", http.StatusServiceUnavailable)
	case <-ctx.Done():
		q.dropWaiter(tx.ID, done)
	}
}

func (q *NotificationQueue) enqueue(ctx context.Context, tx Transaction) (<-chan struct{}, error) {
	if tx.ID == "" || tx.ProductID == "" {
		return nil, ErrInvalidNotification
	}

	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	done := make(chan struct{})
	q.waiters[tx.ID] = append(q.waiters[tx.ID], done)
	q.current[tx.ProductID] = tx
	q.mu.Unlock()

	select {
	case q.events <- tx:
		return done, nil
	case <-ctx.Done():
		q.dropWaiter(tx.ID, done)
		return nil, errors.Join(ErrQueueClosed, ctx.Err())
	}
}

func (q *NotificationQueue) dropWaiter(id string, done chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ws := q.waiters[id]
	for i, ch := range ws {
		if ch == done {
			q.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiters[id]) == 0 {
		delete(q.waiters, id)
	}
}
