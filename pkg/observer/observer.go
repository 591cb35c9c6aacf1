package observer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/analytics"
	"github.com/dmitrymomot/entitlekit/pkg/cache"
	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/metrics"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
)

// Policy answers product questions from the offerings.
// catalog.Offerings implements it.
type Policy interface {
	Entitling(productID string) bool
	Promo(productID string) (time.Duration, bool)
	Lookup(productID string) (catalog.Period, catalog.Kind, bool)
}

// Observer consumes the payment queue.
type Observer struct {
	queue    payment.Queue
	verifier receipt.Verifier
	store    *entitlement.Store
	policy   Policy

	log     *slog.Logger
	metrics *metrics.Collector
	sink    analytics.Sink
	onAlert func(payment.Alert)
	now     func() time.Time

	// transactions committed but possibly not finished, by transaction id
	committed *cache.LRU[string, entitlement.Record]

	once     sync.Once
	startErr error
	done     chan struct{}

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

// Option configures an Observer.
type Option func(*Observer)

func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Observer) { o.metrics = m }
}

// WithAnalytics tracks a purchase_completed event per first grant.
func WithAnalytics(s analytics.Sink) Option {
	return func(o *Observer) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithAlerts sets the user-facing alert callback. It runs on the observer
// goroutine.
func WithAlerts(fn func(payment.Alert)) Option {
	return func(o *Observer) { o.onAlert = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDedupeSize sets how many committed transaction ids are remembered to
// skip re-verification on redelivery.
func WithDedupeSize(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.committed = cache.NewLRU[string, entitlement.Record](n)
		}
	}
}

// New panics when a collaborator is nil.
func New(queue payment.Queue, verifier receipt.Verifier, store *entitlement.Store, policy Policy, opts ...Option) *Observer {
	switch {
	case queue == nil:
		panic("observer: payment queue is required")
	case verifier == nil:
		panic("observer: verifier is required")
	case store == nil:
		panic("observer: entitlement store is required")
	case policy == nil:
		panic("observer: policy is required")
	}
	o := &Observer{
		queue:     queue,
		verifier:  verifier,
		store:     store,
		policy:    policy,
		log:       logger.Discard(),
		sink:      analytics.Noop{},
		now:       time.Now,
		committed: cache.NewLRU[string, entitlement.Record](1024),
		done:      make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logger.Component("observer"))
	return o
}

// Start subscribes to the queue and handles transactions until ctx ends.
// Later calls return the result of the first one.
func (o *Observer) Start(ctx context.Context) error {
	o.once.Do(func() {
		events, err := o.queue.Events(ctx)
		if err != nil {
			o.startErr = fmt.Errorf("observer: subscribe to payment queue: %w", err)
			close(o.done)
			return
		}
		go o.run(ctx, events)
	})
	return o.startErr
}

// Done is closed when the listener goroutine exits.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Listen registers fn until the returned cancel func is called.
func (o *Observer) Listen(fn Listener) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Observer) run(ctx context.Context, events <-chan payment.Transaction) {
	defer close(o.done)
	o.log.InfoContext(ctx, "transaction observer started")
	for {
		select {
		case <-ctx.Done():
			o.log.InfoContext(ctx, "transaction observer stopped")
			return
		case tx, ok := <-events:
			if !ok {
				o.log.WarnContext(ctx, "payment queue closed")
				return
			}
			o.notify(o.handle(ctx, tx))
		}
	}
}

func (o *Observer) notify(out Outcome) {
	o.mu.Lock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.mu.Unlock()

	for _, l := range ls {
		l(out)
	}
}

// handle runs the effects decided for tx.
func (o *Observer) handle(ctx context.Context, tx payment.Transaction) Outcome {
	log := o.log.With(
		logger.TransactionID(tx.ID),
		logger.ProductID(tx.ProductID),
		logger.TransactionState(string(tx.State)),
	)
	o.metrics.Transaction(string(tx.State))

	out := Outcome{Transaction: tx, Kind: initialKind(tx)}
	decision := payment.Decide(tx, o.policy.Entitling)

	var verified receipt.Verification
	for _, effect := range decision.Effects {
		switch effect {
		case payment.EffectVerify:
			if rec, ok := o.committed.Get(tx.ID); ok {
				// committed before, only the acknowledgement is missing
				out.Kind, out.Record = KindEntitled, &rec
				continue
			}
			v, err := o.verify(ctx, tx)
			if err != nil {
				log.WarnContext(ctx, "transaction left unfinished: verification failed", logger.Error(err))
				out.Kind, out.Err = KindUnverified, err
				if tx.State == payment.StatePurchased && !errors.Is(err, receipt.ErrNetworkFailure) {
					o.alert(payment.Alert{ProductID: tx.ProductID, Message: payment.VerificationAlertMessage})
				}
				return out
			}
			verified = v

		case payment.EffectCommit:
			if out.Record != nil {
				continue
			}
			if err := o.commit(ctx, tx, verified, &out); err != nil {
				log.ErrorContext(ctx, "transaction left unfinished: commit failed", logger.Error(err))
				out.Kind, out.Err = KindUnverified, err
				return out
			}

		case payment.EffectAlert:
			o.alert(payment.Alert{ProductID: tx.ProductID, Message: payment.AlertMessage(tx.ErrorCode)})

		case payment.EffectFinish:
			if err := o.queue.Finish(ctx, tx); err != nil {
				// the commit is durable; redelivery converges
				log.WarnContext(ctx, "failed to finish transaction", logger.Error(err))
				out.Err = err
				continue
			}
			out.Finished = true
			o.committed.Remove(tx.ID)
			o.metrics.Finished()
		}
	}

	log.DebugContext(ctx, "transaction handled", slog.String("outcome", string(out.Kind)), slog.Bool("finished", out.Finished))
	return out
}

// Reconcile verifies tx and commits the result without finishing it or
// raising alerts. It serves platform current transactions, which were
// acknowledged long ago. Listeners are not notified.
func (o *Observer) Reconcile(ctx context.Context, tx payment.Transaction) Outcome {
	out := Outcome{Transaction: tx, Kind: KindUnverified}
	v, err := o.verify(ctx, tx)
	if err != nil {
		out.Err = err
		return out
	}
	if err := o.commit(ctx, tx, v, &out); err != nil {
		out.Kind, out.Err = KindUnverified, err
	}
	return out
}

func initialKind(tx payment.Transaction) Kind {
	switch tx.State {
	case payment.StatePurchasing:
		return KindPurchasing
	case payment.StateDeferred:
		return KindDeferred
	case payment.StateFailed:
		if tx.ErrorCode == payment.ErrorUserCancelled {
			return KindCancelled
		}
		return KindFailed
	case payment.StateRestored:
		return KindSkipped
	default:
		return KindUnverified
	}
}

func (o *Observer) verify(ctx context.Context, tx payment.Transaction) (receipt.Verification, error) {
	start := time.Now()
	v, err := o.verifier.Verify(ctx, tx.Payload, tx.ProductID)
	o.metrics.Verification(verificationOutcome(err), time.Since(start))
	return v, err
}

func verificationOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeVerified
	case errors.Is(err, receipt.ErrNetworkFailure):
		return metrics.OutcomeNetwork
	case errors.Is(err, receipt.ErrMalformedResponse):
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeRejected
	}
}

// commit upserts the verified purchase, or revokes it when the store
// reports a refund.
func (o *Observer) commit(ctx context.Context, tx payment.Transaction, v receipt.Verification, out *Outcome) error {
	if v.RevokedAt != nil {
		rec, err := o.store.Revoke(ctx, tx.ProductID)
		if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
			return err
		}
		if err == nil {
			o.metrics.Revocation()
			o.track(ctx, analytics.EventEntitlementRevoked, tx, rec)
		}
		out.Kind, out.Err = KindRevoked, ErrTransactionRevoked
		return nil
	}

	grant, err := o.grantFor(tx, v)
	if err != nil {
		return err
	}
	res, err := o.store.Upsert(ctx, grant)
	if err != nil {
		return err
	}
	o.committed.Put(tx.ID, res.Record)

	out.Kind, out.Record, out.FirstGrant = KindEntitled, &res.Record, res.FirstGrant
	if res.FirstGrant {
		o.metrics.Grant(tx.ProductID)
		o.track(ctx, analytics.EventPurchaseCompleted, tx, res.Record)
	}
	return nil
}

func (o *Observer) grantFor(tx payment.Transaction, v receipt.Verification) (entitlement.Grant, error) {
	g := entitlement.Grant{
		ProductID:             tx.ProductID,
		OriginalTransactionID: v.OriginalTransactionID,
		PurchasedAt:           v.PurchasedAt,
		ExpiresAt:             v.ExpiresAt,
	}
	if g.OriginalTransactionID == "" {
		g.OriginalTransactionID = tx.OriginalID()
	}
	if g.PurchasedAt.IsZero() {
		g.PurchasedAt = tx.Date
	}
	if g.PurchasedAt.IsZero() {
		g.PurchasedAt = o.now()
	}

	if window, ok := o.policy.Promo(tx.ProductID); ok {
		// the window runs from the first purchase, not from the latest
		// verification
		start := g.PurchasedAt
		if rec, ok := o.store.Record(tx.ProductID); ok && !rec.PurchasedAt.IsZero() && rec.PurchasedAt.Before(start) {
			start = rec.PurchasedAt
		}
		expires := start.Add(window)
		g.ExpiresAt = &expires
		return g, nil
	}
	if _, kind, ok := o.policy.Lookup(tx.ProductID); ok && kind == catalog.AutoRenewableSubscription && g.ExpiresAt == nil {
		return entitlement.Grant{}, errors.Join(receipt.ErrMalformedResponse, ErrMissingExpiry)
	}
	return g, nil
}

func (o *Observer) track(ctx context.Context, name string, tx payment.Transaction, rec entitlement.Record) {
	err := o.sink.Track(ctx, analytics.Event{
		Name:                  name,
		ProductID:             rec.ProductID,
		TransactionID:         tx.ID,
		OriginalTransactionID: rec.OriginalTransactionID,
		ReceiptToken:          base64.StdEncoding.EncodeToString(tx.Payload),
		OccurredAt:            o.now().UTC(),
	})
	if err != nil {
		o.log.WarnContext(ctx, "analytics event dropped", logger.ProductID(tx.ProductID), logger.Error(err))
	}
}

func (o *Observer) alert(a payment.Alert) {
	if o.onAlert != nil {
		o.onAlert(a)
	}
}
