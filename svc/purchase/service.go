package purchase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/broadcast"
	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/metrics"
	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
)

// Service is the public interface of the orchestrator.
type Service interface {
	// Lifecycle
	Start(ctx context.Context) error

	// Products
	RequestProducts(ctx context.Context) ([]catalog.Product, error)
	Tiers() catalog.Tiers

	// Purchases
	Purchase(ctx context.Context, productID string) (Result, error)
	Restore(ctx context.Context) error
	CanMakePayments() bool

	// Entitlements
	RefreshEntitlements(ctx context.Context) (RefreshReport, error)
	CurrentEntitlements() []entitlement.Record
	State() entitlement.DerivedState
	Subscribe(ctx context.Context) broadcast.Subscriber[entitlement.DerivedState]
}

// Status is the non-error result of a purchase.
type Status string

const (
	StatusPurchased     Status = "purchased"
	StatusUserCancelled Status = "user_cancelled"
	// StatusPending means the purchase awaits approval (Ask to Buy). The
	// entitlement arrives later through the observer.
	StatusPending Status = "pending"
)

// Result is returned by Purchase.
type Result struct {
	Status        Status              `json:"status"`
	ProductID     string              `json:"product_id"`
	TransactionID string              `json:"transaction_id,omitempty"`
	ReceiptToken  string              `json:"receipt_token,omitempty"`
	Record        *entitlement.Record `json:"record,omitempty"`
}

type service struct {
	products *catalog.Cache
	queue    payment.Queue
	observer *observer.Observer
	store    *entitlement.Store

	log          *slog.Logger
	metrics      *metrics.Collector
	now          func() time.Time
	refreshLimit int
	outcomeBuf   int

	startOnce sync.Once
	startErr  error
	started   chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates the orchestrator. It panics when a collaborator is nil.
// obs must be built over the same queue and store.
func NewService(products *catalog.Cache, queue payment.Queue, obs *observer.Observer, store *entitlement.Store, opts ...ServiceOption) Service {
	switch {
	case products == nil:
		panic("purchase: product catalog is required")
	case queue == nil:
		panic("purchase: payment queue is required")
	case obs == nil:
		panic("purchase: transaction observer is required")
	case store == nil:
		panic("purchase: entitlement store is required")
	}

	s := &service{
		products:     products,
		queue:        queue,
		observer:     obs,
		store:        store,
		log:          logger.Discard(),
		now:          time.Now,
		refreshLimit: 4,
		outcomeBuf:   16,
		started:      make(chan struct{}),
		inFlight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("purchase"))
	return s
}

// Start loads the entitlements, starts the observer and runs the first
// refresh. It is safe to call more than once; later calls return the result
// of the first.
//
// The provisional state from the advisory cache is published before the
// repository is read. A failed catalog fetch or refresh is logged, not
// returned: both are retried by later calls.
func (s *service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
		if s.startErr == nil {
			close(s.started)
		}
	})
	return s.startErr
}

func (s *service) start(ctx context.Context) error {
	if err := s.store.LoadProvisional(ctx); err != nil {
		s.log.WarnContext(ctx, "advisory cache unavailable", logger.Error(err))
	}
	if err := s.store.Load(ctx); err != nil {
		return fmt.Errorf("purchase: load entitlements: %w", err)
	}
	if err := s.products.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "product catalog not loaded", logger.Error(err))
	}
	if err := s.observer.Start(ctx); err != nil {
		return err
	}

	go s.watchPremium(ctx)

	if _, err := s.RefreshEntitlements(ctx); err != nil {
		s.log.WarnContext(ctx, "initial entitlement refresh incomplete", logger.Error(err))
	}
	return nil
}

func (s *service) watchPremium(ctx context.Context) {
	sub := s.store.Subscribe(ctx)
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Receive(ctx):
			if !ok {
				return
			}
			s.metrics.SetPremium(msg.Data.IsPremium)
		}
	}
}

func (s *service) RequestProducts(ctx context.Context) ([]catalog.Product, error) {
	if err := s.products.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.products.Products(), nil
}

func (s *service) Tiers() catalog.Tiers {
	return s.products.Tiers()
}

func (s *service) CanMakePayments() bool {
	return s.queue.CanMakePayments()
}

// Restore asks the platform to redeliver owned purchases. The observer
// commits them as they arrive.
func (s *service) Restore(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.queue.RestoreCompletedTransactions(ctx); err != nil {
		return fmt.Errorf("purchase: restore: %w", err)
	}
	s.log.InfoContext(ctx, "restore requested")
	return nil
}

func (s *service) CurrentEntitlements() []entitlement.Record {
	return s.store.CurrentEntitlements()
}

func (s *service) State() entitlement.DerivedState {
	return s.store.State()
}

func (s *service) Subscribe(ctx context.Context) broadcast.Subscriber[entitlement.DerivedState] {
	return s.store.Subscribe(ctx)
}

// Purchase starts a payment for productID and waits for its terminal
// outcome. User cancellation and pending approval are results, not errors.
//
// Cancelling ctx stops the wait only. The transaction stays with the
// platform and the observer handles it whenever it completes.
func (s *service) Purchase(ctx context.Context, productID string) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	if _, err := s.products.Lookup(productID); err != nil {
		return Result{}, errors.Join(ErrUnknownProduct, err)
	}
	if !s.queue.CanMakePayments() {
		return Result{}, payment.ErrPaymentsDisabled
	}
	if !s.begin(productID) {
		return Result{}, ErrPurchaseInProgress
	}
	defer s.end(productID)

	a := newAttempt(productID, s.log)
	outcomes := make(chan observer.Outcome, s.outcomeBuf)
	stopListening := s.observer.Listen(func(out observer.Outcome) {
		if out.Transaction.ProductID != productID || out.Transaction.State == payment.StateRestored {
			return
		}
		select {
		case outcomes <- out:
		default:
			a.log.Warn("purchase outcome dropped", logger.TransactionID(out.Transaction.ID))
		}
	})
	defer stopListening()

	if err := a.fire(ctx, eventBuy); err != nil {
		return Result{}, err
	}
	if err := s.queue.Add(ctx, productID); err != nil {
		_ = a.fire(ctx, eventAbort)
		return Result{}, fmt.Errorf("purchase: start payment: %w", err)
	}

	var txID string
	for {
		select {
		case <-ctx.Done():
			_ = a.fire(context.WithoutCancel(ctx), eventAbort)
			a.log.InfoContext(ctx, "purchase wait abandoned", logger.TransactionID(txID))
			return Result{}, ctx.Err()

		case out := <-outcomes:
			if txID != "" && out.Transaction.ID != txID {
				continue
			}
			if out.Kind == observer.KindPurchasing {
				txID = out.Transaction.ID
				continue
			}
			if res, done, err := s.settle(ctx, a, out); done {
				return res, err
			}
		}
	}
}

// settle maps a terminal outcome to the attempt result. The outcome must
// be reachable from the attempt's current state.
func (s *service) settle(ctx context.Context, a *attempt, out observer.Outcome) (Result, bool, error) {
	tx := out.Transaction
	res := Result{ProductID: tx.ProductID, TransactionID: tx.ID}

	switch out.Kind {
	case observer.KindEntitled:
		if err := a.fire(ctx, eventPaid, eventVerified); err != nil {
			return Result{}, true, err
		}
		res.Status = StatusPurchased
		res.Record = out.Record
		res.ReceiptToken = base64.StdEncoding.EncodeToString(tx.Payload)
		a.log.InfoContext(ctx, "purchase completed", logger.TransactionID(tx.ID), slog.Bool("first_grant", out.FirstGrant))
		return res, true, nil

	case observer.KindUnverified, observer.KindRevoked:
		if err := a.fire(ctx, eventPaid, eventRejected, eventReset); err != nil {
			return Result{}, true, err
		}
		return Result{}, true, classify(out.Err)

	case observer.KindCancelled:
		if err := a.fire(ctx, eventCancelled, eventReset); err != nil {
			return Result{}, true, err
		}
		res.Status = StatusUserCancelled
		return res, true, nil

	case observer.KindDeferred:
		if err := a.fire(ctx, eventDeferred, eventReset); err != nil {
			return Result{}, true, err
		}
		res.Status = StatusPending
		return res, true, nil

	case observer.KindFailed:
		if err := a.fire(ctx, eventFailed, eventReset); err != nil {
			return Result{}, true, err
		}
		return Result{}, true, fmt.Errorf("%w: %s", ErrPurchaseFailed, payment.AlertMessage(tx.ErrorCode))
	}
	return Result{}, false, nil
}

func (s *service) ready() error {
	select {
	case <-s.started:
		return nil
	default:
		return ErrNotStarted
	}
}

func (s *service) begin(productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[productID]; busy {
		return false
	}
	s.inFlight[productID] = struct{}{}
	return true
}

func (s *service) end(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, productID)
}
