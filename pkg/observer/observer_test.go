package observer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlekit/pkg/analytics"
	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/metrics"
	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

var offerings = catalog.Offerings{
	Offered: catalog.OfferedIDs{Monthly: "monthly", Yearly: "yearly", Lifetime: "lifetime"},
	Products: []catalog.ProductConfig{
		{ID: "monthly", Period: catalog.Monthly, Kind: catalog.AutoRenewableSubscription, Price: "4.99", Currency: "USD"},
		{ID: "yearly", Period: catalog.Yearly, Kind: catalog.AutoRenewableSubscription, Price: "29.99", Currency: "USD"},
		{ID: "yearly-legacy", Period: catalog.Yearly, Kind: catalog.AutoRenewableSubscription, Price: "19.99", Currency: "USD"},
		{ID: "lifetime", Period: catalog.Lifetime, Kind: catalog.NonConsumable, Price: "99.99", Currency: "USD"},
	},
	Promotional: []catalog.PromoConfig{{ID: "promo", Window: 24 * time.Hour}},
}

// localVerifier returns a verifier that behaves like the store for the
// in-memory queue, with a switchable failure.
func localVerifier(fail *atomic.Pointer[error]) receipt.Verifier {
	local := receipt.NewLocalVerifier(offerings.PeriodOf, func() time.Time { return now })
	return receipt.VerifierFunc(func(ctx context.Context, payload []byte, productID string) (receipt.Verification, error) {
		if errp := fail.Load(); errp != nil {
			return receipt.Verification{}, *errp
		}
		return local.Verify(ctx, payload, productID)
	})
}

type harness struct {
	queue    *payment.MemoryQueue
	store    *entitlement.Store
	sink     *analytics.MemorySink
	fail     atomic.Pointer[error]
	mu       sync.Mutex
	alerts   []payment.Alert
	outcomes chan observer.Outcome
	repo     *entitlement.MemoryRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:    payment.NewMemoryQueue(payment.WithClock(func() time.Time { return now })),
		sink:     analytics.NewMemorySink(),
		repo:     entitlement.NewMemoryRepository(),
		outcomes: make(chan observer.Outcome, 64),
	}
	h.store = entitlement.NewStore(h.repo, entitlement.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = h.store.Close() })
	require.NoError(t, h.store.Load(context.Background()))
	return h
}

func (h *harness) start(t *testing.T, q payment.Queue) *observer.Observer {
	t.Helper()
	if q == nil {
		q = h.queue
	}
	o := observer.New(q, localVerifier(&h.fail), h.store, offerings,
		observer.WithAnalytics(h.sink),
		observer.WithMetrics(metrics.NewCollector("test")),
		observer.WithClock(func() time.Time { return now }),
		observer.WithAlerts(func(a payment.Alert) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.alerts = append(h.alerts, a)
		}),
	)
	o.Listen(func(out observer.Outcome) { h.outcomes <- out })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})
	return o
}

// stop ends an observer session, as on app termination.
func stop(t *testing.T, o *observer.Observer, cancel context.CancelFunc) {
	t.Helper()
	cancel()
	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("observer did not stop")
	}
}

func (h *harness) next(t *testing.T) observer.Outcome {
	t.Helper()
	select {
	case out := <-h.outcomes:
		return out
	case <-time.After(time.Second):
		t.Fatal("no outcome")
	}
	return observer.Outcome{}
}

// terminal skips purchasing outcomes.
func (h *harness) terminal(t *testing.T) observer.Outcome {
	t.Helper()
	for {
		if out := h.next(t); out.Terminal() {
			return out
		}
	}
}

func (h *harness) alertMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.alerts))
	for _, a := range h.alerts {
		out = append(out, a.Message)
	}
	return out
}

func TestObserver_Purchase(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t, nil)
	require.NoError(t, h.queue.Add(context.Background(), "yearly"))

	assert.Equal(t, observer.KindPurchasing, h.next(t).Kind)
	out := h.next(t)
	require.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, out.Finished)
	assert.True(t, out.FirstGrant)
	require.NotNil(t, out.Record)
	assert.Equal(t, now.AddDate(1, 0, 0), *out.Record.ExpiresAt)

	assert.True(t, h.store.State().IsPremium)
	assert.Empty(t, h.queue.Pending())
	assert.Len(t, h.sink.Events(), 1)
	assert.Empty(t, h.alertMessages())
}

func TestObserver_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.start(t, nil)
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))

	h.queue.Push(payment.Transaction{ProductID: "lifetime", State: payment.StatePurchased})
	assert.Equal(t, observer.KindEntitled, h.next(t).Kind)
	select {
	case out := <-h.outcomes:
		t.Fatalf("transaction handled twice: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserver_VerificationFailureLeavesTransactionPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	netErr := error(receipt.ErrNetworkFailure)
	h.fail.Store(&netErr)

	ctx, cancel := context.WithCancel(context.Background())
	o := observer.New(h.queue, localVerifier(&h.fail), h.store, offerings, observer.WithAnalytics(h.sink))
	o.Listen(func(out observer.Outcome) { h.outcomes <- out })
	require.NoError(t, o.Start(ctx))

	require.NoError(t, h.queue.Add(context.Background(), "yearly"))
	out := h.terminal(t)
	assert.Equal(t, observer.KindUnverified, out.Kind)
	assert.ErrorIs(t, out.Err, receipt.ErrNetworkFailure)
	assert.False(t, out.Finished)
	assert.False(t, h.store.State().IsPremium)
	require.Len(t, h.queue.Pending(), 1)
	stop(t, o, cancel)

	// next launch: verification succeeds and the transaction converges
	h.fail.Store(nil)
	h.start(t, nil)
	out = h.terminal(t)
	assert.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, out.Finished)
	assert.Empty(t, h.queue.Pending())
	assert.True(t, h.store.State().IsPremium)
	assert.Len(t, h.sink.Events(), 1)
}

func TestObserver_RejectedPurchaseAlerts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rejected := error(receipt.ErrVerificationFailed)
	h.fail.Store(&rejected)
	h.start(t, nil)

	require.NoError(t, h.queue.Add(context.Background(), "monthly"))
	out := h.terminal(t)
	assert.Equal(t, observer.KindUnverified, out.Kind)
	assert.Equal(t, []string{payment.VerificationAlertMessage}, h.alertMessages())
	assert.Len(t, h.queue.Pending(), 1)
}

type flakyFinishQueue struct {
	*payment.MemoryQueue
	failures atomic.Int32
}

func (q *flakyFinishQueue) Finish(ctx context.Context, tx payment.Transaction) error {
	if q.failures.Add(-1) >= 0 {
		return errors.New("queue unavailable")
	}
	return q.MemoryQueue.Finish(ctx, tx)
}

func TestObserver_NoDoubleGrantOnRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	flaky := &flakyFinishQueue{MemoryQueue: h.queue}
	flaky.failures.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	o := observer.New(flaky, localVerifier(&h.fail), h.store, offerings, observer.WithAnalytics(h.sink))
	o.Listen(func(out observer.Outcome) { h.outcomes <- out })
	require.NoError(t, o.Start(ctx))

	h.queue.Push(payment.Transaction{ProductID: "yearly", State: payment.StatePurchased})
	out := h.terminal(t)
	assert.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, out.FirstGrant)
	assert.False(t, out.Finished)
	assert.Error(t, out.Err)
	first := *out.Record
	stop(t, o, cancel)

	h.start(t, flaky)
	out = h.terminal(t)
	assert.Equal(t, observer.KindEntitled, out.Kind)
	assert.False(t, out.FirstGrant)
	assert.True(t, out.Finished)
	assert.Equal(t, first.PurchasedAt, out.Record.PurchasedAt)
	assert.Equal(t, first.ExpiresAt, out.Record.ExpiresAt)

	assert.Len(t, h.sink.Events(), 1, "grant is tracked once")
	assert.Len(t, h.store.Records(), 1)
}

func TestObserver_FailedTransactions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t, nil)
	h.queue.Script("yearly", payment.Cancel(), payment.Fail(payment.ErrorPaymentInvalid))

	require.NoError(t, h.queue.Add(context.Background(), "yearly"))
	out := h.terminal(t)
	assert.Equal(t, observer.KindCancelled, out.Kind)
	assert.True(t, out.Finished)
	assert.Empty(t, h.alertMessages(), "cancellation is silent")

	require.NoError(t, h.queue.Add(context.Background(), "yearly"))
	out = h.terminal(t)
	assert.Equal(t, observer.KindFailed, out.Kind)
	assert.True(t, out.Finished)
	assert.Equal(t, []string{payment.AlertMessage(payment.ErrorPaymentInvalid)}, h.alertMessages())

	assert.Empty(t, h.queue.Pending())
	assert.False(t, h.store.State().IsPremium)
}

func TestObserver_DeferredIsNeverFinished(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t, nil)
	h.queue.Script("monthly", payment.Defer())

	require.NoError(t, h.queue.Add(context.Background(), "monthly"))
	out := h.terminal(t)
	assert.Equal(t, observer.KindDeferred, out.Kind)
	assert.False(t, out.Finished)
	require.Len(t, h.queue.Pending(), 1)

	require.NoError(t, h.queue.Approve("monthly"))
	out = h.terminal(t)
	assert.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, out.Finished)
	assert.Empty(t, h.queue.Pending())
}

func TestObserver_Restore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t, nil)

	h.queue.Push(payment.Transaction{ProductID: "yearly-legacy", State: payment.StateRestored, OriginalTransactionID: "7", Payload: []byte("receipt:7")})
	out := h.terminal(t)
	assert.Equal(t, observer.KindSkipped, out.Kind)
	assert.True(t, out.Finished)
	assert.Empty(t, h.store.Records(), "products no longer offered are not restored")

	h.queue.Push(payment.Transaction{ProductID: "lifetime", State: payment.StateRestored, OriginalTransactionID: "8", Payload: []byte("receipt:8")})
	out = h.terminal(t)
	assert.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, h.store.State().IsLifetime)
}

func TestObserver_PromoWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t, nil)
	h.queue.Push(payment.Transaction{ProductID: "promo", State: payment.StatePurchased})

	out := h.terminal(t)
	require.Equal(t, observer.KindEntitled, out.Kind)
	require.NotNil(t, out.Record.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *out.Record.ExpiresAt)
	assert.False(t, h.store.State().IsLifetime)
	assert.True(t, h.store.State().IsPremium)
}

func TestObserver_SubscriptionWithoutExpiryIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	q := h.queue
	v := receipt.VerifierFunc(func(context.Context, []byte, string) (receipt.Verification, error) {
		return receipt.Verification{ProductID: "monthly", OriginalTransactionID: "1", PurchasedAt: now}, nil
	})
	o := observer.New(q, v, h.store, offerings)
	o.Listen(func(out observer.Outcome) { h.outcomes <- out })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	q.Push(payment.Transaction{ProductID: "monthly", State: payment.StatePurchased})
	out := h.terminal(t)
	assert.Equal(t, observer.KindUnverified, out.Kind)
	assert.ErrorIs(t, out.Err, receipt.ErrMalformedResponse)
	assert.Len(t, q.Pending(), 1)
	assert.Empty(t, h.store.Records())
}

func TestObserver_RevokedByStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.store.Upsert(context.Background(), entitlement.Grant{ProductID: "lifetime", OriginalTransactionID: "1", PurchasedAt: now})
	require.NoError(t, err)

	revokedAt := now
	v := receipt.VerifierFunc(func(context.Context, []byte, string) (receipt.Verification, error) {
		return receipt.Verification{ProductID: "lifetime", OriginalTransactionID: "1", PurchasedAt: now, RevokedAt: &revokedAt}, nil
	})
	o := observer.New(h.queue, v, h.store, offerings)
	o.Listen(func(out observer.Outcome) { h.outcomes <- out })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	h.queue.Push(payment.Transaction{ProductID: "lifetime", State: payment.StatePurchased, OriginalTransactionID: "1"})
	out := h.terminal(t)
	assert.Equal(t, observer.KindRevoked, out.Kind)
	assert.True(t, out.Finished)
	assert.False(t, h.store.State().IsPremium)
	assert.Len(t, h.store.Records(), 1)
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	v := localVerifier(&h.fail)
	assert.Panics(t, func() { observer.New(nil, v, h.store, offerings) })
	assert.Panics(t, func() { observer.New(h.queue, nil, h.store, offerings) })
	assert.Panics(t, func() { observer.New(h.queue, v, nil, offerings) })
	assert.Panics(t, func() { observer.New(h.queue, v, h.store, nil) })
}

func TestObserver_Reconcile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := observer.New(h.queue, localVerifier(&h.fail), h.store, offerings, observer.WithAnalytics(h.sink))
	tx := payment.Transaction{ID: "t1", ProductID: "yearly", State: payment.StatePurchased, OriginalTransactionID: "o1", Payload: []byte("receipt:o1")}

	out := o.Reconcile(context.Background(), tx)
	require.Equal(t, observer.KindEntitled, out.Kind)
	assert.True(t, out.FirstGrant)
	assert.False(t, out.Finished)
	assert.True(t, h.store.State().IsPremium)
	assert.Len(t, h.sink.Events(), 1)

	t.Run("network failure leaves the store untouched", func(t *testing.T) {
		netErr := error(receipt.ErrNetworkFailure)
		h.fail.Store(&netErr)
		defer h.fail.Store(nil)

		before := h.store.Records()
		out := o.Reconcile(context.Background(), tx)
		assert.Equal(t, observer.KindUnverified, out.Kind)
		assert.ErrorIs(t, out.Err, receipt.ErrNetworkFailure)
		assert.Equal(t, before, h.store.Records())
	})
}
