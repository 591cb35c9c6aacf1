package purchase_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
	"github.com/dmitrymomot/entitlekit/svc/purchase"
)

var offerings = catalog.Offerings{
	Offered: catalog.OfferedIDs{Monthly: "SpeakLife1M499", Yearly: "SpeakLife1YR29", Lifetime: "SpeakLifeLifetime"},
	Products: []catalog.ProductConfig{
		{ID: "SpeakLife1M499", Period: catalog.Monthly, Kind: catalog.AutoRenewableSubscription, Price: "4.99", Currency: "USD", Features: []string{"audio"}},
		{ID: "SpeakLife1YR29", Period: catalog.Yearly, Kind: catalog.AutoRenewableSubscription, Price: "29.99", Currency: "USD", Features: []string{"audio"}},
		{ID: "SpeakLife1YR19", Period: catalog.Yearly, Kind: catalog.AutoRenewableSubscription, Price: "19.99", Currency: "USD", Features: []string{"audio"}},
		{ID: "SpeakLifeLifetime", Period: catalog.Lifetime, Kind: catalog.NonConsumable, Price: "99.99", Currency: "USD", Features: []string{"audio", "offline"}},
	},
	Promotional: []catalog.PromoConfig{{ID: "DevotionalPremium", Window: 30 * 24 * time.Hour, Features: []string{"devotionals"}}},
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// env is the state that survives app launches: the platform queue and the
// durable repository.
type env struct {
	queue *payment.MemoryQueue
	repo  *entitlement.MemoryRepository
	clock *clock
	fail  atomic.Pointer[error]

	// gate, when set, holds every verification until closed; called
	// receives one value per verification.
	gate   chan struct{}
	called chan struct{}

	// partial hides the listing's authority, as with a queue that only
	// knows the notifications it has seen.
	partial bool

	mu     sync.Mutex
	alerts []payment.Alert
}

type partialListing struct {
	*payment.MemoryQueue
}

func (partialListing) Authoritative() bool { return false }

func (e *env) platform() payment.Queue {
	if e.partial {
		return partialListing{e.queue}
	}
	return e.queue
}

func newEnv() *env {
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return &env{
		queue:  payment.NewMemoryQueue(payment.WithClock(c.Now)),
		repo:   entitlement.NewMemoryRepository(),
		clock:  c,
		called: make(chan struct{}, 16),
	}
}

func (e *env) failWith(err error) {
	if err == nil {
		e.fail.Store(nil)
		return
	}
	e.fail.Store(&err)
}

func (e *env) verifier() receipt.Verifier {
	local := receipt.NewLocalVerifier(offerings.PeriodOf, e.clock.Now)
	return receipt.VerifierFunc(func(ctx context.Context, payload []byte, productID string) (receipt.Verification, error) {
		select {
		case e.called <- struct{}{}:
		default:
		}
		if e.gate != nil {
			select {
			case <-e.gate:
			case <-ctx.Done():
				return receipt.Verification{}, ctx.Err()
			}
		}
		if errp := e.fail.Load(); errp != nil {
			return receipt.Verification{}, *errp
		}
		return local.Verify(ctx, payload, productID)
	})
}

func (e *env) alertCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

type app struct {
	svc      purchase.Service
	store    *entitlement.Store
	observer *observer.Observer
	stop     func()
}

// launch starts a new process over the surviving state.
func (e *env) launch(t *testing.T) *app {
	t.Helper()

	store := entitlement.NewStore(e.repo,
		entitlement.WithClock(e.clock.Now),
		entitlement.WithFeatures(offerings.Features),
	)
	src, err := catalog.NewStaticSource(offerings, language.English)
	require.NoError(t, err)
	obs := observer.New(e.platform(), e.verifier(), store, offerings,
		observer.WithClock(e.clock.Now),
		observer.WithAlerts(func(a payment.Alert) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.alerts = append(e.alerts, a)
		}),
	)
	svc := purchase.NewService(catalog.NewCache(src, offerings), e.platform(), obs, store, purchase.WithClock(e.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))

	var once sync.Once
	a := &app{svc: svc, store: store, observer: obs}
	a.stop = func() {
		once.Do(func() {
			cancel()
			<-obs.Done()
			_ = store.Close()
		})
	}
	t.Cleanup(a.stop)
	return a
}

func TestPurchase_YearlySubscription(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)

	res, err := a.svc.Purchase(context.Background(), "SpeakLife1YR29")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusPurchased, res.Status)
	assert.NotEmpty(t, res.ReceiptToken)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Record.ExpiresAt)
	assert.Equal(t, e.clock.Now().AddDate(1, 0, 0), *res.Record.ExpiresAt)

	st := a.svc.State()
	assert.True(t, st.IsPremium)
	assert.False(t, st.IsLifetime)
	assert.Equal(t, "SpeakLife1YR29", st.ActiveProductID)
	assert.Equal(t, []string{"audio"}, st.Features)
	assert.False(t, st.Provisional)

	assert.Eventually(t, func() bool { return e.queue.Finished(res.TransactionID) }, time.Second, 5*time.Millisecond)
	assert.Len(t, a.svc.CurrentEntitlements(), 1)
}

func TestPurchase_UserCancelled(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.queue.Script("SpeakLife1M499", payment.Cancel())
	a := e.launch(t)
	before := a.svc.State()

	res, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusUserCancelled, res.Status)
	assert.Empty(t, res.ReceiptToken)
	assert.Zero(t, e.alertCount())
	assert.Equal(t, before.IsPremium, a.svc.State().IsPremium)
	assert.Empty(t, a.store.Records())
}

func TestPurchase_Deferred(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.queue.Script("SpeakLifeLifetime", payment.Defer())
	a := e.launch(t)

	res, err := a.svc.Purchase(context.Background(), "SpeakLifeLifetime")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusPending, res.Status)
	assert.False(t, a.svc.State().IsPremium)

	// approval arrives later through the observer
	require.NoError(t, e.queue.Approve("SpeakLifeLifetime"))
	assert.Eventually(t, func() bool { return a.svc.State().IsLifetime }, time.Second, 5*time.Millisecond)
}

func TestPurchase_Failed(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.queue.Script("SpeakLife1M499", payment.Fail(payment.ErrorPaymentInvalid))
	a := e.launch(t)

	_, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.ErrorIs(t, err, purchase.ErrPurchaseFailed)
	assert.Equal(t, 1, e.alertCount())
	assert.Empty(t, e.queue.Pending())
}

func TestPurchase_VerificationTimeoutIsRedelivered(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.failWith(receipt.ErrNetworkFailure)
	a := e.launch(t)

	_, err := a.svc.Purchase(context.Background(), "SpeakLife1YR29")
	require.ErrorIs(t, err, purchase.ErrNetworkUnreachable)
	assert.True(t, purchase.IsTransient(err))
	assert.Zero(t, e.alertCount())

	pending := e.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, payment.StatePurchased, pending[0].State)
	assert.False(t, a.svc.State().IsPremium)
	a.stop()

	// next launch
	e.failWith(nil)
	b := e.launch(t)
	assert.Eventually(t, func() bool { return e.queue.Finished(pending[0].ID) }, time.Second, 5*time.Millisecond)
	assert.True(t, b.svc.State().IsPremium)
	assert.Equal(t, "SpeakLife1YR29", b.svc.State().ActiveProductID)
}

func TestPurchase_VerificationRejected(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.failWith(receipt.ErrMalformedResponse)
	a := e.launch(t)

	_, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.ErrorIs(t, err, purchase.ErrVerificationFailed)
	assert.ErrorIs(t, err, purchase.ErrMalformedServerResponse)
	assert.False(t, purchase.IsTransient(err))
	assert.False(t, a.svc.State().IsPremium)
	assert.Len(t, e.queue.Pending(), 1)
}

func TestPurchase_CancelledWaitLeavesTransactionPending(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.gate = make(chan struct{})
	a := e.launch(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := a.svc.Purchase(ctx, "SpeakLife1YR29")
		errc <- err
	}()

	<-e.called
	_, err := a.svc.Purchase(context.Background(), "SpeakLife1YR29")
	require.ErrorIs(t, err, purchase.ErrPurchaseInProgress)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	pending := e.queue.Pending()
	require.Len(t, pending, 1)
	assert.False(t, e.queue.Finished(pending[0].ID))

	// the observer completes it once verification returns
	close(e.gate)
	assert.Eventually(t, func() bool { return e.queue.Finished(pending[0].ID) }, time.Second, 5*time.Millisecond)
	assert.True(t, a.svc.State().IsPremium)
}

func TestPurchase_Preconditions(t *testing.T) {
	t.Parallel()

	t.Run("not started", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		store := entitlement.NewStore(e.repo)
		src, err := catalog.NewStaticSource(offerings, language.English)
		require.NoError(t, err)
		obs := observer.New(e.queue, e.verifier(), store, offerings)
		svc := purchase.NewService(catalog.NewCache(src, offerings), e.queue, obs, store)

		_, err = svc.Purchase(context.Background(), "SpeakLife1YR29")
		assert.ErrorIs(t, err, purchase.ErrNotStarted)
		assert.ErrorIs(t, svc.Restore(context.Background()), purchase.ErrNotStarted)
	})

	t.Run("unknown product", func(t *testing.T) {
		t.Parallel()
		a := newEnv().launch(t)
		_, err := a.svc.Purchase(context.Background(), "SpeakLife2YR")
		assert.ErrorIs(t, err, purchase.ErrUnknownProduct)
		assert.ErrorIs(t, err, catalog.ErrUnknownProduct)
	})

	t.Run("payments disabled", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		e.queue.SetCanMakePayments(false)
		a := e.launch(t)
		assert.False(t, a.svc.CanMakePayments())
		_, err := a.svc.Purchase(context.Background(), "SpeakLife1YR29")
		assert.ErrorIs(t, err, payment.ErrPaymentsDisabled)
		assert.Empty(t, e.queue.Pending())
	})
}

func TestRefreshEntitlements_LapsedSubscription(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)
	_, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.NoError(t, err)
	require.True(t, a.svc.State().IsPremium)

	// no renewal arrives
	e.queue.Lapse("SpeakLife1M499")
	e.clock.Advance(45 * 24 * time.Hour)

	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SpeakLife1M499"}, report.Revoked)
	assert.False(t, report.State.IsPremium)
	assert.False(t, a.svc.State().IsPremium)

	rec, ok := a.store.Record("SpeakLife1M499")
	require.True(t, ok)
	assert.True(t, rec.Revoked)
}

func TestRefreshEntitlements_Renewal(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)
	_, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.NoError(t, err)

	// the platform still lists the subscription: it renewed
	e.clock.Advance(45 * 24 * time.Hour)
	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SpeakLife1M499"}, report.Reconciled)
	assert.Empty(t, report.Revoked)
	assert.True(t, report.State.IsPremium)

	rec, ok := a.store.Record("SpeakLife1M499")
	require.True(t, ok)
	assert.Equal(t, e.clock.Now().AddDate(0, 1, 0), *rec.ExpiresAt)
}

func TestRefreshEntitlements_NetworkFailureNeverRevokes(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)
	_, err := a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.NoError(t, err)
	_, err = a.svc.Purchase(context.Background(), "SpeakLifeLifetime")
	require.NoError(t, err)

	e.queue.Lapse("SpeakLife1M499")
	e.clock.Advance(45 * 24 * time.Hour)
	e.failWith(receipt.ErrNetworkFailure)

	report, err := a.svc.RefreshEntitlements(context.Background())
	require.ErrorIs(t, err, purchase.ErrNetworkUnreachable)
	assert.Equal(t, []string{"SpeakLifeLifetime"}, report.Unverified)
	assert.Empty(t, report.Revoked)

	rec, ok := a.store.Record("SpeakLife1M499")
	require.True(t, ok)
	assert.False(t, rec.Revoked)
	assert.True(t, a.store.IsExpired("SpeakLife1M499"))
	assert.True(t, report.State.IsLifetime)
}

func TestRefreshEntitlements_SkipsUnknownProducts(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.queue.Push(payment.Transaction{ProductID: "SpeakLife2019", State: payment.StatePurchased})
	a := e.launch(t)

	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SpeakLife2019"}, report.Skipped)
	assert.False(t, report.State.IsPremium)
}

func TestRefreshEntitlements_RefundRevokes(t *testing.T) {
	t.Parallel()

	for _, productID := range []string{"SpeakLifeLifetime", "SpeakLife1YR29"} {
		t.Run(productID, func(t *testing.T) {
			t.Parallel()

			e := newEnv()
			a := e.launch(t)
			_, err := a.svc.Purchase(context.Background(), productID)
			require.NoError(t, err)
			require.True(t, a.svc.State().IsPremium)

			// refunded: the platform stops listing it before any expiry
			e.queue.Lapse(productID)
			e.clock.Advance(24 * time.Hour)

			report, err := a.svc.RefreshEntitlements(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{productID}, report.Revoked)
			assert.False(t, report.State.IsPremium)
			assert.False(t, report.State.IsLifetime)

			rec, ok := a.store.Record(productID)
			require.True(t, ok)
			assert.True(t, rec.Revoked)
		})
	}
}

func TestRefreshEntitlements_PartialListingKeepsUnexpired(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.partial = true
	a := e.launch(t)
	_, err := a.svc.Purchase(context.Background(), "SpeakLifeLifetime")
	require.NoError(t, err)
	_, err = a.svc.Purchase(context.Background(), "SpeakLife1M499")
	require.NoError(t, err)

	e.queue.Lapse("SpeakLifeLifetime")
	e.queue.Lapse("SpeakLife1M499")
	e.clock.Advance(45 * 24 * time.Hour)

	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SpeakLife1M499"}, report.Revoked)
	assert.True(t, report.State.IsLifetime)

	rec, ok := a.store.Record("SpeakLifeLifetime")
	require.True(t, ok)
	assert.False(t, rec.Revoked)
}

func TestRefreshEntitlements_RenewsProductNoLongerOffered(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)
	require.False(t, offerings.IsOffered("SpeakLife1YR19"))
	_, err := a.svc.Purchase(context.Background(), "SpeakLife1YR19")
	require.NoError(t, err)

	// the platform keeps renewing the older price point
	e.clock.Advance(400 * 24 * time.Hour)
	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SpeakLife1YR19"}, report.Reconciled)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Revoked)
	assert.True(t, report.State.IsPremium)

	rec, ok := a.store.Record("SpeakLife1YR19")
	require.True(t, ok)
	assert.False(t, rec.Revoked)
	assert.Equal(t, e.clock.Now().AddDate(1, 0, 0), *rec.ExpiresAt)
}

func TestRefreshEntitlements_PromoWindow(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.queue.Push(payment.Transaction{ProductID: "DevotionalPremium", State: payment.StatePurchased})
	a := e.launch(t)

	assert.Eventually(t, func() bool { return a.svc.State().IsPremium }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"devotionals"}, a.svc.State().Features)

	e.clock.Advance(31 * 24 * time.Hour)
	report, err := a.svc.RefreshEntitlements(context.Background())
	require.NoError(t, err)
	// still owned, but the window has passed
	assert.Equal(t, []string{"DevotionalPremium"}, report.Reconciled)
	assert.False(t, report.State.IsPremium)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	e := newEnv()
	a := e.launch(t)
	_, err := a.svc.Purchase(context.Background(), "SpeakLifeLifetime")
	require.NoError(t, err)
	a.stop()

	// a fresh install on another device shares the platform but not the
	// local database
	e.repo = entitlement.NewMemoryRepository()
	b := e.launch(t)
	require.NoError(t, b.svc.Restore(context.Background()))
	assert.Eventually(t, func() bool { return b.svc.State().IsLifetime }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(e.queue.Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStart_Idempotent(t *testing.T) {
	t.Parallel()

	a := newEnv().launch(t)
	assert.NoError(t, a.svc.Start(context.Background()))
}

func TestRequestProducts_SortedByPrice(t *testing.T) {
	t.Parallel()

	a := newEnv().launch(t)
	products, err := a.svc.RequestProducts(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"DevotionalPremium", "SpeakLife1M499", "SpeakLife1YR19", "SpeakLife1YR29", "SpeakLifeLifetime"}, ids)

	tiers := a.svc.Tiers()
	require.NotNil(t, tiers.Yearly)
	assert.Equal(t, "SpeakLife1YR29", tiers.Yearly.ID)
}

func TestNewService_Panics(t *testing.T) {
	t.Parallel()

	e := newEnv()
	store := entitlement.NewStore(e.repo)
	src, err := catalog.NewStaticSource(offerings, language.English)
	require.NoError(t, err)
	products := catalog.NewCache(src, offerings)
	obs := observer.New(e.queue, e.verifier(), store, offerings)

	assert.Panics(t, func() { purchase.NewService(nil, e.queue, obs, store) })
	assert.Panics(t, func() { purchase.NewService(products, nil, obs, store) })
	assert.Panics(t, func() { purchase.NewService(products, e.queue, nil, store) })
	assert.Panics(t, func() { purchase.NewService(products, e.queue, obs, nil) })
}
