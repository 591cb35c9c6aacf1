package receipt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/environment"
)

// PeriodLookup resolves the billing period of a product.
type PeriodLookup func(productID string) (catalog.Period, bool)

// LocalVerifier trusts payloads produced by the in-memory payment queue
// ("receipt:<original transaction id>") and computes expiry from the
// product period. Development only.
type LocalVerifier struct {
	period PeriodLookup
	now    func() time.Time
}

// NewLocalVerifier panics when period is nil. A nil now uses time.Now.
func NewLocalVerifier(period PeriodLookup, now func() time.Time) *LocalVerifier {
	if period == nil {
		panic("receipt: period lookup is required")
	}
	if now == nil {
		now = time.Now
	}
	return &LocalVerifier{period: period, now: now}
}

func (v *LocalVerifier) Verify(ctx context.Context, payload []byte, productID string) (Verification, error) {
	if len(payload) == 0 {
		return Verification{}, ErrNoReceiptPresent
	}
	if err := ctx.Err(); err != nil {
		return Verification{}, errors.Join(ErrNetworkFailure, err)
	}
	period, ok := v.period(productID)
	if !ok {
		return Verification{}, errors.Join(ErrVerificationFailed, ErrProductNotInReceipt)
	}

	now := v.now().UTC()
	out := Verification{
		ProductID:   productID,
		PurchasedAt: now,
		Environment: environment.StoreSandbox,
	}
	if orig, ok := strings.CutPrefix(string(payload), "receipt:"); ok {
		out.OriginalTransactionID = orig
		out.TransactionID = orig
	}
	switch period {
	case catalog.Monthly:
		out.ExpiresAt = timePtr(now.AddDate(0, 1, 0))
	case catalog.Yearly:
		out.ExpiresAt = timePtr(now.AddDate(1, 0, 0))
	}
	return out, nil
}
