package receipt

import (
	"context"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/environment"
)

// Verification is an authenticated purchase.
type Verification struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           time.Time
	// ExpiresAt is nil for purchases that never expire.
	ExpiresAt *time.Time
	// RevokedAt is set when the store refunded or revoked the purchase.
	RevokedAt   *time.Time
	Environment environment.Store
}

// Verifier authenticates payload for productID.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, productID string) (Verification, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, payload []byte, productID string) (Verification, error)

func (f VerifierFunc) Verify(ctx context.Context, payload []byte, productID string) (Verification, error) {
	return f(ctx, payload, productID)
}

func timePtr(t time.Time) *time.Time { return &t }
