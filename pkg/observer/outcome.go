package observer

import (
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
)

// Kind classifies how a transaction was handled.
type Kind string

const (
	KindPurchasing Kind = "purchasing"
	KindDeferred   Kind = "deferred"
	KindEntitled   Kind = "entitled"
	KindRevoked    Kind = "revoked"
	KindCancelled  Kind = "cancelled"
	KindFailed     Kind = "failed"
	// KindUnverified means verification or commit failed; the transaction
	// stays unfinished.
	KindUnverified Kind = "unverified"
	// KindSkipped is a restored purchase of a product no longer offered.
	KindSkipped Kind = "skipped"
)

// Outcome reports the handling of one transaction.
type Outcome struct {
	Transaction payment.Transaction
	Kind        Kind
	// Record is set for KindEntitled.
	Record *entitlement.Record
	// FirstGrant is true when this commit granted the purchase for the
	// first time.
	FirstGrant bool
	// Finished reports whether the transaction was acknowledged.
	Finished bool
	Err      error
}

// Terminal reports whether the outcome ends a purchase attempt.
func (o Outcome) Terminal() bool {
	return o.Kind != KindPurchasing
}

// Listener receives outcomes on the observer goroutine. It must not block.
type Listener func(Outcome)
