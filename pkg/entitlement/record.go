package entitlement

import (
	"fmt"
	"time"
)

// Record is the entitlement held for one product.
type Record struct {
	ProductID             string     `json:"product_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	PurchasedAt           time.Time  `json:"purchased_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	Verified              bool       `json:"verified"`
	Revoked               bool       `json:"revoked"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Grant is a verified purchase to apply to the store.
type Grant struct {
	ProductID             string
	OriginalTransactionID string
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
}

func (g Grant) validate() error {
	if g.ProductID == "" {
		return fmt.Errorf("%w: empty product id", ErrInvalidRecord)
	}
	if g.OriginalTransactionID == "" {
		return fmt.Errorf("%w: empty original transaction id", ErrInvalidRecord)
	}
	return nil
}

// IsExpired reports whether the record has an expiry strictly before now.
// Records without expiry never expire.
func (r Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// IsCurrent reports whether the record grants access at now.
func (r Record) IsCurrent(now time.Time) bool {
	return !r.Revoked && !r.IsExpired(now)
}

// IsLifetime reports whether the record never expires.
func (r Record) IsLifetime() bool { return r.ExpiresAt == nil }

// apply merges g into r: purchase date is kept from the first insert, expiry
// and verification are overwritten and revocation is cleared.
func (r Record) apply(g Grant, now time.Time) Record {
	if r.ProductID == "" {
		r.ProductID = g.ProductID
		r.PurchasedAt = g.PurchasedAt
		if r.PurchasedAt.IsZero() {
			r.PurchasedAt = now
		}
	}
	r.OriginalTransactionID = g.OriginalTransactionID
	r.ExpiresAt = cloneTime(g.ExpiresAt)
	r.Verified = true
	r.Revoked = false
	r.UpdatedAt = now
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}
