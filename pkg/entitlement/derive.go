package entitlement

import (
	"slices"
	"time"
)

// DerivedState is the premium status computed from the current records.
type DerivedState struct {
	IsPremium       bool      `json:"is_premium"`
	IsLifetime      bool      `json:"is_lifetime"`
	ActiveProductID string    `json:"active_product_id,omitempty"`
	Features        []string  `json:"features"`
	Provisional     bool      `json:"provisional"`
	ComputedAt      time.Time `json:"computed_at"`
}

// FeatureLookup returns the feature flags unlocked by a product.
type FeatureLookup func(productID string) []string

// Derive computes the state from records at now. A lifetime record wins the
// active product; otherwise the subscription that expires last does.
func Derive(records []Record, now time.Time, features FeatureLookup) DerivedState {
	st := DerivedState{Features: []string{}, ComputedAt: now}

	var activeExpiry time.Time
	for _, r := range records {
		if !r.IsCurrent(now) {
			continue
		}
		st.IsPremium = true

		switch {
		case r.IsLifetime():
			if !st.IsLifetime || r.ProductID < st.ActiveProductID {
				st.ActiveProductID = r.ProductID
			}
			st.IsLifetime = true
		case !st.IsLifetime && (st.ActiveProductID == "" || r.ExpiresAt.After(activeExpiry)):
			st.ActiveProductID = r.ProductID
			activeExpiry = *r.ExpiresAt
		}

		if features != nil {
			for _, f := range features(r.ProductID) {
				if !slices.Contains(st.Features, f) {
					st.Features = append(st.Features, f)
				}
			}
		}
	}
	slices.Sort(st.Features)
	return st
}
