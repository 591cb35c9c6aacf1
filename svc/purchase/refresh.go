package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/entitlekit/pkg/async"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
)

// RefreshReport summarizes one reconciliation pass.
type RefreshReport struct {
	// Reconciled lists products whose purchase was verified and committed.
	Reconciled []string `json:"reconciled"`
	// Revoked lists products revoked by this pass.
	Revoked []string `json:"revoked"`
	// Skipped lists owned products missing from the catalog.
	Skipped []string `json:"skipped"`
	// Unverified lists products whose verification failed. Their records
	// were left untouched.
	Unverified []string                 `json:"unverified"`
	State      entitlement.DerivedState `json:"state"`
}

// RefreshEntitlements reconciles the platform's current purchases into the
// store.
//
// Each current transaction of a known product is verified and committed,
// including products that are no longer offered to new buyers. When the
// platform's listing is authoritative, a record it no longer lists is
// revoked, which catches refunds as well as expirations. Otherwise only
// unlisted records past their expiry are revoked. Nothing is revoked if a
// verification failed for network reasons: absence of confirmation is not
// proof of invalidity. Refunds reported by the verifier revoke immediately.
func (s *service) RefreshEntitlements(ctx context.Context) (RefreshReport, error) {
	report := RefreshReport{
		Reconciled: []string{},
		Revoked:    []string{},
		Skipped:    []string{},
		Unverified: []string{},
	}

	txs, err := s.queue.CurrentTransactions(ctx)
	if err != nil {
		report.State = s.store.Recompute(ctx)
		return report, errors.Join(ErrNetworkUnreachable, err)
	}

	policy := s.products.Offerings()
	listed := make(map[string]bool, len(txs))
	known := make([]payment.Transaction, 0, len(txs))
	for _, tx := range txs {
		listed[tx.ProductID] = true
		if _, _, ok := policy.Lookup(tx.ProductID); !ok {
			report.Skipped = append(report.Skipped, tx.ProductID)
			continue
		}
		known = append(known, tx)
	}

	results := async.Map(ctx, known, s.refreshLimit, func(ctx context.Context, tx payment.Transaction) (observer.Outcome, error) {
		out := s.observer.Reconcile(ctx, tx)
		return out, out.Err
	})

	inconclusive := false
	var errs []error
	for _, r := range results {
		productID := r.Input.ProductID

		switch r.Value.Kind {
		case observer.KindEntitled:
			report.Reconciled = append(report.Reconciled, productID)
		case observer.KindRevoked:
			report.Revoked = append(report.Revoked, productID)
		default:
			err := classify(r.Err)
			if err == nil {
				err = ErrVerificationFailed
			}
			report.Unverified = append(report.Unverified, productID)
			if IsTransient(err) || ctx.Err() != nil {
				inconclusive = true
			}
			s.log.WarnContext(ctx, "current transaction not reconciled", logger.ProductID(productID), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", productID, err))
		}
	}

	if inconclusive {
		s.log.InfoContext(ctx, "lapse check skipped: verification inconclusive")
	} else {
		revoked, err := s.revokeLapsed(ctx, listed, s.queue.Authoritative())
		report.Revoked = append(report.Revoked, revoked...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	report.State = s.store.Recompute(ctx)
	s.log.InfoContext(ctx, "entitlements refreshed",
		slog.Int("reconciled", len(report.Reconciled)),
		slog.Int("revoked", len(report.Revoked)),
		slog.Int("unverified", len(report.Unverified)),
		slog.Bool("premium", report.State.IsPremium),
	)
	return report, errors.Join(errs...)
}

// revokeLapsed revokes records the platform no longer lists. Unless the
// listing is authoritative, a record must also be past its expiry.
func (s *service) revokeLapsed(ctx context.Context, listed map[string]bool, authoritative bool) ([]string, error) {
	now := s.now()
	revoked := []string{}
	var errs []error
	for _, rec := range s.store.Records() {
		if rec.Revoked || listed[rec.ProductID] {
			continue
		}
		if !authoritative && !rec.IsExpired(now) {
			continue
		}
		if _, err := s.store.Revoke(ctx, rec.ProductID); err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", rec.ProductID, err))
			continue
		}
		s.metrics.Revocation()
		s.log.InfoContext(ctx, "lapsed entitlement revoked", logger.ProductID(rec.ProductID), logger.ExpiresAt(rec.ExpiresAt))
		revoked = append(revoked, rec.ProductID)
	}
	return revoked, errors.Join(errs...)
}
