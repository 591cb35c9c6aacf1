package purchase

import (
	"errors"

	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
)

var (
	ErrUnknownProduct          = errors.New("purchase: unknown product")
	ErrPurchaseInProgress      = errors.New("purchase: a purchase of this product is already in progress")
	ErrPurchaseFailed          = errors.New("purchase: payment failed")
	ErrPurchaseRevoked         = errors.New("purchase: purchase was revoked by the store")
	ErrVerificationFailed      = errors.New("purchase: verification failed")
	ErrNetworkUnreachable      = errors.New("purchase: verification endpoint unreachable")
	ErrMalformedServerResponse = errors.New("purchase: malformed server response")
	ErrNotStarted              = errors.New("purchase: service not started")
	ErrInvalidAttempt          = errors.New("purchase: outcome does not fit the attempt")
)

// classify maps a verification or commit error to the public taxonomy.
// Malformed responses are verification failures too.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, observer.ErrTransactionRevoked):
		return errors.Join(ErrPurchaseRevoked, err)
	case errors.Is(err, receipt.ErrNetworkFailure):
		return errors.Join(ErrNetworkUnreachable, err)
	case errors.Is(err, receipt.ErrMalformedResponse):
		return errors.Join(ErrVerificationFailed, ErrMalformedServerResponse, err)
	default:
		return errors.Join(ErrVerificationFailed, err)
	}
}

// IsTransient reports whether err may go away on its own, so that existing
// entitlements must be kept.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, receipt.ErrNetworkFailure)
}
