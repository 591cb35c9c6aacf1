// Package receipt authenticates purchases against the issuing store.
//
// Three Verifier implementations share one result type:
//
//   - Client posts the receipt to the verifyReceipt endpoint. Production is
//     tried first; a 21007 status retries once against sandbox.
//   - JWSVerifier checks a signed transaction locally: an ES256 signature
//     whose x5c certificate chain must lead to the configured root.
//   - LocalVerifier accepts any non-empty payload and derives the expiry
//     from the product period. It exists for development builds backed by
//     the in-memory payment queue.
//
// Errors are classified by sentinel: ErrNetworkFailure is transient,
// ErrMalformedResponse, ErrNoReceiptPresent and ErrVerificationFailed are not.
// Callers never grant an entitlement on any error.
package receipt
