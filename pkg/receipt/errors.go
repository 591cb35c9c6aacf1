package receipt

import "errors"

var (
	ErrNetworkFailure      = errors.New("receipt: verification endpoint unreachable")
	ErrMalformedResponse   = errors.New("receipt: malformed verification response")
	ErrNoReceiptPresent    = errors.New("receipt: no receipt to verify")
	ErrVerificationFailed  = errors.New("receipt: verification failed")
	ErrProductNotInReceipt = errors.New("receipt: product not found in receipt")
	ErrEnvironmentMismatch = errors.New("receipt: transaction environment not accepted")
	ErrUntrustedChain      = errors.New("receipt: untrusted certificate chain")
)

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
