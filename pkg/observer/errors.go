package observer

import "errors"

var (
	ErrNotStarted         = errors.New("observer: not started")
	ErrMissingExpiry      = errors.New("observer: subscription without expiry")
	ErrTransactionRevoked = errors.New("observer: purchase revoked by the store")
)
