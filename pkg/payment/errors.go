package payment

import "errors"

var (
	ErrUnknownTransaction  = errors.New("payment: unknown transaction")
	ErrPaymentsDisabled    = errors.New("payment: payments are not allowed on this device")
	ErrPurchaseUnsupported = errors.New("payment: purchases cannot be started from this transport")
	ErrInvalidNotification = errors.New("payment: invalid notification")
	ErrQueueClosed         = errors.New("payment: queue is closed")
)
