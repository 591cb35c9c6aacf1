package payment

import "time"

// State is the platform transaction state.
type State string

const (
	StatePurchasing State = "purchasing"
	StateDeferred   State = "deferred"
	StatePurchased  State = "purchased"
	StateFailed     State = "failed"
	StateRestored   State = "restored"
)

// ErrorCode is the platform failure reason of a failed transaction.
type ErrorCode string

const (
	ErrorNone                ErrorCode = ""
	ErrorUserCancelled       ErrorCode = "userCancelled"
	ErrorPaymentInvalid      ErrorCode = "paymentInvalid"
	ErrorPaymentNotAllowed   ErrorCode = "paymentNotAllowed"
	ErrorProductNotAvailable ErrorCode = "productNotAvailable"
	ErrorNetwork             ErrorCode = "network"
	ErrorUnknown             ErrorCode = "unknown"
)

// Transaction is a platform-owned payment event. It stays with the platform
// until finished.
type Transaction struct {
	ID                    string    `json:"id"`
	ProductID             string    `json:"product_id"`
	State                 State     `json:"state"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	Payload               []byte    `json:"-"`
	ErrorCode             ErrorCode `json:"error_code,omitempty"`
	Date                  time.Time `json:"date"`
}

// OriginalID returns the original transaction id, falling back to ID for a
// first purchase that carries none.
func (t Transaction) OriginalID() string {
	if t.OriginalTransactionID != "" {
		return t.OriginalTransactionID
	}
	return t.ID
}

// Alert is the single user-facing error surface. Message is human readable
// and never contains raw codes.
type Alert struct {
	ProductID string `json:"product_id,omitempty"`
	Message   string `json:"message"`
}

// AlertMessage maps a failure reason to a user-facing message.
func AlertMessage(code ErrorCode) string {
	switch code {
	case ErrorPaymentInvalid:
		return "Your payment could not be processed. Please check your payment details and try again."
	case ErrorPaymentNotAllowed:
		return "Purchases are not allowed on this device."
	case ErrorProductNotAvailable:
		return "This product is not available right now."
	case ErrorNetwork:
		return "We could not reach the App Store. Please check your connection and try again."
	default:
		return "Something went wrong with your purchase. Please try again."
	}
}

// VerificationAlertMessage is shown when a completed payment cannot be
// verified.
const VerificationAlertMessage = "We could not verify your purchase yet. We will retry automatically the next time the app starts."
