package logger

import (
	"log/slog"
	"time"
)

// Error records err under "error". A nil error yields an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func ProductID(id string) slog.Attr {
	return slog.String("product_id", id)
}

func TransactionID(id string) slog.Attr {
	return slog.String("transaction_id", id)
}

func OriginalTransactionID(id string) slog.Attr {
	return slog.String("original_transaction_id", id)
}

// TransactionState records the platform transaction state.
func TransactionState(state string) slog.Attr {
	return slog.String("transaction_state", state)
}

// Environment records the verification environment (sandbox or production).
func Environment(env string) slog.Attr {
	return slog.String("environment", env)
}

func AttemptID(id string) slog.Attr {
	return slog.String("attempt_id", id)
}

func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// ExpiresAt records an expiry; nil means the purchase never expires.
func ExpiresAt(t *time.Time) slog.Attr {
	if t == nil {
		return slog.String("expires_at", "never")
	}
	return slog.Time("expires_at", *t)
}
