package payment

import "context"

// Queue is the platform payment queue.
type Queue interface {
	// Events subscribes to transaction updates. Unfinished transactions are
	// delivered again on every subscription. The channel closes when ctx
	// ends.
	Events(ctx context.Context) (<-chan Transaction, error)
	// Add asks the platform to start a purchase of productID.
	Add(ctx context.Context, productID string) error
	// Finish acknowledges a transaction and removes it from redelivery.
	Finish(ctx context.Context, tx Transaction) error
	// RestoreCompletedTransactions redelivers owned purchases as restored.
	RestoreCompletedTransactions(ctx context.Context) error
	// CanMakePayments reports whether this device may purchase.
	CanMakePayments() bool
	// CurrentTransactions lists the platform-verified current purchases,
	// the latest per product.
	CurrentTransactions(ctx context.Context) ([]Transaction, error)
	// Authoritative reports whether CurrentTransactions is the platform's
	// complete listing. Only then does absence from it mean the purchase
	// expired or was refunded.
	Authoritative() bool
}
