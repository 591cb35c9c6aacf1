// Package logger builds *slog.Logger values for entitlekit components.
//
// New assembles a text or JSON handler from functional options and wraps it
// with a decorator that pulls attributes out of context.Context on every
// record. Components accept a *slog.Logger and default to Discard so that a
// library user who does not care about logs gets none.
//
// Attribute helpers in attr.go keep key names stable across packages:
//
//	log.InfoContext(ctx, "transaction finished",
//	    logger.ProductID(tx.ProductID),
//	    logger.OriginalTransactionID(tx.OriginalTransactionID),
//	)
//
// Error returns an empty attribute for a nil error, so it can be passed
// unconditionally.
package logger
