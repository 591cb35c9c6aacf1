package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrymomot/entitlekit/handler"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
	"github.com/dmitrymomot/entitlekit/svc/purchase"
)

var (
	errPaymentsDisabled   = handler.NewHTTPError(http.StatusForbidden, "payments_disabled")
	errPaymentFailed      = handler.NewHTTPError(http.StatusPaymentRequired, "payment_failed")
	errVerificationFailed = handler.NewHTTPError(http.StatusUnprocessableEntity, "verification_failed")
	errPurchaseRevoked    = handler.NewHTTPError(http.StatusConflict, "purchase_revoked")
	errTimeout            = handler.NewHTTPError(http.StatusGatewayTimeout, "timeout")
)

// errorResponse maps service errors to the JSON error envelope with a
// message fit for display.
func errorResponse(err error) handler.Response {
	switch {
	case errors.Is(err, purchase.ErrUnknownProduct):
		return handler.JSONError(errors.Join(handler.ErrNotFound, err),
			handler.WithMessage("This product is not available right now."))
	case errors.Is(err, purchase.ErrPurchaseInProgress):
		return handler.JSONError(errors.Join(handler.ErrConflict, err),
			handler.WithMessage("A purchase of this product is already in progress."))
	case errors.Is(err, payment.ErrPaymentsDisabled):
		return handler.JSONError(errors.Join(errPaymentsDisabled, err),
			handler.WithMessage(payment.AlertMessage(payment.ErrorPaymentNotAllowed)))
	case errors.Is(err, payment.ErrPurchaseUnsupported):
		return handler.JSONError(errors.Join(handler.ErrNotImplemented, err))
	case errors.Is(err, purchase.ErrNotStarted):
		return handler.JSONError(errors.Join(handler.ErrServiceUnavailable, err))
	case errors.Is(err, purchase.ErrPurchaseFailed):
		msg, _ := strings.CutPrefix(err.Error(), purchase.ErrPurchaseFailed.Error()+": ")
		return handler.JSONError(errors.Join(errPaymentFailed, err), handler.WithMessage(msg))
	case errors.Is(err, purchase.ErrPurchaseRevoked):
		return handler.JSONError(errors.Join(errPurchaseRevoked, err),
			handler.WithMessage("This purchase was refunded or revoked."))
	case errors.Is(err, purchase.ErrNetworkUnreachable):
		return handler.JSONError(errors.Join(handler.ErrBadGateway, err),
			handler.WithMessage(payment.VerificationAlertMessage))
	case errors.Is(err, purchase.ErrVerificationFailed):
		return handler.JSONError(errors.Join(errVerificationFailed, err),
			handler.WithMessage(payment.VerificationAlertMessage))
	case errors.Is(err, context.DeadlineExceeded):
		return handler.JSONError(errors.Join(errTimeout, err),
			handler.WithMessage("The purchase is still being processed. Check your entitlements shortly."))
	default:
		return handler.JSONError(err)
	}
}
