// Package handler provides typed HTTP handlers for the entitlement API.
//
// A HandlerFunc receives a Context and a request value populated by the
// configured binders, and returns a Response that renders itself:
//
//	type purchaseRequest struct {
//		ProductID string `json:"product_id"`
//	}
//
//	r.Post("/v1/purchases", handler.Wrap(
//		func(ctx handler.Context, req purchaseRequest) handler.Response {
//			res, err := svc.Purchase(ctx, req.ProductID)
//			if err != nil {
//				return handler.JSONError(err)
//			}
//			return handler.JSON(res)
//		},
//		handler.WithBinders[purchaseRequest](binder.BindJSON()),
//	))
//
// JSON responses share one envelope: {"data": ...} on success and
// {"error": {"code", "message"}} on failure. Errors that wrap an HTTPError
// keep its status and key; anything else is a 500.
//
// SSE streams server-sent events until the client disconnects or the
// server shuts down.
package handler
