package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/entitlekit/binder"
	"github.com/dmitrymomot/entitlekit/handler"
	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/httpserver"
	"github.com/dmitrymomot/entitlekit/pkg/ratelimiter"
	"github.com/dmitrymomot/entitlekit/svc/purchase"
)

const streamKeepAlive = 15 * time.Second

var errRateLimited = handler.NewHTTPError(http.StatusTooManyRequests, "rate_limited")

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.Middleware)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(a.log, a.checks...))
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	// endpoints that reach the App Store
	limited := ratelimiter.Middleware(a.limiter,
		ratelimiter.Composite(ratelimiter.ByPath, ratelimiter.ByRemoteHost),
		ratelimiter.WithDeniedHandler(func(w http.ResponseWriter, r *http.Request, _ ratelimiter.Result) {
			_ = handler.JSONError(errRateLimited, handler.WithMessage("Too many requests. Please try again later.")).Render(w, r)
		}),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/entitlements", handler.Wrap(a.getEntitlements))
		r.Get("/entitlements/stream", handler.Wrap(a.streamEntitlements))
		r.Get("/products", handler.Wrap(a.getProducts))
		r.With(limited).Post("/purchases", handler.Wrap(a.postPurchase,
			handler.WithBinders[purchaseRequest](binder.BindJSON()),
		))
		r.With(limited).Post("/restore", handler.Wrap(a.postRestore))
		r.With(limited).Post("/refresh", handler.Wrap(a.postRefresh))
		if a.notifications != nil {
			r.Method(http.MethodPost, "/notifications/appstore", a.notifications)
		}
	})
	return r
}

type entitlementsResponse struct {
	State        entitlement.DerivedState `json:"state"`
	Entitlements []entitlement.Record     `json:"entitlements"`
}

func (a *app) getEntitlements(ctx handler.Context, _ struct{}) handler.Response {
	recs := a.svc.CurrentEntitlements()
	if recs == nil {
		recs = []entitlement.Record{}
	}
	return handler.JSON(entitlementsResponse{State: a.svc.State(), Entitlements: recs})
}

// streamEntitlements sends the derived state on connect and on every change.
func (a *app) streamEntitlements(ctx handler.Context, _ struct{}) handler.Response {
	return handler.SSE(func(stream handler.Stream) error {
		sub := a.svc.Subscribe(stream)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-stream.Done():
				return nil
			case msg, ok := <-sub.Receive(stream):
				if !ok {
					return nil
				}
				if err := stream.Send("state", msg.Data); err != nil {
					return err
				}
			}
		}
	}, streamKeepAlive)
}

type productsResponse struct {
	Products []catalog.Product `json:"products"`
	Tiers    catalog.Tiers     `json:"tiers"`
}

func (a *app) getProducts(ctx handler.Context, _ struct{}) handler.Response {
	products, err := a.svc.RequestProducts(ctx)
	if err != nil {
		return handler.JSONError(errors.Join(handler.ErrBadGateway, err))
	}
	return handler.JSON(productsResponse{Products: products, Tiers: a.svc.Tiers()})
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

func (a *app) postPurchase(ctx handler.Context, req purchaseRequest) handler.Response {
	if req.ProductID == "" {
		return handler.JSONError(handler.ErrUnprocessableEntity, handler.WithMessage("product_id is required"))
	}
	pctx, cancel := context.WithTimeout(ctx, a.purchaseTimeout)
	defer cancel()

	res, err := a.svc.Purchase(pctx, req.ProductID)
	if err != nil {
		return errorResponse(err)
	}
	status := http.StatusOK
	if res.Status == purchase.StatusPending {
		status = http.StatusAccepted
	}
	return handler.JSON(res, handler.WithJSONStatus(status))
}

func (a *app) postRestore(ctx handler.Context, _ struct{}) handler.Response {
	if err := a.svc.Restore(ctx); err != nil {
		return errorResponse(err)
	}
	return handler.Empty(http.StatusAccepted)
}

func (a *app) postRefresh(ctx handler.Context, _ struct{}) handler.Response {
	report, err := a.svc.RefreshEntitlements(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(report)
}
