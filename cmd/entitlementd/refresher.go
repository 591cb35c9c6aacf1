package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/svc/purchase"
)

// runRefresher reconciles entitlements every interval until ctx ends. The
// first pass already ran in Start.
func runRefresher(ctx context.Context, svc purchase.Service, interval, timeout time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce := func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		report, err := svc.RefreshEntitlements(runCtx)
		if err != nil {
			log.WarnContext(ctx, "scheduled refresh failed", logger.Error(err))
			return
		}
		if len(report.Revoked) > 0 || len(report.Unverified) > 0 {
			log.InfoContext(ctx, "scheduled refresh changed entitlements",
				slog.Any("revoked", report.Revoked),
				slog.Any("unverified", report.Unverified),
				slog.Bool("premium", report.State.IsPremium),
			)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
