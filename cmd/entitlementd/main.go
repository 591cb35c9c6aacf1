// Command entitlementd serves the entitlement engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/entitlekit/pkg/config"
	"github.com/dmitrymomot/entitlekit/pkg/environment"
	"github.com/dmitrymomot/entitlekit/pkg/httpserver"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return err
	}

	env := cfg.environment()
	log := logger.New(
		logger.WithEnvironment(env, cfg.ServiceName),
		logger.WithContextExtractors(environment.LoggerExtractor(), requestIDExtractor),
	)

	ctx, cancel := context.WithCancel(environment.WithContext(context.Background(), env))
	defer cancel()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("shutdown cleanup failed", logger.Error(err))
		}
	}()

	if err := a.svc.Start(ctx); err != nil {
		return fmt.Errorf("start purchase service: %w", err)
	}
	go runRefresher(ctx, a.svc, cfg.RefreshInterval, cfg.RefreshTimeout, log.With(logger.Component("refresher")))

	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStopHook(func(context.Context) { cancel() }),
	)
	if err := srv.Run(ctx, newRouter(a)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func requestIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id := middleware.GetReqID(ctx)
	if id == "" {
		return slog.Attr{}, false
	}
	return logger.RequestID(id), true
}
