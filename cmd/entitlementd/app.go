package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/entitlekit/pkg/analytics"
	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/config"
	"github.com/dmitrymomot/entitlekit/pkg/entitlement"
	"github.com/dmitrymomot/entitlekit/pkg/httpserver"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/metrics"
	"github.com/dmitrymomot/entitlekit/pkg/observer"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
	"github.com/dmitrymomot/entitlekit/pkg/pg"
	"github.com/dmitrymomot/entitlekit/pkg/ratelimiter"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
	"github.com/dmitrymomot/entitlekit/pkg/redis"
	"github.com/dmitrymomot/entitlekit/pkg/retry"
	"github.com/dmitrymomot/entitlekit/svc/purchase"
)

// app holds the wired components served by the router.
type app struct {
	svc     purchase.Service
	metrics *metrics.Collector
	log     *slog.Logger

	// notifications is nil unless QUEUE=notifications.
	notifications   http.Handler
	limiter         *ratelimiter.Limiter
	checks          []httpserver.Check
	purchaseTimeout time.Duration

	redisClient goredis.UniversalClient
	closers     []func() error
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// build wires the stack selected by cfg. On error, everything opened so far
// is closed.
func build(ctx context.Context, cfg appConfig, log *slog.Logger) (_ *app, err error) {
	a := &app{
		metrics:         metrics.NewCollector(cfg.MetricsNamespace),
		log:             log,
		purchaseTimeout: cfg.PurchaseTimeout,
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.close())
		}
	}()

	offerings, err := catalog.LoadOfferings(cfg.OfferingsPath)
	if err != nil {
		return nil, err
	}
	source, err := catalog.NewStaticSource(offerings, cfg.locale())
	if err != nil {
		return nil, err
	}
	products := catalog.NewCache(source, offerings, catalog.WithLogger(log))

	repo, err := a.repository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storeOpts := []entitlement.StoreOption{
		entitlement.WithFeatures(offerings.Features),
		entitlement.WithLogger(log),
	}
	cache, err := a.cache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		storeOpts = append(storeOpts, entitlement.WithCache(cache))
	}
	store := entitlement.NewStore(repo, storeOpts...)
	a.closers = append(a.closers, store.Close)

	verifier, decoder, err := a.verifier(cfg, offerings)
	if err != nil {
		return nil, err
	}

	var queue payment.Queue
	switch cfg.Queue {
	case queueNotifications:
		nq := payment.NewNotificationQueue(decoder,
			payment.WithAckTimeout(cfg.AckTimeout),
			payment.WithNotificationLogger(log),
		)
		queue, a.notifications = nq, nq
	default:
		queue = payment.NewMemoryQueue()
	}

	if a.limiter, err = a.rateLimiter(cfg); err != nil {
		return nil, err
	}

	sink, err := a.analytics(log)
	if err != nil {
		return nil, err
	}

	obs := observer.New(queue, verifier, store, offerings,
		observer.WithLogger(log),
		observer.WithMetrics(a.metrics),
		observer.WithAnalytics(sink),
		observer.WithAlerts(func(al payment.Alert) {
			log.Warn("purchase alert", logger.ProductID(al.ProductID), slog.String("message", al.Message))
		}),
	)
	a.svc = purchase.NewService(products, queue, obs, store,
		purchase.WithLogger(log),
		purchase.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) repository(ctx context.Context, cfg appConfig) (entitlement.Repository, error) {
	if cfg.Storage != storagePostgres {
		return entitlement.NewMemoryRepository(), nil
	}
	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return nil, err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	if err := pg.Migrate(ctx, pool, pgCfg, entitlement.Migrations, entitlement.MigrationsDir, a.log); err != nil {
		return nil, err
	}
	a.checks = append(a.checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)})
	return entitlement.NewPostgresRepository(pool, cfg.Subject), nil
}

// cache returns nil when the advisory cache is disabled.
func (a *app) cache(ctx context.Context, cfg appConfig) (entitlement.Cache, error) {
	switch cfg.Cache {
	case cacheRedis:
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return nil, err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		a.redisClient = client
		a.closers = append(a.closers, client.Close)
		a.checks = append(a.checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})
		return entitlement.NewRedisCache(client, cfg.Subject, cfg.CacheTTL), nil
	case cacheMemory:
		return entitlement.NewMemoryCache(), nil
	default:
		return nil, nil
	}
}

// verifier returns the receipt verifier and, in jws mode, the notification
// decoder backed by the same certificate roots.
func (a *app) verifier(cfg appConfig, offerings catalog.Offerings) (receipt.Verifier, payment.NotificationDecoder, error) {
	var strict []receipt.ClientOption
	var strictJWS []receipt.JWSOption
	if cfg.StrictEnvironment {
		strict = append(strict, receipt.WithStrictEnvironment(cfg.environment()))
		strictJWS = append(strictJWS, receipt.WithJWSStrictEnvironment(cfg.environment()))
	}

	switch cfg.VerifyMode {
	case verifyJWS:
		var jwsCfg receipt.JWSConfig
		if err := config.Load(&jwsCfg); err != nil {
			return nil, nil, err
		}
		if jwsCfg.RootCertPath == "" {
			return nil, nil, errors.New("config: APPSTORE_ROOT_CERT is required in jws mode")
		}
		roots, err := receipt.LoadRoots(jwsCfg.RootCertPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load app store roots: %w", err)
		}
		v := receipt.NewJWSVerifier(roots, jwsCfg.BundleID, append(strictJWS, receipt.WithJWSLogger(a.log))...)
		return v, v, nil

	case verifyLocal:
		a.log.Warn("receipts are trusted without verification", slog.String("verify_mode", verifyLocal))
		return receipt.NewLocalVerifier(offerings.PeriodOf, nil), nil, nil

	default:
		var clientCfg receipt.Config
		if err := config.Load(&clientCfg); err != nil {
			return nil, nil, err
		}
		breaker := retry.NewBreaker(cfg.BreakerFailures, 1, cfg.BreakerRecovery)
		opts := append(strict, receipt.WithLogger(a.log), receipt.WithBreaker(breaker))
		return receipt.NewClient(clientCfg, opts...), nil, nil
	}
}

// rateLimiter shares its buckets through redis when the cache uses it.
func (a *app) rateLimiter(cfg appConfig) (*ratelimiter.Limiter, error) {
	var limitCfg ratelimiter.Config
	if err := config.Load(&limitCfg); err != nil {
		return nil, err
	}
	var store ratelimiter.Store
	if a.redisClient != nil {
		store = ratelimiter.NewRedisStore(a.redisClient, cfg.Subject)
	} else {
		ms := ratelimiter.NewMemoryStore()
		a.closers = append(a.closers, ms.Close)
		store = ms
	}
	return ratelimiter.New(store, limitCfg)
}

// analytics returns the Kafka sink when brokers are configured.
func (a *app) analytics(log *slog.Logger) (analytics.Sink, error) {
	var kafkaCfg analytics.Config
	if err := config.Load(&kafkaCfg); err != nil {
		return nil, err
	}
	if len(kafkaCfg.Brokers) == 0 {
		return analytics.Noop{}, nil
	}
	sink, err := analytics.NewKafkaSink(kafkaCfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sink.Close)
	return sink, nil
}
