// Package ratelimiter limits calls with a token bucket per key.
//
// A Limiter holds the bucket parameters and delegates state to a Store:
// MemoryStore for a single process, RedisStore when several replicas must
// share one budget. Middleware applies a Limiter to HTTP handlers and sets
// the X-RateLimit-* headers.
//
//	lim, err := ratelimiter.New(ratelimiter.NewMemoryStore(), cfg)
//	r.With(ratelimiter.Middleware(lim, ratelimiter.ByPath)).Post("/v1/refresh", h)
//
// Denied calls do not consume tokens.
package ratelimiter
