// Package redis connects to Redis with go-redis/v9.
//
// Connect retries the initial ping according to Config; Healthcheck adapts a
// client into a readiness probe.
package redis
