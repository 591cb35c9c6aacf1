// Package retry provides backoff strategies, a circuit breaker and a
// context-aware retry loop used for calls to remote endpoints (receipt
// verification, database and cache connections).
//
// Do retries only errors the caller classifies as transient:
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//	    return client.Ping(ctx)
//	}, retry.WithAttempts(3), retry.WithRetryIf(isNetworkError))
//
// A Breaker opens after a run of consecutive failures and lets a probe
// through once the recovery timeout has passed.
package retry
