package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/entitlekit/pkg/retry"
)

// Connect opens a pool and pings it, retrying with exponential backoff so a
// database that starts alongside the service is waited for.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrEmptyConnectionString
	}
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseDBConfig, err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MaxIdleConns
	connConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	connConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	connConfig.MaxConnLifetime = cfg.MaxConnLifetime

	var pool *pgxpool.Pool
	err = retry.Do(ctx, func(ctx context.Context) error {
		conn, err := pgxpool.NewWithConfig(ctx, connConfig)
		if err != nil {
			return err
		}
		// Ping surfaces authentication and permission problems.
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return err
		}
		pool = conn
		return nil
	},
		retry.WithAttempts(cfg.RetryAttempts),
		retry.WithBackoff(retry.Exponential{Initial: cfg.RetryInterval, Max: 8 * cfg.RetryInterval, Multiplier: 2}),
	)
	if err != nil {
		return nil, errors.Join(ErrFailedToOpenDBConnection, err)
	}
	return pool, nil
}
