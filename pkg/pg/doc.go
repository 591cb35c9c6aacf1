// Package pg connects to PostgreSQL through pgx/v5 and applies goose
// migrations.
//
// Connect builds a *pgxpool.Pool from Config and retries with exponential
// backoff until the first ping succeeds. Migrate runs the migrations embedded
// by the caller (an fs.FS plus directory) over the same pool. Healthcheck
// returns a probe for readiness endpoints, and the Is*Error helpers classify
// *pgconn.PgError values.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, entitlement.Migrations, "migrations", log); err != nil {
//		return err
//	}
package pg
