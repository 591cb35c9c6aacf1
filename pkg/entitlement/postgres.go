package entitlement

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/entitlekit/pkg/pg"
	"github.com/dmitrymomot/entitlekit/pkg/retry"
)

// Migrations holds the goose schema for PostgresRepository under
// "migrations".
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository stores the records of one subject.
type PostgresRepository struct {
	db      DB
	subject string
}

// NewPostgresRepository panics on a nil db or empty subject.
func NewPostgresRepository(db DB, subject string) *PostgresRepository {
	if db == nil {
		panic("entitlement: db is required")
	}
	if subject == "" {
		panic("entitlement: subject is required")
	}
	return &PostgresRepository{db: db, subject: subject}
}

const recordColumns = `product_id, original_transaction_id, purchased_at, expires_at, verified, revoked, updated_at`

func (r *PostgresRepository) Upsert(ctx context.Context, g Grant, now time.Time) (Record, bool, error) {
	if err := g.validate(); err != nil {
		return Record{}, false, err
	}
	purchasedAt := g.PurchasedAt
	if purchasedAt.IsZero() {
		purchasedAt = now
	}

	var (
		rec   Record
		first bool
	)
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, first, err = r.upsertTx(ctx, g, purchasedAt, now)
		return err
	}, retry.WithAttempts(3),
		retry.WithBackoff(retry.Exponential{Initial: 20 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2, Jitter: 0.2}),
		retry.WithRetryIf(pg.IsSerializationError),
	)
	if err != nil {
		return Record{}, false, errors.Join(ErrRepository, err)
	}
	return rec, first, nil
}

// upsertTx records the ledger entry and the entitlement in one serializable
// transaction.
func (r *PostgresRepository) upsertTx(ctx context.Context, g Grant, purchasedAt, now time.Time) (Record, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return Record{}, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_transactions (subject, product_id, original_transaction_id, first_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		r.subject, g.ProductID, g.OriginalTransactionID, now)
	if err != nil {
		return Record{}, false, err
	}
	first := tag.RowsAffected() == 1

	rows, err := tx.Query(ctx, `
		INSERT INTO entitlements (subject, product_id, original_transaction_id, purchased_at, expires_at, verified, revoked, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6)
		ON CONFLICT (subject, product_id) DO UPDATE SET
			original_transaction_id = EXCLUDED.original_transaction_id,
			expires_at = EXCLUDED.expires_at,
			verified = TRUE,
			revoked = FALSE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		r.subject, g.ProductID, g.OriginalTransactionID, purchasedAt, g.ExpiresAt, now)
	if err != nil {
		return Record{}, false, err
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, err
	}
	return rec, first, nil
}

func (r *PostgresRepository) SetRevoked(ctx context.Context, productID string, now time.Time) (Record, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE entitlements SET revoked = TRUE, updated_at = $3
		WHERE subject = $1 AND product_id = $2
		RETURNING `+recordColumns,
		r.subject, productID, now)
	if err != nil {
		return Record{}, errors.Join(ErrRepository, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, errors.Join(ErrRepository, err)
	}
	return rec, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM entitlements
		WHERE subject = $1
		ORDER BY product_id`, r.subject)
	if err != nil {
		return nil, errors.Join(ErrRepository, err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Join(ErrRepository, err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ProductID,
		&rec.OriginalTransactionID,
		&rec.PurchasedAt,
		&rec.ExpiresAt,
		&rec.Verified,
		&rec.Revoked,
		&rec.UpdatedAt,
	)
	rec.PurchasedAt = rec.PurchasedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.ExpiresAt = cloneTime(rec.ExpiresAt)
	return rec, err
}
