package entitlement

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Repository is the durable record of entitlements.
type Repository interface {
	// Upsert applies g at now and records (product id, original transaction
	// id) in the processed ledger atomically. first is true when the pair
	// was not in the ledger before.
	Upsert(ctx context.Context, g Grant, now time.Time) (rec Record, first bool, err error)
	// SetRevoked flags the record for productID. It returns ErrNotFound for
	// unknown products.
	SetRevoked(ctx context.Context, productID string, now time.Time) (Record, error)
	// List returns all records ordered by product id.
	List(ctx context.Context) ([]Record, error)
}

type ledgerKey struct {
	productID             string
	originalTransactionID string
}

// MemoryRepository keeps records in process.
type MemoryRepository struct {
	mu        sync.Mutex
	records   map[string]Record
	processed map[ledgerKey]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:   make(map[string]Record),
		processed: make(map[ledgerKey]struct{}),
	}
}

func (r *MemoryRepository) Upsert(ctx context.Context, g Grant, now time.Time) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if err := g.validate(); err != nil {
		return Record{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey{g.ProductID, g.OriginalTransactionID}
	_, seen := r.processed[key]
	r.processed[key] = struct{}{}

	rec := r.records[g.ProductID].apply(g, now)
	r.records[g.ProductID] = rec
	return rec, !seen, nil
}

func (r *MemoryRepository) SetRevoked(ctx context.Context, productID string, now time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[productID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Revoked = true
	rec.UpdatedAt = now
	r.records[productID] = rec
	return rec, nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int { return strings.Compare(a.ProductID, b.ProductID) })
}
