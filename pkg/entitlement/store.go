package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/broadcast"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
)

// UpsertResult is the outcome of Store.Upsert.
type UpsertResult struct {
	Record Record
	// FirstGrant is true the first time this (product id, original
	// transaction id) pair was committed.
	FirstGrant bool
	State      DerivedState
}

// Store serializes writes to the repository and publishes derived state.
type Store struct {
	mu       sync.Mutex
	repo     Repository
	cache    Cache
	features FeatureLookup
	now      func() time.Time
	log      *slog.Logger

	records map[string]Record
	loaded  bool

	state atomic.Pointer[DerivedState]
	bus   *broadcast.MemoryBroadcaster[DerivedState]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCache mirrors every write into c.
func WithCache(c Cache) StoreOption {
	return func(s *Store) { s.cache = c }
}

func WithFeatures(fn FeatureLookup) StoreOption {
	return func(s *Store) { s.features = fn }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore panics when repo is nil.
func NewStore(repo Repository, opts ...StoreOption) *Store {
	if repo == nil {
		panic("entitlement: repository is required")
	}
	s := &Store{
		repo:    repo,
		now:     time.Now,
		log:     logger.Discard(),
		records: make(map[string]Record),
		bus:     broadcast.NewMemoryBroadcaster[DerivedState](1, broadcast.WithReplay(), broadcast.WithConflation()),
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := Derive(nil, s.now(), s.features)
	initial.Provisional = true
	s.publishLocked(context.Background(), initial)
	return s
}

// LoadProvisional publishes a state built from the advisory cache. It is a
// no-op once Load has succeeded or when no cache is configured.
func (s *Store) LoadProvisional(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	entries, err := s.cache.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	recs := make([]Record, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, e.record())
	}
	st := Derive(recs, s.now(), s.features)
	st.Provisional = true
	s.publishLocked(ctx, st)
	return nil
}

// Load replaces the mirror with the repository contents and publishes an
// authoritative state.
func (s *Store) Load(ctx context.Context) error {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]Record, len(recs))
	for _, r := range recs {
		s.records[r.ProductID] = r
	}
	s.loaded = true
	s.recomputeLocked(ctx)
	return nil
}

// Upsert commits g. Repeating the same grant converges to the same record.
func (s *Store) Upsert(ctx context.Context, g Grant) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, first, err := s.repo.Upsert(ctx, g, s.now().UTC())
	if err != nil {
		return UpsertResult{}, err
	}
	s.records[rec.ProductID] = rec
	s.mirrorLocked(ctx, rec)
	st := s.recomputeLocked(ctx)

	s.log.DebugContext(ctx, "entitlement committed",
		logger.ProductID(rec.ProductID),
		logger.OriginalTransactionID(rec.OriginalTransactionID),
		logger.ExpiresAt(rec.ExpiresAt),
		slog.Bool("first_grant", first),
	)
	return UpsertResult{Record: rec, FirstGrant: first, State: st}, nil
}

// Revoke flags the record for productID. Records are never deleted.
func (s *Store) Revoke(ctx context.Context, productID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.SetRevoked(ctx, productID, s.now().UTC())
	if err != nil {
		return Record{}, err
	}
	s.records[rec.ProductID] = rec
	s.mirrorLocked(ctx, rec)
	s.recomputeLocked(ctx)

	s.log.InfoContext(ctx, "entitlement revoked", logger.ProductID(productID))
	return rec, nil
}

// Record returns the record for productID.
func (s *Store) Record(productID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[productID]
	return rec, ok
}

// IsExpired reports whether productID has an expiry strictly in the past.
// Unknown products and products without expiry are not expired.
func (s *Store) IsExpired(productID string) bool {
	rec, ok := s.Record(productID)
	return ok && rec.IsExpired(s.now())
}

// CurrentEntitlements returns the records that are neither expired nor
// revoked.
func (s *Store) CurrentEntitlements() []Record {
	now := s.now()
	out := make([]Record, 0)
	for _, r := range s.Records() {
		if r.IsCurrent(now) {
			out = append(out, r)
		}
	}
	return out
}

// Records returns every record ordered by product id.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// State returns the last published state.
func (s *Store) State() DerivedState {
	return *s.state.Load()
}

// Recompute re-derives the state so that expiries that passed since the last
// write are reflected.
func (s *Store) Recompute(ctx context.Context) DerivedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return s.State()
	}
	return s.recomputeLocked(ctx)
}

// Subscribe delivers the current state immediately and every later change.
// Slow subscribers only ever see the latest state.
func (s *Store) Subscribe(ctx context.Context) broadcast.Subscriber[DerivedState] {
	return s.bus.Subscribe(ctx)
}

func (s *Store) Close() error {
	return s.bus.Close()
}

func (s *Store) mirrorLocked(ctx context.Context, rec Record) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(ctx, entryFor(rec)); err != nil {
		s.log.WarnContext(ctx, "advisory cache write failed", logger.ProductID(rec.ProductID), logger.Error(err))
	}
}

func (s *Store) recomputeLocked(ctx context.Context) DerivedState {
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sortRecords(recs)
	st := Derive(recs, s.now(), s.features)
	s.publishLocked(ctx, st)
	return st
}

func (s *Store) publishLocked(ctx context.Context, st DerivedState) {
	s.state.Store(&st)
	if err := s.bus.Broadcast(ctx, broadcast.Message[DerivedState]{Data: st}); err != nil {
		s.log.DebugContext(ctx, "state not broadcast", logger.Error(err))
	}
}
