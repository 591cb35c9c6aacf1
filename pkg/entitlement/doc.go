// Package entitlement persists what the subject owns and derives premium
// status from it.
//
// A Record exists per product id and is never deleted: revocation only sets
// a flag. Store is the single writer. Every mutation goes to the Repository
// first, then to the in-memory mirror and the advisory Cache, and the
// recomputed DerivedState is published before the write lock is released, so
// subscribers never observe a state older than a completed write.
//
// Repositories record each (product id, original transaction id) pair in a
// processed ledger in the same transaction as the record upsert. The first
// upsert of a pair reports FirstGrant, which callers use to count a grant
// exactly once across redeliveries.
//
// Implementations:
//
//   - MemoryRepository and MemoryCache keep everything in process.
//   - PostgresRepository stores records in pgx; Migrations holds its goose
//     schema.
//   - RedisCache keeps the advisory {purchased, purchase date} flags used to
//     show a provisional state before the repository is reachable.
package entitlement
