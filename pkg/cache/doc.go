// Package cache provides a generic, mutex-guarded LRU cache.
//
// AddIfAbsent is an atomic check-and-insert, which makes the cache usable as
// a bounded "seen" set for deduplicating redelivered work.
package cache
