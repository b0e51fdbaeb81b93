// Package storage defines the persistence contracts of the authorization server.
//
// Every piece of mutable flow state (authorization codes, CSRF state, pending
// consent requests, refresh tokens, rate-limit and abuse counters) lives in a
// KV store with per-key TTL. Security-critical consumption is expressed
// through conditional primitives:
//   - GetDel: atomic read-and-remove, used for single-use authorization codes
//     and CSRF state
//   - CompareAndDelete: remove only when the stored value is unchanged, used
//     for refresh token rotation
//   - Incr: atomic increment that sets the TTL on first use, used for
//     sliding-window and abuse counters
//
// Registered clients are long-lived records behind ClientStore. A KV-backed
// ClientStore is provided here; storage/sqlstore provides a relational one.
//
// Implementations of KV are provided in subpackages:
//   - storage/memory: in-process store for development, tests and single instances
//   - storage/valkey: Valkey (valkey-go) for distributed deployments
//   - storage/redis: Redis (go-redis) for distributed deployments
package storage
