// Package sqlstore persists OAuth clients and the security audit trail in a
// relational database through gorm. SQLite and PostgreSQL are supported.
//
// Short-lived protocol state (codes, CSRF state, refresh tokens, rate limit
// counters) stays in a storage.KV; this package only holds records that must
// survive a cache flush.
package sqlstore
