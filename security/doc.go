// Package security provides the hardening layer of the authorization server.
//
// The checks are independent and composed by the flows in package server:
//   - InputValidator: allow-list patterns per parameter and attack signature scanning
//   - RedirectValidator: exact redirect URI matching and dangerous scheme/host rejection
//   - StateManager: single-use CSRF state bound to a client and user
//   - SlidingWindowLimiter: per (endpoint, client) request limits over a KV counter
//   - AbuseDetector: hourly per-event counters keyed by client and by IP
//   - SetSecurityHeaders: the fixed response header set
//   - TokenCrypto: double encryption with integrity tagging for data at rest
//   - Auditor: structured security events with hashed user identifiers
//
// State that must survive across requests (CSRF state, counters) lives in the
// shared KV store, never in process memory, so instances scale horizontally.
// The exception is IPRateLimiter, a coarse per-instance flood guard.
package security
