// Package testutil provides test fixtures for the oauth2-server packages:
// a ready-to-use in-memory server, the RFC 7636 PKCE vector, a controllable
// clock and a small HTTP request builder.
package testutil
