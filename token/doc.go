// Package token issues and validates the credentials handed to clients.
//
// Access tokens are HS256-signed JWTs and are never persisted. Refresh
// tokens are opaque 256-bit random strings; the server keeps an encrypted
// record keyed by the token's SHA-256 hash, so a leaked store does not leak
// usable tokens.
//
// Refresh tokens rotate on every use. Rotation is a compare-and-delete on
// the stored record: of two concurrent rotations of the same token exactly
// one succeeds, and a rotated token can never be used again.
package token
