// Package util provides small helpers shared across the oauth2-server packages.
//
// Key utilities:
//   - SafeTruncate: truncates tokens and codes before they reach a log line
//   - HashForLogging: one-way identifier for user IDs in audit records
//   - IsLoopbackHostname: loopback detection for redirect URI validation
//   - Detach: a bounded context for writes that must outlive the request
package util
