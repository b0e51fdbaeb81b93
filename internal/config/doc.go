// Package config loads the authzd configuration.
//
// Sources, later ones winning:
//   - built-in defaults
//   - a .env file (OAUTH2_ENV_FILE, default ".env"), loaded into the environment
//   - an optional YAML file
//   - OAUTH2_* environment variables
//
// The master key may instead be fetched from AWS Secrets Manager by setting
// OAUTH2_MASTER_KEY_SECRET_ID. Keys that are not configured explicitly are
// derived from the master key with HKDF.
package config
