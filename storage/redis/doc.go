// Package redis provides a Redis-backed implementation of storage.KV using
// github.com/redis/go-redis/v9.
//
// It mirrors storage/valkey for deployments that already operate Redis or a
// managed Redis service reachable through a redis:// or rediss:// URL.
// Conditional operations run as Lua scripts so they are atomic across all
// server instances.
package redis
