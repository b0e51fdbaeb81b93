// Package memory provides an in-process implementation of storage.KV.
//
// All operations run under a single mutex, which makes GetDel,
// CompareAndDelete and Incr trivially atomic. Expired keys are invisible to
// readers immediately and are reclaimed by a background cleanup loop.
//
// The store is suitable for development, tests and single-instance
// deployments. Horizontally scaled deployments must use storage/valkey or
// storage/redis so that flow state is shared between instances.
package memory
