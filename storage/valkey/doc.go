// Package valkey provides a Valkey-backed implementation of storage.KV using
// github.com/valkey-io/valkey-go.
//
// Conditional operations (GetDel, CompareAndDelete, SetNX, Incr with TTL)
// run as Lua scripts, so they stay atomic across every server instance that
// shares the Valkey deployment.
//
// Every key is namespaced with Config.KeyPrefix (default "oauth2:").
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
