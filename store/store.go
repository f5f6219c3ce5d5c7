// Package store persists run state so unfinished runs survive a restart.
// Keys are namespaced by prefix ("/run/", "/record/"); values are opaque
// serialized snapshots owned by the engine.
package store

import "context"

type Store interface {
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	Set(ctx context.Context, prefix, key string, value []byte) error
	/**
	 * Remove a prefix and key.
	 * removing a nonexistent prefix + key does NOT return an error.
	 */
	Remove(ctx context.Context, prefix, key string) error

	List(ctx context.Context, prefix string, iterator func(key string) bool) error
}
