// Package repository defines the durable key-value port implemented by concrete backends.
package repository

import "context"

// KVStore is durable per-device storage keyed by string. It survives restarts of the client.
// Get returns errs.ErrNotFound for absent keys; Remove of an absent key is not an error.
type KVStore interface {
	// Get loads the value stored under key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key.
	Remove(ctx context.Context, key string) error
}
