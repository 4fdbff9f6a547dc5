// Package kv is the generic string store the device cache writes through.
package kv

import "context"

// Store is a flat string key-value store. Get reports absence with ok=false
// and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
