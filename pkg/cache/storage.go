package cache

import (
	"context"
	"errors"
)

var ErrStorageClosed = errors.New("cache storage closed")

// Storage is a flat key/value byte store. Implementations must be safe for
// concurrent use. Get reports ok=false, not an error, for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Change describes a write observed on a shared storage.
type Change struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Watcher is implemented by storages that can report writes made by other
// handles of the same underlying store (another process, another tab).
// Writes made through the watching handle itself are not reported.
type Watcher interface {
	Watch(ctx context.Context, fn func(Change)) (stop func(), err error)
}
