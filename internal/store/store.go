package store

import "errors"

var ErrNotFound = errors.New("key not found")

// Store is the durable client-side key-value store. Only the credential store
// writes to it; timelines are never persisted.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}
