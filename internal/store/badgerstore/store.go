package badgerstore

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/pliu/chattysync/internal/store"
)

// BadgerStore wraps a BadgerDB instance as a store.Store.
type BadgerStore struct {
	db *badger.DB
}

var _ store.Store = (*BadgerStore)(nil)

// New opens a Badger database in dir. An empty dir opens an in-memory store.
func New(dir string) (*BadgerStore, error) {
	opt := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opt = opt.WithInMemory(true)
	}
	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = i.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return out, err
}

func (b *BadgerStore) Put(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerStore) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
