package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend keeps the cache in an embedded badger database. Badger applies
// the per-entry TTL itself; Cache still checks the envelope's expiry.
type BadgerBackend struct {
	db *badger.DB
}

func NewBadgerBackend(db *badger.DB) (*BadgerBackend, error) {
	if db == nil {
		return nil, errors.New("dedup: badger db must not be nil")
	}
	return &BadgerBackend{db: db}, nil
}

// OpenBadger opens a badger database at path, or in memory when path is empty.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dedup: open badger: %w", err)
	}
	return db, nil
}

func (b *BadgerBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get failed: %w", err)
	}
	return value, true, nil
}

func (b *BadgerBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set failed: %w", err)
	}
	return nil
}

func (b *BadgerBackend) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete failed: %w", err)
	}
	return nil
}
