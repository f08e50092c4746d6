// Package badger provides a badger backed policy storage.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/policy/storage"
)

// Badger storage.
type Badger struct {
	db *badger.DB
}

func init() {
	_ = storage.Register("badger", func(location string) (storage.Interface, error) {
		return NewBadger(location)
	})
}

// NewBadger opens or creates the policy database in the location directory.
func NewBadger(location string) (*Badger, error) {
	opts := badger.DefaultOptions(location)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if errors.Is(err, badger.ErrTruncateNeeded) {
		// clean up after crash
		log.Warningf("policy/badger: truncating corrupted value log in %s: this may cause data loss", location)
		opts.Truncate = true
		db, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}

	return &Badger{db: db}, nil
}

// GetOrCreate stores p if absent and returns the stored record.
// Concurrent creators conflict on commit; the loser re-reads the winner.
func (b *Badger) GetOrCreate(ctx context.Context, p storage.AppPolicy) (stored storage.AppPolicy, created bool, err error) {
	if p.AppID == "" {
		return storage.AppPolicy{}, false, storage.ErrInvalidKey
	}

	for {
		stored, created = storage.AppPolicy{}, false
		err = b.db.Update(func(txn *badger.Txn) error {
			existing, txErr := getPolicy(txn, p.AppID)
			switch {
			case txErr == nil:
				stored = existing
				return nil
			case !errors.Is(txErr, storage.ErrNotFound):
				return txErr
			}

			data, txErr := storage.MarshalPolicy(p)
			if txErr != nil {
				return txErr
			}
			if txErr := txn.Set([]byte(p.AppID), data); txErr != nil {
				return txErr
			}
			stored, created = p, true
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		if ctx.Err() != nil {
			return storage.AppPolicy{}, false, ctx.Err()
		}
	}
	if err != nil {
		return storage.AppPolicy{}, false, err
	}
	return stored, created, nil
}

// Get returns the record for appID.
func (b *Badger) Get(_ context.Context, appID string) (storage.AppPolicy, error) {
	if appID == "" {
		return storage.AppPolicy{}, storage.ErrNotFound
	}

	var p storage.AppPolicy
	err := b.db.View(func(txn *badger.Txn) error {
		var txErr error
		p, txErr = getPolicy(txn, appID)
		return txErr
	})
	return p, err
}

// Put inserts or replaces the allowed flag of the record.
func (b *Badger) Put(ctx context.Context, p storage.AppPolicy) (storage.AppPolicy, error) {
	if p.AppID == "" {
		return storage.AppPolicy{}, storage.ErrInvalidKey
	}

	for {
		toStore := p
		err := b.db.Update(func(txn *badger.Txn) error {
			existing, txErr := getPolicy(txn, p.AppID)
			switch {
			case txErr == nil:
				toStore.Created = existing.Created
			case !errors.Is(txErr, storage.ErrNotFound):
				return txErr
			}

			data, txErr := storage.MarshalPolicy(toStore)
			if txErr != nil {
				return txErr
			}
			return txn.Set([]byte(p.AppID), data)
		})
		switch {
		case err == nil:
			return toStore, nil
		case !errors.Is(err, badger.ErrConflict):
			return storage.AppPolicy{}, err
		case ctx.Err() != nil:
			return storage.AppPolicy{}, ctx.Err()
		}
	}
}

// List returns all records ordered by app id.
func (b *Badger) List(_ context.Context) ([]storage.AppPolicy, error) {
	var list []storage.AppPolicy
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := storage.UnmarshalPolicy(data)
			if err != nil {
				return fmt.Errorf("corrupt policy %q: %w", it.Item().Key(), err)
			}
			list = append(list, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Shutdown shuts down the database.
func (b *Badger) Shutdown() error {
	return b.db.Close()
}

func getPolicy(txn *badger.Txn, appID string) (storage.AppPolicy, error) {
	item, err := txn.Get([]byte(appID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.AppPolicy{}, storage.ErrNotFound
		}
		return storage.AppPolicy{}, err
	}
	if item.IsDeletedOrExpired() {
		return storage.AppPolicy{}, storage.ErrNotFound
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return storage.AppPolicy{}, err
	}
	return storage.UnmarshalPolicy(data)
}
