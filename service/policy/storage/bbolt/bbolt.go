// Package bbolt provides a bbolt backed policy storage.
package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/safing/portgate/service/policy/storage"
)

var bucketName = []byte("app_policies")

// BBolt storage.
type BBolt struct {
	db *bbolt.DB
}

func init() {
	_ = storage.Register("bbolt", func(location string) (storage.Interface, error) {
		return NewBBolt(location)
	})
}

// NewBBolt opens or creates the policy database in the location directory.
func NewBBolt(location string) (*BBolt, error) {
	dbFile := filepath.Join(location, "policies.bbolt")
	dbOptions := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	// Open/Create database, retry if there is a timeout.
	db, err := bbolt.Open(dbFile, 0o0600, dbOptions)
	for i := 0; i < 5 && err != nil; i++ {
		db, err = bbolt.Open(dbFile, 0o0600, dbOptions)
	}
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BBolt{db: db}, nil
}

// GetOrCreate stores p if absent and returns the stored record.
// bbolt allows a single writer, so check and insert are atomic.
func (b *BBolt) GetOrCreate(_ context.Context, p storage.AppPolicy) (stored storage.AppPolicy, created bool, err error) {
	if p.AppID == "" {
		return storage.AppPolicy{}, false, storage.ErrInvalidKey
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if value := bucket.Get([]byte(p.AppID)); value != nil {
			var txErr error
			stored, txErr = storage.UnmarshalPolicy(value)
			return txErr
		}

		data, txErr := storage.MarshalPolicy(p)
		if txErr != nil {
			return txErr
		}
		if txErr := bucket.Put([]byte(p.AppID), data); txErr != nil {
			return txErr
		}
		stored, created = p, true
		return nil
	})
	if err != nil {
		return storage.AppPolicy{}, false, err
	}
	return stored, created, nil
}

// Get returns the record for appID.
func (b *BBolt) Get(_ context.Context, appID string) (storage.AppPolicy, error) {
	if appID == "" {
		return storage.AppPolicy{}, storage.ErrNotFound
	}

	var p storage.AppPolicy
	err := b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketName).Get([]byte(appID))
		if value == nil {
			return storage.ErrNotFound
		}

		var txErr error
		p, txErr = storage.UnmarshalPolicy(value)
		return txErr
	})
	if err != nil {
		return storage.AppPolicy{}, err
	}
	return p, nil
}

// Put inserts or replaces the allowed flag of the record.
func (b *BBolt) Put(_ context.Context, p storage.AppPolicy) (storage.AppPolicy, error) {
	if p.AppID == "" {
		return storage.AppPolicy{}, storage.ErrInvalidKey
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if value := bucket.Get([]byte(p.AppID)); value != nil {
			existing, txErr := storage.UnmarshalPolicy(value)
			if txErr != nil {
				return txErr
			}
			p.Created = existing.Created
		}

		data, txErr := storage.MarshalPolicy(p)
		if txErr != nil {
			return txErr
		}
		return bucket.Put([]byte(p.AppID), data)
	})
	if err != nil {
		return storage.AppPolicy{}, err
	}
	return p, nil
}

// List returns all records ordered by app id.
func (b *BBolt) List(_ context.Context) ([]storage.AppPolicy, error) {
	var list []storage.AppPolicy
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, value []byte) error {
			p, err := storage.UnmarshalPolicy(value)
			if err != nil {
				return err
			}
			list = append(list, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Shutdown shuts down the database.
func (b *BBolt) Shutdown() error {
	err := b.db.Close()
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrShutdown
	}
	return err
}
