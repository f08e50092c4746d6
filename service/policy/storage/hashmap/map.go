// Package hashmap provides an in-memory policy storage.
package hashmap

import (
	"context"
	"sort"
	"sync"

	"github.com/safing/portgate/service/policy/storage"
)

// HashMap storage.
type HashMap struct {
	db     map[string]storage.AppPolicy
	dbLock sync.RWMutex
}

func init() {
	_ = storage.Register("hashmap", func(string) (storage.Interface, error) {
		return NewHashMap(), nil
	})
}

// NewHashMap creates a hashmap storage.
func NewHashMap() *HashMap {
	return &HashMap{
		db: make(map[string]storage.AppPolicy),
	}
}

// GetOrCreate stores p if absent and returns the stored record.
func (hm *HashMap) GetOrCreate(_ context.Context, p storage.AppPolicy) (storage.AppPolicy, bool, error) {
	hm.dbLock.Lock()
	defer hm.dbLock.Unlock()

	if existing, ok := hm.db[p.AppID]; ok {
		return existing, false, nil
	}
	hm.db[p.AppID] = p
	return p, true, nil
}

// Get returns the record for appID.
func (hm *HashMap) Get(_ context.Context, appID string) (storage.AppPolicy, error) {
	hm.dbLock.RLock()
	defer hm.dbLock.RUnlock()

	p, ok := hm.db[appID]
	if !ok {
		return storage.AppPolicy{}, storage.ErrNotFound
	}
	return p, nil
}

// Put inserts or replaces the record.
func (hm *HashMap) Put(_ context.Context, p storage.AppPolicy) (storage.AppPolicy, error) {
	hm.dbLock.Lock()
	defer hm.dbLock.Unlock()

	if existing, ok := hm.db[p.AppID]; ok {
		p.Created = existing.Created
	}
	hm.db[p.AppID] = p
	return p, nil
}

// List returns all records.
func (hm *HashMap) List(_ context.Context) ([]storage.AppPolicy, error) {
	hm.dbLock.RLock()
	defer hm.dbLock.RUnlock()

	list := make([]storage.AppPolicy, 0, len(hm.db))
	for _, p := range hm.db {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].AppID < list[j].AppID
	})
	return list, nil
}

// Shutdown does nothing for the in-memory storage.
func (hm *HashMap) Shutdown() error {
	return nil
}
