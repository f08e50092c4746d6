package storage

import (
	"fmt"
	"sort"
	"sync"
)

// A Factory creates a new storage of its type at location.
type Factory func(location string) (Interface, error)

var (
	storages     = make(map[string]Factory)
	storagesLock sync.Mutex
)

// Register registers a new storage type.
func Register(name string, factory Factory) error {
	storagesLock.Lock()
	defer storagesLock.Unlock()

	if _, ok := storages[name]; ok {
		return fmt.Errorf("storage type %s already registered", name)
	}

	storages[name] = factory
	return nil
}

// Open opens the storage of the given type at location.
func Open(storageType, location string) (Interface, error) {
	storagesLock.Lock()
	factory, ok := storages[storageType]
	storagesLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("storage type %s not registered", storageType)
	}

	return factory(location)
}

// Types returns the registered storage types.
func Types() []string {
	storagesLock.Lock()
	defer storagesLock.Unlock()

	types := make([]string, 0, len(storages))
	for name := range storages {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
