package policy

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/bluele/gcache"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/policy/storage"
)

// UnknownAppID is used for flows whose owning application is not known.
const UnknownAppID = "<unknown>"

const (
	cacheSize  = 1024
	lockStripe = 64
)

// Errors.
var (
	ErrStorage = errors.New("policy storage failed")
)

// Change is published after a policy was written.
type Change struct {
	AppID   string `json:"appId"`
	Allowed bool   `json:"allowed"`
}

// Store resolves and stores per-app policies.
// Reads go through an ARC cache. Writes and cache fills of one app id are
// serialized by lock striping, other apps proceed independently.
type Store struct {
	db    storage.Interface
	cache gcache.Cache

	seed  maphash.Seed
	locks [lockStripe]sync.Mutex

	onChange func(Change)
}

// NewStore returns a store on top of the given storage.
func NewStore(db storage.Interface) *Store {
	return &Store{
		db:    db,
		cache: gcache.New(cacheSize).ARC().Build(),
		seed:  maphash.MakeSeed(),
	}
}

func normalizeAppID(appID string) string {
	if appID == "" {
		return UnknownAppID
	}
	return appID
}

func (s *Store) lockFor(appID string) *sync.Mutex {
	return &s.locks[maphash.String(s.seed, appID)%lockStripe]
}

func (s *Store) cached(appID string) (bool, bool) {
	v, err := s.cache.Get(appID)
	if err != nil {
		return false, false
	}
	allowed, ok := v.(bool)
	return allowed, ok
}

// ShouldAllow returns whether the app is allowed to connect.
// Unknown apps are stored as allowed on first sight.
func (s *Store) ShouldAllow(ctx context.Context, appID string) (bool, error) {
	appID = normalizeAppID(appID)
	if allowed, ok := s.cached(appID); ok {
		return allowed, nil
	}

	lock := s.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	// Check again, another caller may have filled the cache.
	if allowed, ok := s.cached(appID); ok {
		return allowed, nil
	}

	now := storage.Now()
	p, created, err := s.db.GetOrCreate(ctx, storage.AppPolicy{
		AppID:    appID,
		Allowed:  true,
		Created:  now,
		Modified: now,
	})
	if err != nil {
		return false, fmt.Errorf("%w: resolve %s: %w", ErrStorage, appID, err)
	}
	if created {
		log.Infof("policy: first sight of %s, allowing by default", appID)
	}

	_ = s.cache.Set(appID, p.Allowed)
	return p.Allowed, nil
}

// SetAllow allows the app.
func (s *Store) SetAllow(ctx context.Context, appID string) error {
	return s.set(ctx, appID, true)
}

// SetDeny denies the app.
func (s *Store) SetDeny(ctx context.Context, appID string) error {
	return s.set(ctx, appID, false)
}

func (s *Store) set(ctx context.Context, appID string, allowed bool) error {
	appID = normalizeAppID(appID)

	lock := s.lockFor(appID)
	lock.Lock()
	now := storage.Now()
	_, err := s.db.Put(ctx, storage.AppPolicy{
		AppID:    appID,
		Allowed:  allowed,
		Created:  now,
		Modified: now,
	})
	if err != nil {
		// The write may or may not have reached the backend.
		s.cache.Remove(appID)
		lock.Unlock()
		return fmt.Errorf("%w: store %s: %w", ErrStorage, appID, err)
	}
	_ = s.cache.Set(appID, allowed)
	lock.Unlock()

	if s.onChange != nil {
		s.onChange(Change{AppID: appID, Allowed: allowed})
	}
	return nil
}

// Get returns the stored policy of the app without creating it.
func (s *Store) Get(ctx context.Context, appID string) (storage.AppPolicy, error) {
	p, err := s.db.Get(ctx, normalizeAppID(appID))
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.AppPolicy{}, err
	default:
		return storage.AppPolicy{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// List returns all stored policies.
func (s *Store) List(ctx context.Context) ([]storage.AppPolicy, error) {
	list, err := s.db.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return list, nil
}

// Close purges the cache and shuts down the storage.
func (s *Store) Close() error {
	s.cache.Purge()
	return s.db.Shutdown()
}
