// Package policy provides the per-app allow/deny policy store.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/policy/storage"

	// Register storage backends.
	_ "github.com/safing/portgate/service/policy/storage/badger"
	_ "github.com/safing/portgate/service/policy/storage/bbolt"
	_ "github.com/safing/portgate/service/policy/storage/hashmap"
	_ "github.com/safing/portgate/service/policy/storage/sqlite"
)

// Policy is the policy module.
type Policy struct {
	mgr *mgr.Manager

	backend  string
	location string
	store    atomic.Pointer[Store]

	// PolicyChanged is submitted after every successful policy write.
	PolicyChanged *mgr.EventMgr[Change]
}

// New returns a new policy module using the given storage backend.
// Data is stored in <dataDir>/policies.
func New(backend, dataDir string) *Policy {
	m := mgr.New("Policy")
	return &Policy{
		mgr:           m,
		backend:       backend,
		location:      filepath.Join(dataDir, "policies"),
		PolicyChanged: mgr.NewEventMgr[Change]("policy changed", m),
	}
}

// Manager returns the module manager.
func (p *Policy) Manager() *mgr.Manager {
	return p.mgr
}

// Start opens the storage.
func (p *Policy) Start() error {
	if p.backend != "hashmap" {
		if err := os.MkdirAll(p.location, 0o0700); err != nil {
			return fmt.Errorf("create policy directory: %w", err)
		}
	}

	db, err := storage.Open(p.backend, p.location)
	if err != nil {
		return fmt.Errorf("open %s policy storage: %w", p.backend, err)
	}

	s := NewStore(db)
	s.onChange = p.PolicyChanged.Submit
	p.store.Store(s)
	p.mgr.Info("policy storage ready", "backend", p.backend, "location", p.location)
	return nil
}

// Stop closes the storage.
func (p *Policy) Stop() error {
	s := p.store.Swap(nil)
	if s == nil {
		return nil
	}
	return s.Close()
}

// ErrNotStarted is returned when the policy module is used before it started.
var ErrNotStarted = errors.New("policy module not started")

// Store returns the active store.
func (p *Policy) Store() (*Store, error) {
	s := p.store.Load()
	if s == nil {
		return nil, ErrNotStarted
	}
	return s, nil
}

// ShouldAllow returns whether the app is allowed to connect.
func (p *Policy) ShouldAllow(ctx context.Context, appID string) (bool, error) {
	s, err := p.Store()
	if err != nil {
		return false, err
	}
	return s.ShouldAllow(ctx, appID)
}

// SetAllow allows the app.
func (p *Policy) SetAllow(ctx context.Context, appID string) error {
	s, err := p.Store()
	if err != nil {
		return err
	}
	return s.SetAllow(ctx, appID)
}

// SetDeny denies the app.
func (p *Policy) SetDeny(ctx context.Context, appID string) error {
	s, err := p.Store()
	if err != nil {
		return err
	}
	return s.SetDeny(ctx, appID)
}

// Get returns the stored policy of the app.
func (p *Policy) Get(ctx context.Context, appID string) (storage.AppPolicy, error) {
	s, err := p.Store()
	if err != nil {
		return storage.AppPolicy{}, err
	}
	return s.Get(ctx, appID)
}

// List returns all stored policies.
func (p *Policy) List(ctx context.Context) ([]storage.AppPolicy, error) {
	s, err := p.Store()
	if err != nil {
		return nil, err
	}
	return s.List(ctx)
}
