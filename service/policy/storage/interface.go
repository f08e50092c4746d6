// Package storage defines the storage backend interface of the policy store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/safing/structures/dsd"
)

// Errors.
var (
	ErrNotFound   = errors.New("policy not found")
	ErrInvalidKey = errors.New("invalid app id")
	ErrShutdown   = errors.New("storage is shut down")
)

// AppPolicy is the persisted policy of one application.
type AppPolicy struct {
	AppID    string    `json:"appId"`
	Allowed  bool      `json:"allowed"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Interface defines the policy storage API.
// Implementations must be safe for concurrent use and must guarantee at most
// one record per app id.
type Interface interface {
	// GetOrCreate stores p if no record exists for p.AppID and returns the
	// stored record. created reports whether p was written.
	GetOrCreate(ctx context.Context, p AppPolicy) (stored AppPolicy, created bool, err error)
	// Get returns the record for appID or ErrNotFound.
	Get(ctx context.Context, appID string) (AppPolicy, error)
	// Put inserts or replaces the allowed flag of p atomically. The created
	// time of an existing record is kept.
	Put(ctx context.Context, p AppPolicy) (AppPolicy, error)
	// List returns all records ordered by app id.
	List(ctx context.Context) ([]AppPolicy, error)
	// Shutdown closes the storage.
	Shutdown() error
}

// MarshalPolicy serializes a policy for key/value backends.
func MarshalPolicy(p AppPolicy) ([]byte, error) {
	return dsd.Dump(p, dsd.JSON)
}

// UnmarshalPolicy parses a policy serialized with MarshalPolicy.
func UnmarshalPolicy(data []byte) (AppPolicy, error) {
	var p AppPolicy
	_, err := dsd.Load(data, &p)
	return p, err
}

// Now returns the current time as it is stored in the backends.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
