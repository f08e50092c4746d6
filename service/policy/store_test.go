package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/safing/portgate/service/policy/storage"
	"github.com/safing/portgate/service/policy/storage/hashmap"
	"github.com/safing/portgate/service/policy/storage/sqlite"
)

// countingStorage counts backend calls and can be made to fail writes.
type countingStorage struct {
	storage.Interface

	creates  atomic.Int32
	failPuts atomic.Bool
}

var errWriteFailed = errors.New("disk full")

func (cs *countingStorage) GetOrCreate(ctx context.Context, p storage.AppPolicy) (storage.AppPolicy, bool, error) {
	stored, created, err := cs.Interface.GetOrCreate(ctx, p)
	if created {
		cs.creates.Add(1)
	}
	return stored, created, err
}

func (cs *countingStorage) Put(ctx context.Context, p storage.AppPolicy) (storage.AppPolicy, error) {
	if cs.failPuts.Load() {
		return storage.AppPolicy{}, errWriteFailed
	}
	return cs.Interface.Put(ctx, p)
}

func newTestStore(t *testing.T) (*Store, *countingStorage) {
	t.Helper()

	cs := &countingStorage{Interface: hashmap.NewHashMap()}
	s := NewStore(cs)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, cs
}

func TestCreateOnMiss(t *testing.T) {
	t.Parallel()

	s, cs := newTestStore(t)

	allowed, err := s.ShouldAllow(t.Context(), "firefox")
	require.NoError(t, err)
	assert.True(t, allowed, "unknown apps are allowed")

	p, err := s.Get(t.Context(), "firefox")
	require.NoError(t, err)
	assert.True(t, p.Allowed)
	assert.Equal(t, int32(1), cs.creates.Load())

	// Cached, no further backend writes.
	allowed, err = s.ShouldAllow(t.Context(), "firefox")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int32(1), cs.creates.Load())
}

func TestEmptyAppID(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	allowed, err := s.ShouldAllow(t.Context(), "")
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = s.Get(t.Context(), UnknownAppID)
	require.NoError(t, err)
}

func TestIdempotence(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	var changes []Change
	s.onChange = func(c Change) {
		changes = append(changes, c)
	}

	require.NoError(t, s.SetDeny(t.Context(), "curl"))
	first, err := s.Get(t.Context(), "curl")
	require.NoError(t, err)

	require.NoError(t, s.SetDeny(t.Context(), "curl"))
	second, err := s.Get(t.Context(), "curl")
	require.NoError(t, err)

	assert.False(t, second.Allowed)
	assert.True(t, first.Created.Equal(second.Created))

	allowed, err := s.ShouldAllow(t.Context(), "curl")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, []Change{
		{AppID: "curl", Allowed: false},
		{AppID: "curl", Allowed: false},
	}, changes)
}

func TestLastWriteWins(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	allowed, err := s.ShouldAllow(t.Context(), "ssh")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, s.SetDeny(t.Context(), "ssh"))
	require.NoError(t, s.SetAllow(t.Context(), "ssh"))
	require.NoError(t, s.SetDeny(t.Context(), "ssh"))

	allowed, err = s.ShouldAllow(t.Context(), "ssh")
	require.NoError(t, err)
	assert.False(t, allowed)

	list, err := s.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Allowed)
}

func TestWriteErrorPropagates(t *testing.T) {
	t.Parallel()

	s, cs := newTestStore(t)

	var notified atomic.Int32
	s.onChange = func(Change) {
		notified.Add(1)
	}

	require.NoError(t, s.SetAllow(t.Context(), "wget"))
	cs.failPuts.Store(true)

	err := s.SetDeny(t.Context(), "wget")
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, errWriteFailed)
	assert.Equal(t, int32(1), notified.Load(), "failed writes are not announced")

	// The failed write must not be visible.
	allowed, err := s.ShouldAllow(t.Context(), "wget")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConcurrentFirstSight(t *testing.T) {
	t.Parallel()

	db, err := sqlite.NewSQLite(t.TempDir())
	require.NoError(t, err)
	cs := &countingStorage{Interface: db}
	s := NewStore(cs)
	t.Cleanup(func() {
		_ = s.Close()
	})

	var g errgroup.Group
	results := make([]bool, 64)
	for i := range results {
		g.Go(func() error {
			allowed, err := s.ShouldAllow(t.Context(), fmt.Sprintf("app-%d", i%4))
			results[i] = allowed
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, allowed := range results {
		assert.True(t, allowed)
	}
	assert.Equal(t, int32(4), cs.creates.Load(), "one record per app")

	list, err := s.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, 4)
}
