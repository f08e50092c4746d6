// Package storagetest provides a test suite shared by all policy storages.
package storagetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/policy/storage"
)

// Run runs the storage test suite against storages created by open.
// Each subtest gets its own storage, which is shut down by the suite.
func Run(t *testing.T, open func(t *testing.T) storage.Interface) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, db storage.Interface)) {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			t.Cleanup(func() {
				assert.NoError(t, db.Shutdown())
			})
			fn(t, db)
		})
	}

	run("GetMissing", testGetMissing)
	run("GetOrCreate", testGetOrCreate)
	run("Put", testPut)
	run("List", testList)
	run("ConcurrentFirstSight", testConcurrentFirstSight)
}

func newPolicy(appID string, allowed bool) storage.AppPolicy {
	now := storage.Now()
	return storage.AppPolicy{
		AppID:    appID,
		Allowed:  allowed,
		Created:  now,
		Modified: now,
	}
}

func testGetMissing(t *testing.T, db storage.Interface) {
	t.Helper()

	_, err := db.Get(t.Context(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testGetOrCreate(t *testing.T, db storage.Interface) {
	t.Helper()

	first := newPolicy("firefox", false)
	stored, created, err := db.GetOrCreate(t.Context(), first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "firefox", stored.AppID)
	assert.False(t, stored.Allowed)

	// A second creator must see the first record unchanged.
	stored, created, err = db.GetOrCreate(t.Context(), newPolicy("firefox", true))
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, stored.Allowed)
	assert.True(t, first.Created.Equal(stored.Created))

	got, err := db.Get(t.Context(), "firefox")
	require.NoError(t, err)
	assert.False(t, got.Allowed)
}

func testPut(t *testing.T, db storage.Interface) {
	t.Helper()

	first := newPolicy("curl", false)
	_, err := db.Put(t.Context(), first)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	second := newPolicy("curl", true)
	stored, err := db.Put(t.Context(), second)
	require.NoError(t, err)
	assert.True(t, stored.Allowed)
	assert.True(t, first.Created.Equal(stored.Created), "created must be kept")
	assert.True(t, second.Modified.Equal(stored.Modified))

	got, err := db.Get(t.Context(), "curl")
	require.NoError(t, err)
	assert.True(t, got.Allowed)
	assert.True(t, first.Created.Equal(got.Created))
}

func testList(t *testing.T, db storage.Interface) {
	t.Helper()

	list, err := db.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, appID := range []string{"wget", "curl", "ssh"} {
		_, err := db.Put(t.Context(), newPolicy(appID, appID == "ssh"))
		require.NoError(t, err)
	}

	list, err = db.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "curl", list[0].AppID)
	assert.Equal(t, "ssh", list[1].AppID)
	assert.True(t, list[1].Allowed)
	assert.Equal(t, "wget", list[2].AppID)
}

func testConcurrentFirstSight(t *testing.T, db storage.Interface) {
	t.Helper()

	const (
		apps    = 4
		callers = 8
	)

	var (
		wg      sync.WaitGroup
		created = make(chan string, apps*callers)
		errs    = make(chan error, apps*callers)
	)
	for i := range apps * callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			appID := fmt.Sprintf("app-%d", i%apps)
			_, ok, err := db.GetOrCreate(t.Context(), newPolicy(appID, false))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				created <- appID
			}
		}()
	}
	wg.Wait()
	close(created)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[string]int)
	for appID := range created {
		seen[appID]++
	}
	assert.Len(t, seen, apps)
	for appID, n := range seen {
		assert.Equal(t, 1, n, "%s created more than once", appID)
	}

	list, err := db.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, apps)
}
