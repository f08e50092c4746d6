package bbolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/policy/storage"
	"github.com/safing/portgate/service/policy/storage/storagetest"
)

var _ storage.Interface = &BBolt{}

func TestBBolt(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Interface {
		t.Helper()

		db, err := NewBBolt(t.TempDir())
		require.NoError(t, err)
		return db
	})
}

func TestBBoltEmptyKey(t *testing.T) {
	t.Parallel()

	db, err := NewBBolt(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = db.Shutdown()
	}()

	_, _, err = db.GetOrCreate(t.Context(), storage.AppPolicy{})
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
	_, err = db.Get(t.Context(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
