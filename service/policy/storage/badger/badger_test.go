package badger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/policy/storage"
	"github.com/safing/portgate/service/policy/storage/storagetest"
)

var _ storage.Interface = &Badger{}

func TestBadger(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Interface {
		t.Helper()

		db, err := NewBadger(t.TempDir())
		require.NoError(t, err)
		return db
	})
}
