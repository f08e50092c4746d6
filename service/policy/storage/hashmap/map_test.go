package hashmap

import (
	"testing"

	"github.com/safing/portgate/service/policy/storage"
	"github.com/safing/portgate/service/policy/storage/storagetest"
)

var _ storage.Interface = &HashMap{}

func TestHashMap(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Interface {
		t.Helper()
		return NewHashMap()
	})
}
