package local

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/host"
)

type fakeDelegate struct {
	lock         sync.Mutex
	finished     []host.ActivationResult
	failed       []error
	approvals    int
	replacements []host.ExtensionInfo
	replace      host.ReplacementAction
}

func (fd *fakeDelegate) ActivationFinished(result host.ActivationResult) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.finished = append(fd.finished, result)
}

func (fd *fakeDelegate) ActivationFailed(err error) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.failed = append(fd.failed, err)
}

func (fd *fakeDelegate) NeedsUserApproval() {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.approvals++
}

func (fd *fakeDelegate) ReplaceExtension(existing, _ host.ExtensionInfo) host.ReplacementAction {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.replacements = append(fd.replacements, existing)
	return fd.replace
}

func (fd *fakeDelegate) counts() (finished, failed, approvals int) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	return len(fd.finished), len(fd.failed), fd.approvals
}

func newTestHost(t *testing.T) *Host {
	t.Helper()

	h := New(filepath.Join(t.TempDir(), "host.yaml"), 10*time.Millisecond)
	require.NoError(t, h.Start())
	t.Cleanup(h.Manager().Cancel)
	return h
}

func TestConfiguration(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	require.NoError(t, h.Load(t.Context()))
	assert.False(t, h.Installed())
	assert.False(t, h.Enabled())

	sub := h.ConfigChanged().Subscribe("test", 10)

	// Own saves are not reported as changes.
	h.SetEnabled(true)
	require.NoError(t, h.Save(t.Context()))
	s, err := ReadState(h.path)
	require.NoError(t, err)
	assert.True(t, s.Enabled)

	select {
	case <-sub.Events():
		t.Fatal("own save reported as change")
	case <-time.After(100 * time.Millisecond):
	}

	// Changes by others are.
	require.NoError(t, UpdateState(h.path, func(s *State) {
		s.Installed = true
		s.Enabled = false
	}))
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("external change not reported")
	}

	require.NoError(t, h.Load(t.Context()))
	assert.True(t, h.Installed())
	assert.False(t, h.Enabled())
}

func TestActivationNeedsApproval(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	fd := &fakeDelegate{}
	require.NoError(t, h.Activate(t.Context(), fd))

	assert.Eventually(t, func() bool {
		_, _, approvals := fd.counts()
		return approvals == 1
	}, time.Second, 10*time.Millisecond)

	s, err := ReadState(h.path)
	require.NoError(t, err)
	assert.True(t, s.Installed)
	require.NotNil(t, s.Extension)
	assert.Equal(t, Extension, *s.Extension)

	require.NoError(t, UpdateState(h.path, func(s *State) {
		s.Approved = true
	}))
	assert.Eventually(t, func() bool {
		finished, _, _ := fd.counts()
		return finished == 1
	}, time.Second, 10*time.Millisecond)

	finished, failed, approvals := fd.counts()
	assert.Equal(t, 1, finished)
	assert.Zero(t, failed)
	assert.Equal(t, 1, approvals, "approval is only asked once")
}

func TestActivationRejected(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	fd := &fakeDelegate{}
	require.NoError(t, h.Activate(t.Context(), fd))
	require.NoError(t, UpdateState(h.path, func(s *State) {
		s.Rejected = true
	}))

	assert.Eventually(t, func() bool {
		_, failed, _ := fd.counts()
		return failed == 1
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, fd.failed[0], host.ErrActivationRejected)
}

func TestActivationReplace(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	old := host.ExtensionInfo{Identifier: Extension.Identifier, Version: "0.9.0"}
	require.NoError(t, UpdateState(h.path, func(s *State) {
		s.Installed = true
		s.Approved = true
		s.Extension = &old
	}))

	fd := &fakeDelegate{replace: host.ReplacementReplace}
	require.NoError(t, h.Activate(t.Context(), fd))
	assert.Eventually(t, func() bool {
		finished, _, _ := fd.counts()
		return finished == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []host.ExtensionInfo{old}, fd.replacements)

	s, err := ReadState(h.path)
	require.NoError(t, err)
	assert.Equal(t, Extension, *s.Extension)

	// Canceling a replacement fails the activation.
	require.NoError(t, UpdateState(h.path, func(s *State) {
		s.Extension = &old
	}))
	fd = &fakeDelegate{replace: host.ReplacementCancel}
	require.NoError(t, h.Activate(t.Context(), fd))
	assert.Eventually(t, func() bool {
		_, failed, _ := fd.counts()
		return failed == 1
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, fd.failed[0], host.ErrReplaceCanceled)
}

func TestConcurrentStateUpdates(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	h.SetEnabled(true)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Save(t.Context()))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, UpdateState(h.path, func(s *State) {
				s.Approved = true
			}))
		}()
	}
	wg.Wait()

	// Neither writer may lose the other's update.
	s, err := ReadState(h.path)
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.True(t, s.Approved)
}
