package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/api"
	"github.com/safing/portgate/service/coordinator"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/host/local"
)

func TestInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sc := &ServiceConfig{
		DataDir:          dir,
		LogDir:           filepath.Join(dir, "logs"),
		LogToStdout:      true,
		SocketPath:       filepath.Join(dir, "relay.sock"),
		APIAddress:       api.UnixPrefix + filepath.Join(dir, "api.sock"),
		EventHistory:     true,
		HostPollInterval: 20 * time.Millisecond,
	}
	require.NoError(t, local.UpdateState(filepath.Join(dir, "host.yaml"), func(s *local.State) {
		s.Installed = true
		s.Approved = true
		s.Enabled = true
		s.Extension = &local.Extension
	}))

	// Start the interceptor first so that the controller registers on boot.
	ii, err := NewInterceptor(sc, false)
	require.NoError(t, err)
	require.NoError(t, ii.Start())
	t.Cleanup(func() {
		assert.NoError(t, ii.Stop())
	})

	ci, err := NewController(sc)
	require.NoError(t, err)
	require.NoError(t, ci.Start())
	t.Cleanup(func() {
		assert.NoError(t, ci.Stop())
	})

	client := api.NewClient(sc.APIAddress)
	require.Eventually(t, func() bool {
		s, err := client.Status(t.Context())
		return err == nil && s.State == coordinator.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, ii.Provider().Registered, time.Second, 10*time.Millisecond)

	// Unknown apps are allowed and remembered.
	const app = "/usr/bin/curl"
	action := ii.Provider().HandleNewFlow(flow.Descriptor{
		ID:         1,
		AppID:      app,
		RemoteHost: "192.0.2.1",
		RemotePort: 443,
		Direction:  flow.Outbound,
	})
	assert.Equal(t, flow.ActionPause, action)
	waitForEvents(t, client, 1)

	p, err := client.Policy(t.Context(), app)
	require.NoError(t, err)
	assert.True(t, p.Allowed)

	// Deny and decide again.
	_, err = client.SetPolicy(t.Context(), app, false)
	require.NoError(t, err)
	ii.Provider().HandleNewFlow(flow.Descriptor{
		ID:         2,
		AppID:      app,
		RemoteHost: "192.0.2.1",
		RemotePort: 443,
		Direction:  flow.Outbound,
	})
	events := waitForEvents(t, client, 2)
	assert.Equal(t, flow.VerdictAllow, events[0].Verdict)
	assert.Equal(t, flow.VerdictDrop, events[1].Verdict)

	// Disable the filter.
	_, err = client.Filter(t.Context(), "stop")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ci.Coordinator().Status().State == coordinator.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !ii.Provider().Registered()
	}, 5*time.Second, 10*time.Millisecond)

	// Without a controller, flows pass right away.
	action = ii.Provider().HandleNewFlow(flow.Descriptor{ID: 3, AppID: app})
	assert.Equal(t, flow.ActionAllow, action)

	state, err := local.ReadState(sc.HostStateFile)
	require.NoError(t, err)
	assert.False(t, state.Enabled)
}

func waitForEvents(t *testing.T, client *api.Client, n int) []flow.DecisionEvent {
	t.Helper()

	var events []flow.DecisionEvent
	require.Eventually(t, func() bool {
		var err error
		events, err = client.Events(t.Context(), 0)
		return err == nil && len(events) == n
	}, 5*time.Second, 10*time.Millisecond)
	return events
}
