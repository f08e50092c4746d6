package controller

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/eventlog"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/policy"
	"github.com/safing/portgate/service/relay"
)

type approvals struct {
	count atomic.Int32
}

func (a *approvals) ApprovalNeeded() {
	a.count.Add(1)
}

type testInstance struct {
	policy    *policy.Policy
	eventLog  *eventlog.EventLog
	approvals *approvals
}

func (ti *testInstance) Policy() *policy.Policy { return ti.policy }
func (ti *testInstance) EventLog() *eventlog.EventLog { return ti.eventLog }
func (ti *testInstance) ApprovalNotifier() ApprovalNotifier { return ti.approvals }

func newTestController(t *testing.T, started bool) (*Controller, *testInstance) {
	t.Helper()

	ti := &testInstance{
		policy:    policy.New("hashmap", t.TempDir()),
		eventLog:  eventlog.New(10, ""),
		approvals: &approvals{},
	}
	if started {
		require.NoError(t, ti.policy.Start())
		t.Cleanup(func() {
			assert.NoError(t, ti.policy.Stop())
		})
	}
	return New(ti), ti
}

func TestRequestDecision(t *testing.T) {
	t.Parallel()

	c, ti := newTestController(t, true)
	req := relay.DecisionRequest{
		AppID:      "/usr/bin/curl",
		RemoteHost: "192.0.2.1",
		RemotePort: 443,
		Direction:  flow.Outbound,
	}

	// Unknown apps are allowed.
	allow, err := c.RequestDecision(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, allow)

	require.NoError(t, ti.policy.SetDeny(t.Context(), req.AppID))
	allow, err = c.RequestDecision(t.Context(), req)
	require.NoError(t, err)
	assert.False(t, allow)
}

func TestRequestDecisionError(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, false)
	_, err := c.RequestDecision(t.Context(), relay.DecisionRequest{AppID: "app"})
	assert.ErrorIs(t, err, policy.ErrNotStarted)
}

func TestNotifications(t *testing.T) {
	t.Parallel()

	c, ti := newTestController(t, true)

	require.NoError(t, c.NotifyApprovalNeeded(t.Context()))
	assert.Equal(t, int32(1), ti.approvals.count.Load())

	require.NoError(t, c.PushLog(t.Context(), "hello"))

	ev := flow.DecisionEvent{
		AppID:     "app",
		Verdict:   flow.VerdictDrop,
		Timestamp: time.Now(),
	}
	require.NoError(t, c.ReportDecision(t.Context(), ev))
	recent := ti.eventLog.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, ev, recent[0])
}
