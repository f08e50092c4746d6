package eventlog

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/flow"
)

func testEvent(i int) flow.DecisionEvent {
	return flow.DecisionEvent{
		AppID:      fmt.Sprintf("app-%d", i),
		RemoteHost: "192.0.2.1",
		RemotePort: uint16(1000 + i), //nolint:gosec
		Direction:  flow.Outbound,
		Verdict:    flow.VerdictFor(i%2 == 0),
		Timestamp:  time.UnixMilli(1_700_000_000_000 + int64(i)*1000),
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()

	el := New(3, "")
	assert.Empty(t, el.Recent(0))

	el.Append(t.Context(), testEvent(0))
	el.Append(t.Context(), testEvent(1))
	recent := el.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "app-0", recent[0].AppID)
	assert.Equal(t, "app-1", recent[1].AppID)

	// Wrap around.
	for i := 2; i < 7; i++ {
		el.Append(t.Context(), testEvent(i))
	}
	recent = el.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "app-4", recent[0].AppID)
	assert.Equal(t, "app-6", recent[2].AppID)

	recent = el.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "app-5", recent[0].AppID)
}

func TestAppend(t *testing.T) {
	t.Parallel()

	el := New(0, "")
	sub := el.Decisions.Subscribe("test", 1)

	ev := testEvent(1)
	ev.Timestamp = time.Time{}
	el.Append(t.Context(), ev)

	select {
	case got := <-sub.Events():
		assert.Equal(t, "app-1", got.AppID)
		assert.False(t, got.Timestamp.IsZero())
	default:
		t.Fatal("event not published")
	}

	_, err := el.History(t.Context(), time.Time{}, 10)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	el := New(2, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, el.Start())
	t.Cleanup(func() {
		assert.NoError(t, el.Stop())
		el.Manager().Cancel()
	})

	for i := range 5 {
		el.Append(t.Context(), testEvent(i))
	}
	// Memory keeps only the latest events.
	assert.Len(t, el.Recent(0), 2)

	events, err := el.History(t.Context(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, testEvent(4), events[0])
	assert.Equal(t, testEvent(0), events[4])

	events, err = el.History(t.Context(), testEvent(3).Timestamp, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = el.History(t.Context(), time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "app-4", events[0].AppID)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, h.Close())
	})

	for i := range 4 {
		require.NoError(t, h.Save(t.Context(), testEvent(i)))
	}

	n, err := h.Prune(t.Context(), testEvent(2).Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := h.Query(t.Context(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "app-3", events[0].AppID)
}
