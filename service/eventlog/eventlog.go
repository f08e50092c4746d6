// Package eventlog keeps the recent decision events for display and
// optionally persists them.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/mgr"
)

// DefaultSize is the default number of events kept in memory.
const DefaultSize = 500

const (
	pruneInterval     = time.Hour
	historyRetention  = 7 * 24 * time.Hour
	historyTimeout    = 5 * time.Second
	historyQueryLimit = 1000
)

// ErrNoHistory is returned when no persistent history is configured.
var ErrNoHistory = errors.New("event history is disabled")

// EventLog is the event log module.
type EventLog struct {
	mgr *mgr.Manager

	historyPath string
	history     atomic.Pointer[History]

	lock   sync.Mutex
	events []flow.DecisionEvent
	next   int
	full   bool

	// Decisions is submitted for every appended event.
	Decisions *mgr.EventMgr[flow.DecisionEvent]
}

// New returns a new event log keeping size events in memory.
// If historyPath is set, events are also persisted there.
func New(size int, historyPath string) *EventLog {
	if size <= 0 {
		size = DefaultSize
	}

	m := mgr.New("EventLog")
	return &EventLog{
		mgr:         m,
		historyPath: historyPath,
		events:      make([]flow.DecisionEvent, size),
		Decisions:   mgr.NewEventMgr[flow.DecisionEvent]("decision", m),
	}
}

// Manager returns the module manager.
func (el *EventLog) Manager() *mgr.Manager {
	return el.mgr
}

// Start opens the history, if configured.
func (el *EventLog) Start() error {
	if el.historyPath == "" {
		return nil
	}

	h, err := OpenHistory(el.historyPath)
	if err != nil {
		return err
	}
	el.history.Store(h)

	el.mgr.Repeat("prune history", pruneInterval, func(w *mgr.WorkerCtx) error {
		n, err := h.Prune(w.Ctx(), time.Now().Add(-historyRetention))
		if err != nil {
			return err
		}
		if n > 0 {
			w.Debug("pruned history", "deleted", n)
		}
		return nil
	})
	return nil
}

// Stop closes the history.
func (el *EventLog) Stop() error {
	if h := el.history.Swap(nil); h != nil {
		return h.Close()
	}
	return nil
}

// Append adds an event to the log.
func (el *EventLog) Append(ctx context.Context, ev flow.DecisionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	el.lock.Lock()
	el.events[el.next] = ev
	el.next++
	if el.next == len(el.events) {
		el.next = 0
		el.full = true
	}
	el.lock.Unlock()

	el.Decisions.Submit(ev)

	if h := el.history.Load(); h != nil {
		ctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()
		if err := h.Save(ctx, ev); err != nil {
			el.mgr.Warn("failed to save event to history", "err", err)
		}
	}
}

// Recent returns up to limit of the latest events, oldest first.
// A limit of zero or less returns all events in memory.
func (el *EventLog) Recent(limit int) []flow.DecisionEvent {
	el.lock.Lock()
	defer el.lock.Unlock()

	var ordered []flow.DecisionEvent
	if el.full {
		ordered = append(ordered, el.events[el.next:]...)
	}
	ordered = append(ordered, el.events[:el.next]...)

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// History returns persisted events recorded at or after since, newest first.
func (el *EventLog) History(ctx context.Context, since time.Time, limit int) ([]flow.DecisionEvent, error) {
	h := el.history.Load()
	if h == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 || limit > historyQueryLimit {
		limit = historyQueryLimit
	}
	return h.Query(ctx, since, limit)
}
