package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/flow"
)

const maxReadConns = 4

var historySchema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		app_id      TEXT NOT NULL,
		remote_host TEXT NOT NULL,
		remote_port INTEGER NOT NULL,
		direction   TEXT NOT NULL,
		verdict     TEXT NOT NULL,
		timestamp   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS decisions_timestamp_index ON decisions (timestamp)`,
}

// History persists decision events in an SQLite database.
// Writes are serialized on a single connection, reads use a pool of
// read-only connections.
type History struct {
	l         sync.Mutex
	writeConn *sqlite.Conn

	readConnPool *puddle.Pool[*sqlite.Conn]
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(path string) (*History, error) {
	writeConn, err := sqlite.OpenConn(
		path,
		sqlite.OpenCreate,
		sqlite.OpenReadWrite,
		sqlite.OpenWAL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
	}
	for _, stmt := range historySchema {
		if err := sqlitex.ExecuteTransient(writeConn, stmt, nil); err != nil {
			_ = writeConn.Close()
			return nil, fmt.Errorf("failed to create history schema: %w", err)
		}
	}

	constructor := func(ctx context.Context) (*sqlite.Conn, error) {
		c, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
		if err != nil {
			return nil, fmt.Errorf("failed to open read-only sqlite connection at %s: %w", path, err)
		}
		return c, nil
	}
	destructor := func(resource *sqlite.Conn) {
		if err := resource.Close(); err != nil {
			log.Errorf("eventlog: failed to close pooled sqlite connection: %s", err)
		}
	}
	pool, err := puddle.NewPool(&puddle.Config[*sqlite.Conn]{
		Constructor: constructor,
		Destructor:  destructor,
		MaxSize:     maxReadConns,
	})
	if err != nil {
		_ = writeConn.Close()
		return nil, err
	}

	return &History{
		writeConn:    writeConn,
		readConnPool: pool,
	}, nil
}

// Close closes the pool and the write connection.
func (h *History) Close() error {
	h.readConnPool.Close()

	h.l.Lock()
	defer h.l.Unlock()
	return h.writeConn.Close()
}

// Save stores a decision event.
func (h *History) Save(ctx context.Context, ev flow.DecisionEvent) error {
	h.l.Lock()
	defer h.l.Unlock()

	h.writeConn.SetInterrupt(ctx.Done())
	defer h.writeConn.SetInterrupt(nil)

	return sqlitex.Execute(
		h.writeConn,
		`INSERT INTO decisions (app_id, remote_host, remote_port, direction, verdict, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				ev.AppID,
				ev.RemoteHost,
				int(ev.RemotePort),
				ev.Direction.String(),
				ev.Verdict.String(),
				ev.Timestamp.UnixMilli(),
			},
		},
	)
}

// Query returns up to limit events recorded at or after since, newest first.
// A limit of zero or less returns all matching events.
func (h *History) Query(ctx context.Context, since time.Time, limit int) ([]flow.DecisionEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	res, err := h.readConnPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer res.Release()
	conn := res.Value()

	conn.SetInterrupt(ctx.Done())
	defer conn.SetInterrupt(nil)

	var events []flow.DecisionEvent
	err = sqlitex.Execute(
		conn,
		`SELECT app_id, remote_host, remote_port, direction, verdict, timestamp
			FROM decisions
			WHERE timestamp >= ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{since.UnixMilli(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ev := flow.DecisionEvent{
					AppID:      stmt.ColumnText(0),
					RemoteHost: stmt.ColumnText(1),
					RemotePort: uint16(stmt.ColumnInt(2)), //nolint:gosec // Stored from an uint16.
					Timestamp:  time.UnixMilli(stmt.ColumnInt64(5)),
				}
				if err := ev.Direction.UnmarshalText([]byte(stmt.ColumnText(3))); err != nil {
					return err
				}
				if err := ev.Verdict.UnmarshalText([]byte(stmt.ColumnText(4))); err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return events, nil
}

// Prune deletes events recorded before the given time and returns how many
// were deleted.
func (h *History) Prune(ctx context.Context, before time.Time) (int, error) {
	h.l.Lock()
	defer h.l.Unlock()

	h.writeConn.SetInterrupt(ctx.Done())
	defer h.writeConn.SetInterrupt(nil)

	err := sqlitex.Execute(
		h.writeConn,
		`DELETE FROM decisions WHERE timestamp < ?`,
		&sqlitex.ExecOptions{
			Args: []any{before.UnixMilli()},
		},
	)
	if err != nil {
		return 0, err
	}
	return h.writeConn.Changes(), nil
}
