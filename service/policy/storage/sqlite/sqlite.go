// Package sqlite provides a sqlite backed policy storage.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	sqldblogger "github.com/simukti/sqldb-logger"
	_ "modernc.org/sqlite"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/policy/storage"
)

// Connection settings applied to every pooled connection.
// _txlock=immediate takes the write lock at BEGIN, so concurrent first sight
// of an app serializes instead of failing with SQLITE_BUSY on upgrade.
const dsnParams = "?_pragma=busy_timeout(3000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_txlock=immediate"

// SQLite storage.
type SQLite struct {
	db *sql.DB
	wg sync.WaitGroup
}

func init() {
	_ = storage.Register("sqlite", func(location string) (storage.Interface, error) {
		return NewSQLite(location)
	})
}

// NewSQLite opens or creates the policy database in the location directory.
// Statements are logged when the log level is trace.
func NewSQLite(location string) (*SQLite, error) {
	return openSQLite(location, log.GetLogLevel() == log.TraceLevel)
}

func openSQLite(location string, printStmts bool) (*SQLite, error) {
	dbFile := filepath.Join(location, "policies.sqlite")

	db, err := sql.Open("sqlite", dbFile+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable statement printing.
	if printStmts {
		driver := db.Driver()
		_ = db.Close()
		db = sqldblogger.OpenDriver(dbFile+dsnParams, driver, &statementLogger{})
	}

	// Run migrations on database.
	n, err := migrate.Exec(db, "sqlite3", getMigrations(), migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Debugf("policy/sqlite: ran %d migrations on %s", n, dbFile)

	return &SQLite{db: db}, nil
}

// GetOrCreate stores p if absent and returns the stored record.
func (db *SQLite) GetOrCreate(ctx context.Context, p storage.AppPolicy) (stored storage.AppPolicy, created bool, err error) {
	db.wg.Add(1)
	defer db.wg.Done()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.AppPolicy{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO app_policies (app_id, allowed, created, modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(app_id) DO NOTHING`,
		p.AppID, p.Allowed, p.Created.UnixMilli(), p.Modified.UnixMilli(),
	)
	if err != nil {
		return storage.AppPolicy{}, false, fmt.Errorf("insert policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.AppPolicy{}, false, err
	}

	stored, err = scanPolicy(tx.QueryRowContext(ctx, selectPolicy, p.AppID))
	if err != nil {
		return storage.AppPolicy{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return storage.AppPolicy{}, false, err
	}

	return stored, n == 1, nil
}

// Get returns the record for appID.
func (db *SQLite) Get(ctx context.Context, appID string) (storage.AppPolicy, error) {
	db.wg.Add(1)
	defer db.wg.Done()

	return scanPolicy(db.db.QueryRowContext(ctx, selectPolicy, appID))
}

// Put inserts or replaces the allowed flag of the record.
func (db *SQLite) Put(ctx context.Context, p storage.AppPolicy) (storage.AppPolicy, error) {
	db.wg.Add(1)
	defer db.wg.Done()

	return scanPolicy(db.db.QueryRowContext(ctx,
		`INSERT INTO app_policies (app_id, allowed, created, modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET allowed = excluded.allowed, modified = excluded.modified
		RETURNING app_id, allowed, created, modified`,
		p.AppID, p.Allowed, p.Created.UnixMilli(), p.Modified.UnixMilli(),
	))
}

// List returns all records ordered by app id.
func (db *SQLite) List(ctx context.Context) ([]storage.AppPolicy, error) {
	db.wg.Add(1)
	defer db.wg.Done()

	rows, err := db.db.QueryContext(ctx,
		`SELECT app_id, allowed, created, modified FROM app_policies ORDER BY app_id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var list []storage.AppPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Shutdown shuts down the database.
func (db *SQLite) Shutdown() error {
	db.wg.Wait()
	return db.db.Close()
}

const selectPolicy = `SELECT app_id, allowed, created, modified FROM app_policies WHERE app_id = ?`

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (storage.AppPolicy, error) {
	var (
		p                 storage.AppPolicy
		created, modified int64
	)
	err := row.Scan(&p.AppID, &p.Allowed, &created, &modified)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.AppPolicy{}, storage.ErrNotFound
	case err != nil:
		return storage.AppPolicy{}, err
	}
	p.Created = time.UnixMilli(created).UTC()
	p.Modified = time.UnixMilli(modified).UTC()
	return p, nil
}

type statementLogger struct{}

func (sl statementLogger) Log(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{}) {
	log.Tracef("policy/sqlite: %s --- %+v", msg, data)
}
