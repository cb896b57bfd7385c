// Package store is the typed repository over the relational database.
// Handlers reach persistence only through it: parameters travel as bound
// placeholders, dialect differences are centralized in the statement
// builder, and failures map onto a strict error taxonomy.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// The repository error taxonomy.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: constraint conflict")
	ErrBusy     = errors.New("store: database busy")
)

const (
	busyRetries = 3
	busySleep   = 100 * time.Millisecond
)

// Queryer is satisfied by *sql.DB and *sql.Tx, letting repository operations
// run either standalone or inside a caller-owned transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store owns the database handle and dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens (creating if absent) the database at |path|. WAL mode and a busy
// timeout are set through the DSN; ":memory:" is supported for tests.
func Open(path string) (*Store, error) {
	var dsn = path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// The sqlite driver serializes writers; a single connection avoids
	// spurious SQLITE_BUSY between this process's own tasks.
	db.SetMaxOpenConns(1)

	var s = &Store{db: db, dialect: defaultDialect}
	if err = s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for transaction control.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs |fn| inside a transaction, committing on nil and rolling back
// otherwise. Busy failures retry the whole transaction a bounded number of
// times before surfacing as ErrBusy.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt != busyRetries; attempt++ {
		if err = s.runTx(ctx, fn); !errors.Is(err, ErrBusy) {
			return err
		}
		log.WithField("attempt", attempt+1).Warn("database busy; retrying transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busySleep):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError(err)
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithField("err", rbErr).Error("transaction rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	return nil
}

// mapSQLError folds driver errors into the repository taxonomy.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", ErrBusy, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %s", ErrConflict, err)
		}
	}
	return err
}
