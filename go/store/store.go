// Package store provides Concent's two persistent stores: `control`, which
// holds clients, deposit accounts, deposit claims and subtasks, and
// `storage`, which holds the conductor's upload-report bookkeeping.
//
// The two stores are deliberately separate *sql.DB handles over separate
// database files, and the storage schema references subtasks by id value
// only: cross-store relations are forbidden, and keeping the stores as
// distinct Go types makes such a relation impossible to express.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Queryer is the subset of *sql.DB and *sql.Tx the store operations use, so
// they can run standalone or inside a wider transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ControlStore is the `control` store.
type ControlStore struct {
	db *sql.DB
}

// StorageStore is the `storage` store.
type StorageStore struct {
	db *sql.DB
}

// Stores bundles both stores of a Concent deployment.
type Stores struct {
	Control *ControlStore
	Storage *StorageStore
}

// Open opens both stores. Transactions are opened with an immediate write
// lock (`_txlock=immediate`), so writers of one store serialize with each
// other; this is what stands in for row-level locks under SQLite.
func Open(controlPath, storagePath string) (*Stores, error) {
	var control, err = openDB(controlPath)
	if err != nil {
		return nil, fmt.Errorf("opening control store: %w", err)
	}
	storage, err := openDB(storagePath)
	if err != nil {
		_ = control.Close()
		return nil, fmt.Errorf("opening storage store: %w", err)
	}
	return &Stores{
		Control: &ControlStore{db: control},
		Storage: &StorageStore{db: storage},
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_fk=true", path))
	if err != nil {
		return nil, err
	}
	// SQLite admits one writer; more open connections would only trade
	// lock waits for SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close closes both stores.
func (s *Stores) Close() error {
	var errControl = s.Control.db.Close()
	var errStorage = s.Storage.db.Close()
	if errControl != nil {
		return errControl
	}
	return errStorage
}

// Migrate creates the schemas of both stores.
func (s *Stores) Migrate(ctx context.Context) error {
	if err := s.Control.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating control store: %w", err)
	}
	if err := s.Storage.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage store: %w", err)
	}
	return nil
}

// WithTx runs fn inside a serializable transaction on the control store,
// committing on nil and rolling back on error or panic.
func (s *ControlStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

// WithTx runs fn inside a serializable transaction on the storage store.
func (s *StorageStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// DB exposes the control store's handle for read-only statements that need
// no transaction.
func (s *ControlStore) DB() Queryer { return s.db }

// DB exposes the storage store's handle.
func (s *StorageStore) DB() Queryer { return s.db }
