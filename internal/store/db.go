// Package store persists everything a session needs to come back up without
// the server: credentials, the last dashboard view, the conversation list,
// received messages, the outgoing journal and sync checkpoints.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the per-session SQLite database (bizsync.db).
type DB struct {
	*sql.DB
	path string
}

// pragmas are passed to go-sqlite3 through the DSN. Writers take the lock
// up front (_txlock=immediate) so two surfaces committing at once wait on
// busy_timeout instead of failing on upgrade.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
	"_txlock":       {"immediate"},
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file.
func (db *DB) Path() string { return db.path }

// inTx runs fn in a transaction, committing when it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
