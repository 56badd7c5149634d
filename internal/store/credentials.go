package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/bizsync/internal/credential"
)

// LoadCredentials returns the stored pair, if any.
func (db *DB) LoadCredentials(ctx context.Context) (credential.Pair, bool, error) {
	var p credential.Pair
	var exp int64
	err := db.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at FROM credentials WHERE id = 1`).
		Scan(&p.AccessToken, &p.RefreshToken, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Pair{}, false, nil
	}
	if err != nil {
		return credential.Pair{}, false, err
	}
	if exp > 0 {
		p.ExpiresAt = time.UnixMilli(exp)
	}
	return p, true, nil
}

// SaveCredentials replaces the stored pair.
func (db *DB) SaveCredentials(ctx context.Context, p credential.Pair) error {
	var exp int64
	if !p.ExpiresAt.IsZero() {
		exp = p.ExpiresAt.UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		p.AccessToken, p.RefreshToken, exp, time.Now().UnixMilli())
	return err
}

// ClearCredentials forgets the stored pair.
func (db *DB) ClearCredentials(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}
