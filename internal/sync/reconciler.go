package sync

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/matheus3301/bizsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler keeps per-identity sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, identity, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (identity, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		identity, key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value.
func (r *Reconciler) GetCheckpoint(ctx context.Context, identity, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE identity = ? AND key = ?`, identity, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// CheckpointTime reads a checkpoint written as unix milliseconds.
func (r *Reconciler) CheckpointTime(ctx context.Context, identity, key string) (time.Time, bool, error) {
	v, ok, err := r.GetCheckpoint(ctx, identity, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
