package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/model"
)

// SaveSnapshot replaces the persisted stats snapshot and appointment list of identity.
func (db *DB) SaveSnapshot(ctx context.Context, identity string, s model.StatsSnapshot) error {
	extra, err := json.Marshal(s.Extra)
	if err != nil {
		return fmt.Errorf("encode extra counters: %w", err)
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stats_snapshots (identity, views, reviews, messages, extra_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				views = excluded.views,
				reviews = excluded.reviews,
				messages = excluded.messages,
				extra_json = excluded.extra_json,
				updated_at = excluded.updated_at`,
			identity, s.Views, s.Reviews, s.Messages, string(extra), now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM appointments WHERE identity = ?`, identity); err != nil {
			return err
		}
		for i, a := range s.Appointments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO appointments (identity, id, date, time, client_ref, service_ref, status, updated_at, position)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				identity, a.ID, a.Date, a.Time, a.ClientRef, a.ServiceRef, a.Status, a.UpdatedAt, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot returns the persisted snapshot of identity.
func (db *DB) LoadSnapshot(ctx context.Context, identity string) (model.StatsSnapshot, bool, error) {
	var s model.StatsSnapshot
	var extra string
	err := db.QueryRowContext(ctx, `SELECT views, reviews, messages, extra_json FROM stats_snapshots WHERE identity = ?`, identity).
		Scan(&s.Views, &s.Reviews, &s.Messages, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatsSnapshot{}, false, nil
	}
	if err != nil {
		return model.StatsSnapshot{}, false, err
	}
	if extra != "" && extra != "null" {
		if err := json.Unmarshal([]byte(extra), &s.Extra); err != nil {
			return model.StatsSnapshot{}, false, fmt.Errorf("decode extra counters: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, date, time, client_ref, service_ref, status, updated_at
		FROM appointments WHERE identity = ? ORDER BY position ASC`, identity)
	if err != nil {
		return model.StatsSnapshot{}, false, err
	}
	defer func() { _ = rows.Close() }()
	s.Appointments = []model.Appointment{}
	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.Date, &a.Time, &a.ClientRef, &a.ServiceRef, &a.Status, &a.UpdatedAt); err != nil {
			return model.StatsSnapshot{}, false, err
		}
		s.Appointments = append(s.Appointments, a)
	}
	return s, true, rows.Err()
}

// SaveNotifications replaces the persisted feed of identity.
func (db *DB) SaveNotifications(ctx context.Context, identity string, feed []model.Notification) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE identity = ?`, identity); err != nil {
			return err
		}
		for _, n := range feed {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notifications (identity, key, id, thread_id, text, timestamp, read, unread_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				identity, n.Key(), n.ID, n.ThreadID, n.Text, n.Timestamp, n.Read, n.UnreadCount); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadNotifications returns the persisted feed, newest first.
func (db *DB) LoadNotifications(ctx context.Context, identity string) ([]model.Notification, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, thread_id, text, timestamp, read, unread_count
		FROM notifications WHERE identity = ?
		ORDER BY timestamp DESC, key ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var feed []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.ThreadID, &n.Text, &n.Timestamp, &n.Read, &n.UnreadCount); err != nil {
			return nil, err
		}
		feed = append(feed, n)
	}
	return feed, rows.Err()
}

// SaveUnread persists the unread counter of identity.
func (db *DB) SaveUnread(ctx context.Context, identity string, u model.Unread) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO unread_counts (identity, count, authoritative, local_guess, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			count = excluded.count,
			authoritative = excluded.authoritative,
			local_guess = excluded.local_guess,
			updated_at = excluded.updated_at`,
		identity, u.Count, u.Authoritative, u.LocalGuess, time.Now().UnixMilli())
	return err
}

// LoadUnread returns the persisted unread counter of identity.
func (db *DB) LoadUnread(ctx context.Context, identity string) (model.Unread, error) {
	var u model.Unread
	err := db.QueryRowContext(ctx, `SELECT count, authoritative, local_guess FROM unread_counts WHERE identity = ?`, identity).
		Scan(&u.Count, &u.Authoritative, &u.LocalGuess)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Unread{}, nil
	}
	return u, err
}
