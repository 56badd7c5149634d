package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/bizsync/internal/model"
)

// InsertOutgoing journals a new optimistic message.
func (db *DB) InsertOutgoing(ctx context.Context, identity string, m model.OutgoingMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outgoing_messages (local_id, identity, conversation_id, server_id, text, file_ref, state, error_message, created_at, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, identity, m.ConversationID, m.ServerID, m.Text, m.FileRef, string(m.State), m.Error, m.CreatedAt, m.Timestamp, now)
	return err
}

// UpdateOutgoing records the resolution of an optimistic message.
func (db *DB) UpdateOutgoing(ctx context.Context, m model.OutgoingMessage) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outgoing_messages
		SET state = ?, server_id = ?, error_message = ?, timestamp = ?, updated_at = ?
		WHERE local_id = ?`,
		string(m.State), m.ServerID, m.Error, m.Timestamp, time.Now().UnixMilli(), m.LocalID)
	return err
}

// ListOutgoing returns the journal of a conversation in creation order.
func (db *DB) ListOutgoing(ctx context.Context, identity, conversationID string) ([]model.OutgoingMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT local_id, conversation_id, server_id, text, file_ref, state, error_message, created_at, timestamp
		FROM outgoing_messages
		WHERE identity = ? AND conversation_id = ?
		ORDER BY created_at ASC, local_id ASC`, identity, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.OutgoingMessage
	for rows.Next() {
		var m model.OutgoingMessage
		var state string
		if err := rows.Scan(&m.LocalID, &m.ConversationID, &m.ServerID, &m.Text, &m.FileRef, &state, &m.Error, &m.CreatedAt, &m.Timestamp); err != nil {
			return nil, err
		}
		m.State = model.SendState(state)
		out = append(out, m)
	}
	return out, rows.Err()
}

// FailPendingOutgoing marks every PENDING entry of identity FAILED. Acks for
// them can never arrive once the process that sent them is gone.
func (db *DB) FailPendingOutgoing(ctx context.Context, identity, reason string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE outgoing_messages SET state = 'FAILED', error_message = ?, updated_at = ?
		WHERE identity = ? AND state = 'PENDING'`,
		reason, time.Now().UnixMilli(), identity)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutgoing returns one journal entry.
func (db *DB) GetOutgoing(ctx context.Context, localID string) (model.OutgoingMessage, bool, error) {
	var m model.OutgoingMessage
	var state string
	err := db.QueryRowContext(ctx, `
		SELECT local_id, conversation_id, server_id, text, file_ref, state, error_message, created_at, timestamp
		FROM outgoing_messages WHERE local_id = ?`, localID).
		Scan(&m.LocalID, &m.ConversationID, &m.ServerID, &m.Text, &m.FileRef, &state, &m.Error, &m.CreatedAt, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutgoingMessage{}, false, nil
	}
	if err != nil {
		return model.OutgoingMessage{}, false, err
	}
	m.State = model.SendState(state)
	return m, true, nil
}
