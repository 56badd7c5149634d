package store

import (
	"context"

	"github.com/matheus3301/bizsync/internal/model"
)

// UpsertMessage inserts or updates a server-confirmed chat message. Delivering
// the same message twice leaves one row.
func (db *DB) UpsertMessage(ctx context.Context, identity string, m model.ChatMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (identity, id, conversation_id, sender_id, text, file_ref, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, id) DO UPDATE SET
			text = excluded.text,
			file_ref = excluded.file_ref,
			timestamp = excluded.timestamp`,
		identity, m.ID, m.ConversationID, m.SenderID, m.Text, m.FileRef, m.Timestamp)
	return err
}

// ListMessages returns the newest limit messages of a conversation in
// chronological order.
func (db *DB) ListMessages(ctx context.Context, identity, conversationID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, text, file_ref, timestamp FROM (
			SELECT * FROM messages
			WHERE identity = ? AND conversation_id = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, identity, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.FileRef, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
