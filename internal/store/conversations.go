package store

import (
	"context"
	"database/sql"

	"github.com/matheus3301/bizsync/internal/model"
)

// SaveConversations replaces the conversation list of identity.
func (db *DB) SaveConversations(ctx context.Context, identity string, list []model.ConversationPreview) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE identity = ?`, identity); err != nil {
			return err
		}
		for _, c := range list {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (identity, conversation_id, partner_id, last_message, last_message_at, unread_count)
				VALUES (?, ?, ?, ?, ?, ?)`,
				identity, c.ConversationID, c.PartnerID, c.LastMessage, c.LastMessageAt, c.UnreadCount); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertConversation inserts or updates one preview.
func (db *DB) UpsertConversation(ctx context.Context, identity string, c model.ConversationPreview) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (identity, conversation_id, partner_id, last_message, last_message_at, unread_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, conversation_id) DO UPDATE SET
			partner_id = CASE WHEN excluded.partner_id != '' THEN excluded.partner_id ELSE conversations.partner_id END,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count`,
		identity, c.ConversationID, c.PartnerID, c.LastMessage, c.LastMessageAt, c.UnreadCount)
	return err
}

// LoadConversations returns previews sorted by last message descending.
func (db *DB) LoadConversations(ctx context.Context, identity string) ([]model.ConversationPreview, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, partner_id, last_message, last_message_at, unread_count
		FROM conversations WHERE identity = ?
		ORDER BY last_message_at DESC, conversation_id ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []model.ConversationPreview
	for rows.Next() {
		var c model.ConversationPreview
		if err := rows.Scan(&c.ConversationID, &c.PartnerID, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
