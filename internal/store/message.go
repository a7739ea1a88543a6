package store

import (
	"encoding/json"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id + render key).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, kind, from_me, status, read, attachments, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			status = excluded.status,
			read = excluded.read,
			attachments = excluded.attachments`,
		m.ConversationID, m.RenderKey(), m.SenderID, m.SenderName, m.Content, m.Kind, m.FromMe, m.Status, m.Read, string(attachments), m.Timestamp, now)
	return err
}

// ReplaceMessage swaps an optimistic message for its server-confirmed
// counterpart in a single transaction, so the cache never holds both.
func (db *DB) ReplaceMessage(conversationID int64, clientID string, confirmed *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, clientID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	attachments, err := json.Marshal(confirmed.Attachments)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, kind, from_me, status, read, attachments, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			status = excluded.status,
			read = excluded.read`,
		confirmed.ConversationID, confirmed.RenderKey(), confirmed.SenderID, confirmed.SenderName, confirmed.Content, confirmed.Kind, confirmed.FromMe, confirmed.Status, confirmed.Read, string(attachments), confirmed.Timestamp, now); err != nil {
		return err
	}

	return tx.Commit()
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(conversationID int64, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, content, kind, from_me, status, read, attachments, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var rowID int64
		var msgID, attachments string
		if err := rows.Scan(&rowID, &m.ConversationID, &msgID, &m.SenderID, &m.SenderName, &m.Content, &m.Kind, &m.FromMe, &m.Status, &m.Read, &attachments, &m.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, err
		}
		applyRenderKey(&m, msgID)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessageRead flags a confirmed message as read.
func (db *DB) MarkMessageRead(conversationID, messageID int64) error {
	_, err := db.Exec(`UPDATE messages SET read = 1 WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, formatID(messageID))
	return err
}

// applyRenderKey restores ID/ClientID from the stored render key: decimal
// keys are server ids, anything else is a client uuid.
func applyRenderKey(m *Message, key string) {
	if id, ok := parseID(key); ok {
		m.ID = id
		return
	}
	m.ClientID = key
}
