package store

import (
	"encoding/json"
	"time"
)

// QueueOutbox adds a message to the durable send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	attachmentIDs, err := json.Marshal(e.AttachmentIDs)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, content, attachment_ids, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientID, e.ConversationID, e.Content, string(attachmentIDs), now, now)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' (delivered to the
// transport, awaiting the server echo).
func (db *DB) MarkOutboxSent(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxConfirmed records the server message id echoed back for an entry.
func (db *DB) MarkOutboxConfirmed(clientID string, serverMsgID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'confirmed', server_msg_id = ?, updated_at = ? WHERE client_id = ?`, serverMsgID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, conversation_id, content, attachment_ids, status, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var attachmentIDs string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Content, &attachmentIDs, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attachmentIDs), &e.AttachmentIDs); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
