package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const messageColumns = `id, chat_id, role, body, attachments, status, sync_status, created_at, updated_at, last_synced`

// PutMessage writes the full message row, inserting or overwriting by id.
func (db *DB) PutMessage(m *Message) error {
	return putMessage(db.DB, m)
}

func putMessage(e execer, m *Message) error {
	att, err := marshalAttachments(m.Attachments)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		INSERT INTO messages (id, chat_id, role, body, attachments, status, sync_status, created_at, updated_at, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			role = excluded.role,
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_synced = excluded.last_synced`,
		m.ID, m.ChatID, m.Role, m.Text, att, m.Status, m.SyncStatus, m.CreatedAt, m.UpdatedAt, m.LastSynced)
	return err
}

// mergeMessage mirrors mergeChat: insert unknown, overwrite known only
// when the incoming updated_at is strictly newer, decided inside the
// statement.
func mergeMessage(e execer, m *Message) error {
	att, err := marshalAttachments(m.Attachments)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		INSERT INTO messages (id, chat_id, role, body, attachments, status, sync_status, created_at, updated_at, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			role = excluded.role,
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_synced = excluded.last_synced
		WHERE excluded.updated_at > messages.updated_at`,
		m.ID, m.ChatID, m.Role, m.Text, att, m.Status, m.SyncStatus, m.CreatedAt, m.UpdatedAt, m.LastSynced)
	return err
}

// AdoptMessage replaces a message with the server's winning copy while
// the row still carries the uploaded updated_at. Reports whether it
// applied.
func (db *DB) AdoptMessage(winner *Message, pushedUpdatedAt int64) (bool, error) {
	att, err := marshalAttachments(winner.Attachments)
	if err != nil {
		return false, err
	}
	res, err := db.Exec(`
		UPDATE messages SET chat_id = ?, role = ?, body = ?, attachments = ?, status = ?, sync_status = ?, created_at = ?, updated_at = ?, last_synced = ?
		WHERE id = ? AND updated_at = ?`,
		winner.ChatID, winner.Role, winner.Text, att, winner.Status, winner.SyncStatus, winner.CreatedAt, winner.UpdatedAt, winner.LastSynced,
		winner.ID, pushedUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns the committed message row by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessagesByChat returns non-deleted messages for a chat in creation order.
func (db *DB) MessagesByChat(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND status != ?
		ORDER BY created_at ASC`, chatID, StatusDeleted)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// DirtyMessages returns messages that still need to reach the server,
// excluding any whose AI turn is still streaming.
func (db *DB) DirtyMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE sync_status IN (?, ?) AND status NOT IN (?, ?)
		ORDER BY updated_at ASC`, SyncPending, SyncFailed, StatusTyping, StatusPending)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MessagesUpdatedSince returns messages created or mutated at or after t.
func (db *DB) MessagesUpdatedSince(t int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE created_at >= ? OR updated_at >= ?
		ORDER BY updated_at ASC`, t, t)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MarkMessageSynced flips a message to sync_status=done if the row
// still carries the uploaded updated_at. Reports whether it applied.
func (db *DB) MarkMessageSynced(id string, pushedUpdatedAt, syncedAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET sync_status = ?, last_synced = ?
		WHERE id = ? AND updated_at = ?`,
		SyncDone, syncedAt, id, pushedUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkMessageSyncFailed records a failed upload unless the row has
// mutated again since the attempt.
func (db *DB) MarkMessageSyncFailed(id string, pushedUpdatedAt int64) error {
	_, err := db.Exec(`
		UPDATE messages SET sync_status = ?
		WHERE id = ? AND updated_at = ?`,
		SyncFailed, id, pushedUpdatedAt)
	return err
}

func marshalAttachments(atts []Attachment) (string, error) {
	if len(atts) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(raw), nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var att string
	err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Text, &att, &m.Status, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt, &m.LastSynced)
	if err != nil {
		return nil, err
	}
	if att != "" && att != "[]" {
		if err := json.Unmarshal([]byte(att), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
