package store

import "database/sql"

const chatColumns = `id, title, status, sync_status, created_at, updated_at, last_message_at, last_synced`

// PutChat writes the full chat row, inserting or overwriting by id.
// Callers are responsible for stamping updated_at and sync_status; the
// store persists exactly what it is given.
func (db *DB) PutChat(c *Chat) error {
	return putChat(db.DB, c)
}

func putChat(e execer, c *Chat) error {
	_, err := e.Exec(`
		INSERT INTO chats (id, title, status, sync_status, created_at, updated_at, last_message_at, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_message_at = excluded.last_message_at,
			last_synced = excluded.last_synced`,
		c.ID, c.Title, c.Status, c.SyncStatus, c.CreatedAt, c.UpdatedAt, c.LastMessageAt, c.LastSynced)
	return err
}

// mergeChat is the pull-side upsert: an unknown chat inserts as-is, a
// known one is overwritten only when the incoming updated_at is
// strictly newer. The comparison runs inside the statement, so a local
// mutation committed after the reconciler's read still wins.
func mergeChat(e execer, c *Chat) error {
	_, err := e.Exec(`
		INSERT INTO chats (id, title, status, sync_status, created_at, updated_at, last_message_at, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_message_at = excluded.last_message_at,
			last_synced = excluded.last_synced
		WHERE excluded.updated_at > chats.updated_at`,
		c.ID, c.Title, c.Status, c.SyncStatus, c.CreatedAt, c.UpdatedAt, c.LastMessageAt, c.LastSynced)
	return err
}

// AdoptChat replaces a chat with the server's winning copy after a
// lost push race, but only while the row still carries the updated_at
// this client uploaded. Reports whether the adoption applied.
func (db *DB) AdoptChat(winner *Chat, pushedUpdatedAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE chats SET title = ?, status = ?, sync_status = ?, created_at = ?, updated_at = ?, last_message_at = ?, last_synced = ?
		WHERE id = ? AND updated_at = ?`,
		winner.Title, winner.Status, winner.SyncStatus, winner.CreatedAt, winner.UpdatedAt, winner.LastMessageAt, winner.LastSynced,
		winner.ID, pushedUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetChat returns the committed chat row by id, or nil if absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	row := db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChats returns non-deleted chats sorted by last message timestamp
// descending. Tombstones are filtered here because this is the read
// path for display; sync paths use the Since/Dirty queries instead.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+chatColumns+`
		FROM chats
		WHERE status != ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, StatusDeleted, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectChats(rows)
}

// DirtyChats returns chats that still need to reach the server.
func (db *DB) DirtyChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT `+chatColumns+`
		FROM chats
		WHERE sync_status IN (?, ?)
		ORDER BY updated_at ASC`, SyncPending, SyncFailed)
	if err != nil {
		return nil, err
	}
	return collectChats(rows)
}

// ChatsUpdatedSince returns chats created or mutated at or after t.
func (db *DB) ChatsUpdatedSince(t int64) ([]Chat, error) {
	rows, err := db.Query(`
		SELECT `+chatColumns+`
		FROM chats
		WHERE created_at >= ? OR updated_at >= ?
		ORDER BY updated_at ASC`, t, t)
	if err != nil {
		return nil, err
	}
	return collectChats(rows)
}

// MarkChatSynced flips a chat to sync_status=done, but only if the row
// still carries the updated_at that was uploaded. A mutation that
// landed mid-flight keeps the row pending so the next sweep re-pushes
// it. Reports whether the mark applied.
func (db *DB) MarkChatSynced(id string, pushedUpdatedAt, syncedAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE chats SET sync_status = ?, last_synced = ?
		WHERE id = ? AND updated_at = ?`,
		SyncDone, syncedAt, id, pushedUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkChatSyncFailed records a failed upload, with the same guard
// against overwriting a newer local mutation.
func (db *DB) MarkChatSyncFailed(id string, pushedUpdatedAt int64) error {
	_, err := db.Exec(`
		UPDATE chats SET sync_status = ?
		WHERE id = ? AND updated_at = ?`,
		SyncFailed, id, pushedUpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.Title, &c.Status, &c.SyncStatus, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt, &c.LastSynced)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectChats(rows *sql.Rows) ([]Chat, error) {
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}
