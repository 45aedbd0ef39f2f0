package store

import (
	"database/sql"
	"fmt"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// DeleteChatCascade writes the tombstoned chat and its tombstoned
// messages in a single transaction, so no reader can observe the chat
// deleted while a sibling message is still live. Rows arrive
// pre-stamped by the mutator layer.
func (db *DB) DeleteChatCascade(chat *Chat, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin cascade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := putChat(tx, chat); err != nil {
		return fmt.Errorf("cascade chat %s: %w", chat.ID, err)
	}
	for i := range msgs {
		if err := putMessage(tx, &msgs[i]); err != nil {
			return fmt.Errorf("cascade message %s: %w", msgs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade: %w", err)
	}
	return nil
}

// MergeChatsBatch applies pulled chats in one transaction. Each row
// goes through the conditional merge upsert, so a chat that mutated
// locally after the caller decided to apply it keeps the newer local
// copy instead of being clobbered by the older remote one.
func (db *DB) MergeChatsBatch(chats []Chat) error {
	if len(chats) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin chat batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range chats {
		if err := mergeChat(tx, &chats[i]); err != nil {
			return fmt.Errorf("merge chat %s: %w", chats[i].ID, err)
		}
	}
	return tx.Commit()
}

// MergeMessagesBatch applies pulled messages in one transaction with
// the same per-row merge guard.
func (db *DB) MergeMessagesBatch(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin message batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := mergeMessage(tx, &msgs[i]); err != nil {
			return fmt.Errorf("merge message %s: %w", msgs[i].ID, err)
		}
	}
	return tx.Commit()
}
