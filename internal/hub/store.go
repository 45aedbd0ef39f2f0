// Package hub implements the reference server of record: an in-memory
// store of chats and messages per user, upserted by client-generated
// id with a conditional last-writer-wins check, plus the gin transport
// in front of it.
package hub

import (
	"sync"

	"github.com/converselabs/converse/internal/store"
)

// Store holds synced entities per user. All access is guarded by one
// RWMutex; the dataset is a server of record for sync correctness
// tests and small deployments, not a scale target.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]map[string]store.Chat
	messages map[string]map[string]store.Message
}

// NewStore creates an empty hub store.
func NewStore() *Store {
	return &Store{
		chats:    make(map[string]map[string]store.Chat),
		messages: make(map[string]map[string]store.Message),
	}
}

// UpsertChat applies a conditional last-writer-wins upsert: the
// incoming record is stored only if it is strictly newer than what the
// server already holds. The stored winner is returned either way, so a
// client that lost the race can reconcile locally. Client-local sync
// bookkeeping is not the server's to keep and is stripped.
func (s *Store) UpsertChat(userID string, c store.Chat) (store.Chat, bool) {
	c.SyncStatus = ""
	c.LastSynced = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.chats[userID]
	if byID == nil {
		byID = make(map[string]store.Chat)
		s.chats[userID] = byID
	}
	if existing, ok := byID[c.ID]; ok && existing.UpdatedAt >= c.UpdatedAt {
		return existing, false
	}
	byID[c.ID] = c
	return c, true
}

// UpsertMessage applies the same conditional upsert for messages.
func (s *Store) UpsertMessage(userID string, m store.Message) (store.Message, bool) {
	m.SyncStatus = ""
	m.LastSynced = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.messages[userID]
	if byID == nil {
		byID = make(map[string]store.Message)
		s.messages[userID] = byID
	}
	if existing, ok := byID[m.ID]; ok && existing.UpdatedAt >= m.UpdatedAt {
		return existing, false
	}
	byID[m.ID] = m
	return m, true
}

// ChatsSince returns the user's chats created or updated at or after t.
// Tombstones replicate like any other record.
func (s *Store) ChatsSince(userID string, t int64) []store.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Chat
	for _, c := range s.chats[userID] {
		if c.CreatedAt >= t || c.UpdatedAt >= t {
			out = append(out, c)
		}
	}
	return out
}

// MessagesSince returns the user's messages created or updated at or
// after t.
func (s *Store) MessagesSince(userID string, t int64) []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Message
	for _, m := range s.messages[userID] {
		if m.CreatedAt >= t || m.UpdatedAt >= t {
			out = append(out, m)
		}
	}
	return out
}
