// Package chat implements the entity mutators: every local change to a
// chat or message goes through this service, which stamps bookkeeping
// fields, persists the record, and hands it to the push queue.
package chat

import (
	"fmt"
	"time"

	"github.com/converselabs/converse/internal/bus"
	"github.com/converselabs/converse/internal/store"
	"github.com/converselabs/converse/internal/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Enqueuer receives push jobs for freshly mutated entities. Enqueue is
// fire-and-forget: a mutator never blocks on network.
type Enqueuer interface {
	Enqueue(kind store.EntityKind, id string)
}

// Service is the mutator layer over the local store.
type Service struct {
	db      *store.DB
	queue   Enqueuer
	streams *stream.Registry
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() int64
}

// NewService creates the mutator service.
func NewService(db *store.DB, queue Enqueuer, streams *stream.Registry, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		db:      db,
		queue:   queue,
		streams: streams,
		bus:     b,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateChat creates a new chat with a client-generated id, so creation
// works fully offline. The title starts empty; an external collaborator
// fills it in later via SetTitle.
func (s *Service) CreateChat() (*store.Chat, error) {
	now := s.now()
	c := &store.Chat{
		ID:            uuid.NewString(),
		Status:        store.StatusDone,
		SyncStatus:    store.SyncPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.db.PutChat(c); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	s.queue.Enqueue(store.KindChat, c.ID)
	s.publishChat(bus.KindChatUpserted, c)
	return c, nil
}

// SetTitle updates a chat's title.
func (s *Service) SetTitle(chatID, title string) error {
	return s.mutateChat(chatID, func(c *store.Chat) {
		c.Title = title
	})
}

// SetChatStatus records the state of the chat's current AI turn.
func (s *Service) SetChatStatus(chatID string, status store.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid chat status %q", status)
	}
	return s.mutateChat(chatID, func(c *store.Chat) {
		c.Status = status
	})
}

// TouchLastMessage bumps a chat's last_message_at ordering key.
func (s *Service) TouchLastMessage(chatID string, at int64) error {
	return s.mutateChat(chatID, func(c *store.Chat) {
		if at > c.LastMessageAt {
			c.LastMessageAt = at
		}
	})
}

// DeleteChat tombstones a chat and every live message in it as one
// atomic batch, then enqueues a push per affected record. Nothing is
// physically removed; deletion replicates like any other mutation.
func (s *Service) DeleteChat(chatID string) error {
	c, err := s.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("load chat %s: %w", chatID, err)
	}
	if c == nil {
		return fmt.Errorf("chat %s not found", chatID)
	}

	msgs, err := s.db.MessagesByChat(chatID)
	if err != nil {
		return fmt.Errorf("load messages for %s: %w", chatID, err)
	}

	now := s.stamp(c.UpdatedAt)
	c.Status = store.StatusDeleted
	c.SyncStatus = store.SyncPending
	c.UpdatedAt = now
	for i := range msgs {
		msgs[i].Status = store.StatusDeleted
		msgs[i].SyncStatus = store.SyncPending
		msgs[i].UpdatedAt = s.stamp(msgs[i].UpdatedAt)
	}

	if err := s.db.DeleteChatCascade(c, msgs); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}

	for i := range msgs {
		s.queue.Enqueue(store.KindMessage, msgs[i].ID)
		s.publishMessage(bus.KindMessageDeleted, &msgs[i])
	}
	s.queue.Enqueue(store.KindChat, c.ID)
	s.publishChat(bus.KindChatDeleted, c)
	return nil
}

// CreateUserMessage persists a finished user message and bumps the
// owning chat's last_message_at.
func (s *Service) CreateUserMessage(chatID, text string, attachments []store.Attachment) (*store.Message, error) {
	now := s.now()
	m := &store.Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Role:        store.RoleUser,
		Text:        text,
		Attachments: attachments,
		Status:      store.StatusDone,
		SyncStatus:  store.SyncPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.PutMessage(m); err != nil {
		return nil, fmt.Errorf("create user message: %w", err)
	}
	s.queue.Enqueue(store.KindMessage, m.ID)
	s.publishMessage(bus.KindMessageUpserted, m)

	if err := s.TouchLastMessage(chatID, now); err != nil {
		s.logger.Warn("touch chat after user message", zap.Error(err), zap.String("chat_id", chatID))
	}
	return m, nil
}

// StartAssistantMessage creates the placeholder for an AI turn. The
// message is born typing and stays out of the push queue until
// FinalizeMessage flips it to done or failed.
func (s *Service) StartAssistantMessage(chatID string) (*store.Message, error) {
	now := s.now()
	m := &store.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Role:       store.RoleAI,
		Status:     store.StatusTyping,
		SyncStatus: store.SyncPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.PutMessage(m); err != nil {
		return nil, fmt.Errorf("start assistant message: %w", err)
	}
	s.publishMessage(bus.KindMessageUpserted, m)
	return m, nil
}

// AppendContent concatenates streamed delta text onto a message. While
// the message status is typing or pending no push job is enqueued, so
// a streamed turn costs one upload total instead of one per token.
func (s *Service) AppendContent(msgID, delta string) error {
	m, err := s.db.GetMessage(msgID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", msgID, err)
	}
	if m == nil {
		return fmt.Errorf("message %s not found", msgID)
	}

	m.Text += delta
	m.UpdatedAt = s.stamp(m.UpdatedAt)
	m.SyncStatus = store.SyncPending
	if err := s.db.PutMessage(m); err != nil {
		return fmt.Errorf("append content to %s: %w", msgID, err)
	}

	s.streams.Update(msgID, delta)
	if !m.Status.Streaming() {
		// A finalized message edited again re-enters the queue.
		s.queue.Enqueue(store.KindMessage, m.ID)
	}
	s.publishMessage(bus.KindMessageUpserted, m)
	return nil
}

// FinalizeMessage ends an AI turn. Only done and failed are legal
// terminal states; the transition makes the message sync-eligible and
// triggers its first real push.
func (s *Service) FinalizeMessage(msgID string, terminal store.Status) error {
	switch terminal {
	case store.StatusDone, store.StatusFailed:
	default:
		return fmt.Errorf("invalid terminal status %q", terminal)
	}

	m, err := s.db.GetMessage(msgID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", msgID, err)
	}
	if m == nil {
		return fmt.Errorf("message %s not found", msgID)
	}

	m.Status = terminal
	m.UpdatedAt = s.stamp(m.UpdatedAt)
	m.SyncStatus = store.SyncPending
	if err := s.db.PutMessage(m); err != nil {
		return fmt.Errorf("finalize message %s: %w", msgID, err)
	}

	s.streams.Clear(msgID)
	s.queue.Enqueue(store.KindMessage, m.ID)
	s.publishMessage(bus.KindMessageUpserted, m)
	return nil
}

// DeleteMessage tombstones a single message.
func (s *Service) DeleteMessage(msgID string) error {
	m, err := s.db.GetMessage(msgID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", msgID, err)
	}
	if m == nil {
		return fmt.Errorf("message %s not found", msgID)
	}

	m.Status = store.StatusDeleted
	m.UpdatedAt = s.stamp(m.UpdatedAt)
	m.SyncStatus = store.SyncPending
	if err := s.db.PutMessage(m); err != nil {
		return fmt.Errorf("delete message %s: %w", msgID, err)
	}

	s.queue.Enqueue(store.KindMessage, m.ID)
	s.publishMessage(bus.KindMessageDeleted, m)
	return nil
}

func (s *Service) mutateChat(chatID string, apply func(*store.Chat)) error {
	c, err := s.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("load chat %s: %w", chatID, err)
	}
	if c == nil {
		return fmt.Errorf("chat %s not found", chatID)
	}

	apply(c)
	c.UpdatedAt = s.stamp(c.UpdatedAt)
	c.SyncStatus = store.SyncPending
	if err := s.db.PutChat(c); err != nil {
		return fmt.Errorf("update chat %s: %w", chatID, err)
	}

	s.queue.Enqueue(store.KindChat, c.ID)
	s.publishChat(bus.KindChatUpserted, c)
	return nil
}

// stamp returns now, forced strictly past the previous updated_at so
// two mutations in the same millisecond (or across a clock regression)
// still produce distinct last-writer-wins inputs.
func (s *Service) stamp(prev int64) int64 {
	now := s.now()
	if now <= prev {
		return prev + 1
	}
	return now
}

func (s *Service) publishChat(kind string, c *store.Chat) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindChat.String(), ID: c.ID},
	})
}

func (s *Service) publishMessage(kind string, m *store.Message) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindMessage.String(), ID: m.ID, ChatID: m.ChatID},
	})
}
