package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Subscribers filter by namespace prefix, so
// "chat." matches every chat event and "" matches everything.
const (
	KindChatUpserted    = "chat.upserted"
	KindChatDeleted     = "chat.deleted"
	KindMessageUpserted = "message.upserted"
	KindMessageDeleted  = "message.deleted"
	KindSyncPushed      = "sync.pushed"
	KindSyncPushFailed  = "sync.push_failed"
	KindSyncPulled      = "sync.pulled"
	KindNetStatus       = "net.status_changed"
)

// EntityRef identifies the record an entity event refers to.
type EntityRef struct {
	Kind   string
	ID     string
	ChatID string
}
