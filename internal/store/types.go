package store

// Status reflects the state of an entity's current AI turn, not its
// sync state. "deleted" is a tombstone value: the record is retained
// and replicated, never physically removed.
type Status string

const (
	StatusDone    Status = "done"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusTyping  Status = "typing"
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDone, StatusPending, StatusFailed, StatusTyping, StatusDeleted:
		return true
	}
	return false
}

// Streaming reports whether the entity is still being generated and
// therefore must never be uploaded.
func (s Status) Streaming() bool {
	switch s {
	case StatusTyping, StatusPending:
		return true
	}
	return false
}

// SyncStatus records whether the current local snapshot of a record has
// been durably accepted by the server.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "done"
	SyncFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known sync status value.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncDone, SyncFailed:
		return true
	}
	return false
}

// Dirty reports whether the record still needs to reach the server.
func (s SyncStatus) Dirty() bool {
	return s == SyncPending || s == SyncFailed
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Attachment is set once at message creation and immutable thereafter.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Chat is a conversation created on this client or pulled from the
// server. IDs are client-generated UUIDs so a chat can be created fully
// offline; the same id is the server-side upsert key.
type Chat struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        Status     `json:"status"`
	SyncStatus    SyncStatus `json:"syncStatus"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
	LastMessageAt int64      `json:"last_message_at"`
	LastSynced    *int64     `json:"lastSynced,omitempty"`
}

// Message belongs to a chat via ChatID. The chat does not hold a
// back-collection; membership is queried by index.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      Status       `json:"status"`
	SyncStatus  SyncStatus   `json:"syncStatus"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
	LastSynced  *int64       `json:"lastSynced,omitempty"`
}

// EntityKind distinguishes the two syncable collections.
type EntityKind string

const (
	KindChat    EntityKind = "chat"
	KindMessage EntityKind = "message"
)

func (k EntityKind) String() string { return string(k) }
