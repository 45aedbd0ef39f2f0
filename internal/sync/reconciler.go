// Package sync implements the pull side of the engine and the
// orchestrator that sequences push sweeps, pulls, and the watermark.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/converselabs/converse/internal/bus"
	"github.com/converselabs/converse/internal/store"
	"github.com/converselabs/converse/internal/transport"
	"go.uber.org/zap"
)

// Reconciler fetches server-side changes since a watermark and merges
// them into the local store with per-record last-writer-wins.
type Reconciler struct {
	db     *store.DB
	api    transport.API
	bus    *bus.Bus
	logger *zap.Logger
	now    func() int64
}

// NewReconciler creates a pull reconciler.
func NewReconciler(db *store.DB, api transport.API, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Pull fetches everything changed on the server since the given
// watermark and merges it. On success it returns the new watermark:
// the pull's start wall-clock time, not the max updated_at seen, so
// clock skew between a server write and this fetch cannot hide later
// updates. Each collection merges all-or-nothing; any failure leaves
// the watermark unadvanced and the caller retries next cycle.
func (r *Reconciler) Pull(ctx context.Context, since int64) (int64, error) {
	start := r.now()

	remoteChats, err := r.api.ChatsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetch chats: %w", err)
	}
	if err := r.mergeChats(remoteChats, start); err != nil {
		return 0, fmt.Errorf("merge chats: %w", err)
	}

	remoteMsgs, err := r.api.MessagesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetch messages: %w", err)
	}
	if err := r.mergeMessages(remoteMsgs, start); err != nil {
		return 0, fmt.Errorf("merge messages: %w", err)
	}

	r.bus.Publish(bus.Event{
		Kind:      bus.KindSyncPulled,
		Timestamp: time.Now(),
		Payload:   PullStats{Chats: len(remoteChats), Messages: len(remoteMsgs)},
	})
	return start, nil
}

// mergeChats applies the winners in one transaction. A remote record
// unknown locally lands as-is with sync_status=done; a known record is
// overwritten only when the remote updated_at is strictly newer. A
// local copy that ties or wins stays untouched and still pending, so
// the next push sweep re-asserts it to the server. The read here only
// filters events; the batch re-checks updated_at inside each upsert,
// so a mutation committed between this read and the batch still wins.
func (r *Reconciler) mergeChats(remote []store.Chat, syncedAt int64) error {
	var apply []store.Chat
	for i := range remote {
		rc := remote[i]
		local, err := r.db.GetChat(rc.ID)
		if err != nil {
			return fmt.Errorf("read local chat %s: %w", rc.ID, err)
		}
		if local != nil && local.UpdatedAt >= rc.UpdatedAt {
			continue
		}
		rc.SyncStatus = store.SyncDone
		rc.LastSynced = &syncedAt
		apply = append(apply, rc)
	}
	if err := r.db.MergeChatsBatch(apply); err != nil {
		return err
	}
	for i := range apply {
		r.publishChat(&apply[i])
	}
	return nil
}

func (r *Reconciler) mergeMessages(remote []store.Message, syncedAt int64) error {
	var apply []store.Message
	for i := range remote {
		rm := remote[i]
		local, err := r.db.GetMessage(rm.ID)
		if err != nil {
			return fmt.Errorf("read local message %s: %w", rm.ID, err)
		}
		if local != nil && local.UpdatedAt >= rm.UpdatedAt {
			continue
		}
		rm.SyncStatus = store.SyncDone
		rm.LastSynced = &syncedAt
		apply = append(apply, rm)
	}
	if err := r.db.MergeMessagesBatch(apply); err != nil {
		return err
	}
	for i := range apply {
		r.publishMessage(&apply[i])
	}
	return nil
}

func (r *Reconciler) publishChat(c *store.Chat) {
	kind := bus.KindChatUpserted
	if c.Status == store.StatusDeleted {
		kind = bus.KindChatDeleted
	}
	r.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindChat.String(), ID: c.ID},
	})
}

func (r *Reconciler) publishMessage(m *store.Message) {
	kind := bus.KindMessageUpserted
	if m.Status == store.StatusDeleted {
		kind = bus.KindMessageDeleted
	}
	r.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindMessage.String(), ID: m.ID, ChatID: m.ChatID},
	})
}

// PullStats is the payload for pull completion events.
type PullStats struct {
	Chats    int
	Messages int
}
