// Package outbox implements the push side of sync: a single-flight
// worker that uploads dirty entities to the server one at a time and
// reconciles local sync status with the outcome.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/converselabs/converse/internal/bus"
	"github.com/converselabs/converse/internal/store"
	"github.com/converselabs/converse/internal/transport"
	"go.uber.org/zap"
)

const (
	// backoffBase and backoffCap bound the retry delay for entities
	// whose last upload failed. A fresh local mutation resets the
	// delay so user activity is never held back by old failures.
	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

// ErrClosed is returned by WaitIdle when the queue shut down with work
// still pending, so callers can tell drain-complete from shutdown.
var ErrClosed = errors.New("push queue closed")

type job struct {
	kind store.EntityKind
	id   string
}

type failState struct {
	count  int
	nextAt int64
}

// Pusher owns the push queue. At most one upload is in flight at any
// time, so server writes from this client are never reordered relative
// to local mutation order.
type Pusher struct {
	db     *store.DB
	api    transport.API
	bus    *bus.Bus
	logger *zap.Logger
	now    func() int64

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []job
	queued   map[job]bool
	backoff  map[job]*failState
	draining bool
	closed   bool
	done     chan struct{}
}

// NewPusher creates the push queue. Start must be called before
// enqueued jobs drain.
func NewPusher(db *store.DB, api transport.API, b *bus.Bus, logger *zap.Logger) *Pusher {
	p := &Pusher{
		db:      db,
		api:     api,
		bus:     b,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
		queued:  make(map[job]bool),
		backoff: make(map[job]*failState),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the single worker goroutine.
func (p *Pusher) Start(ctx context.Context) {
	go p.worker(ctx)
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop shuts the worker down after the current job, if any, resolves.
func (p *Pusher) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.done
}

// Enqueue schedules a push for the entity. Idempotent: enqueuing an id
// already waiting collapses into one upload, and the worker re-reads
// the current row at drain time so the latest snapshot is what ships.
// An explicit enqueue also clears any retry backoff for the entity,
// since it signals a fresh local mutation.
func (p *Pusher) Enqueue(kind store.EntityKind, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoff, job{kind, id})
	p.enqueueLocked(job{kind, id})
}

// ResetBackoff clears all retry delays. Called on reconnect: failures
// accumulated while the link was down say nothing about the server,
// so the reconnect sweep retries everything immediately.
func (p *Pusher) ResetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.backoff)
}

// SyncAll sweeps the store for every record still needing to reach the
// server and enqueues each one that is due for retry. Used on
// reconnect and on the periodic sync cycle.
func (p *Pusher) SyncAll() error {
	chats, err := p.db.DirtyChats()
	if err != nil {
		return err
	}
	msgs, err := p.db.DirtyMessages()
	if err != nil {
		return err
	}

	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range chats {
		p.enqueueIfDueLocked(job{store.KindChat, chats[i].ID}, now)
	}
	for i := range msgs {
		p.enqueueIfDueLocked(job{store.KindMessage, msgs[i].ID}, now)
	}
	return nil
}

// WaitIdle blocks until the queue is empty and no upload is in flight,
// or ctx expires. The orchestrator uses this to finish the push sweep
// before pulling.
func (p *Pusher) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.draining {
		if p.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return ctx.Err()
}

func (p *Pusher) enqueueLocked(j job) {
	if p.closed || p.queued[j] {
		return
	}
	p.queued[j] = true
	p.queue = append(p.queue, j)
	p.cond.Broadcast()
}

func (p *Pusher) enqueueIfDueLocked(j job, now int64) {
	if fs := p.backoff[j]; fs != nil && now < fs.nextAt {
		return
	}
	p.enqueueLocked(j)
}

func (p *Pusher) worker(ctx context.Context) {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, j)
		p.draining = true
		p.mu.Unlock()

		p.drain(ctx, j)

		p.mu.Lock()
		p.draining = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// drain uploads one entity, reading the committed row first so a job
// enqueued before a later mutation still ships the newest snapshot.
func (p *Pusher) drain(ctx context.Context, j job) {
	switch j.kind {
	case store.KindChat:
		p.drainChat(ctx, j)
	case store.KindMessage:
		p.drainMessage(ctx, j)
	default:
		p.logger.Warn("push job with unknown kind dropped", zap.String("kind", j.kind.String()), zap.String("id", j.id))
	}
}

func (p *Pusher) drainChat(ctx context.Context, j job) {
	c, err := p.db.GetChat(j.id)
	if err != nil {
		p.logger.Error("read chat for push", zap.Error(err), zap.String("id", j.id))
		return
	}
	if c == nil || c.SyncStatus == store.SyncDone {
		return
	}

	winner, err := p.api.PushChat(ctx, c)
	if err != nil {
		p.recordFailure(j, c.UpdatedAt, err)
		return
	}

	if winner != nil && winner.UpdatedAt > c.UpdatedAt {
		p.adoptChat(c, winner)
		return
	}
	p.recordChatSuccess(j, c.UpdatedAt)
}

func (p *Pusher) drainMessage(ctx context.Context, j job) {
	m, err := p.db.GetMessage(j.id)
	if err != nil {
		p.logger.Error("read message for push", zap.Error(err), zap.String("id", j.id))
		return
	}
	if m == nil || m.SyncStatus == store.SyncDone {
		return
	}
	// Never upload an in-flight AI turn; the finalize transition
	// re-enqueues it.
	if m.Status.Streaming() {
		return
	}

	winner, err := p.api.PushMessage(ctx, m)
	if err != nil {
		p.recordFailure(j, m.UpdatedAt, err)
		return
	}

	if winner != nil && winner.UpdatedAt > m.UpdatedAt {
		p.adoptMessage(m, winner)
		return
	}
	p.recordMessageSuccess(j, m.UpdatedAt)
}

func (p *Pusher) recordChatSuccess(j job, pushedUpdatedAt int64) {
	applied, err := p.db.MarkChatSynced(j.id, pushedUpdatedAt, p.now())
	if err != nil {
		p.logger.Error("mark chat synced", zap.Error(err), zap.String("id", j.id))
		return
	}
	p.finishSuccess(j, applied)
}

func (p *Pusher) recordMessageSuccess(j job, pushedUpdatedAt int64) {
	applied, err := p.db.MarkMessageSynced(j.id, pushedUpdatedAt, p.now())
	if err != nil {
		p.logger.Error("mark message synced", zap.Error(err), zap.String("id", j.id))
		return
	}
	p.finishSuccess(j, applied)
}

func (p *Pusher) finishSuccess(j job, applied bool) {
	p.mu.Lock()
	delete(p.backoff, j)
	p.mu.Unlock()

	if !applied {
		// The row mutated while the upload was in flight; it is still
		// pending and a queued or swept job will push it again.
		p.logger.Info("push raced a newer mutation", zap.String("kind", j.kind.String()), zap.String("id", j.id))
	}
	p.bus.Publish(bus.Event{
		Kind:      bus.KindSyncPushed,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: j.kind.String(), ID: j.id},
	})
}

// adoptChat replaces the local copy with a newer server winner after a
// lost last-writer-wins race (this client pushed a stale edit). The
// write is conditional on the uploaded updated_at, so a mutation that
// landed mid-flight survives and the next push re-races.
func (p *Pusher) adoptChat(local *store.Chat, winner *store.Chat) {
	now := p.now()
	winner.SyncStatus = store.SyncDone
	winner.LastSynced = &now
	applied, err := p.db.AdoptChat(winner, local.UpdatedAt)
	if err != nil {
		p.logger.Error("adopt chat winner", zap.Error(err), zap.String("id", local.ID))
		return
	}
	if !applied {
		return
	}
	p.logger.Info("adopted newer server chat", zap.String("id", local.ID))
	p.bus.Publish(bus.Event{
		Kind:      bus.KindChatUpserted,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindChat.String(), ID: local.ID},
	})
}

func (p *Pusher) adoptMessage(local *store.Message, winner *store.Message) {
	now := p.now()
	winner.SyncStatus = store.SyncDone
	winner.LastSynced = &now
	applied, err := p.db.AdoptMessage(winner, local.UpdatedAt)
	if err != nil {
		p.logger.Error("adopt message winner", zap.Error(err), zap.String("id", local.ID))
		return
	}
	if !applied {
		return
	}
	p.logger.Info("adopted newer server message", zap.String("id", local.ID))
	p.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: store.KindMessage.String(), ID: local.ID, ChatID: local.ChatID},
	})
}

func (p *Pusher) recordFailure(j job, pushedUpdatedAt int64, cause error) {
	var markErr error
	switch j.kind {
	case store.KindChat:
		markErr = p.db.MarkChatSyncFailed(j.id, pushedUpdatedAt)
	case store.KindMessage:
		markErr = p.db.MarkMessageSyncFailed(j.id, pushedUpdatedAt)
	}
	if markErr != nil {
		p.logger.Error("mark sync failed", zap.Error(markErr), zap.String("id", j.id))
	}

	p.mu.Lock()
	fs := p.backoff[j]
	if fs == nil {
		fs = &failState{}
		p.backoff[j] = fs
	}
	fs.count++
	delay := backoffBase << uint(fs.count-1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	fs.nextAt = p.now() + delay.Milliseconds()
	attempts := fs.count
	p.mu.Unlock()

	p.logger.Warn("push failed",
		zap.Error(cause),
		zap.String("kind", j.kind.String()),
		zap.String("id", j.id),
		zap.Int("attempts", attempts),
	)
	p.bus.Publish(bus.Event{
		Kind:      bus.KindSyncPushFailed,
		Timestamp: time.Now(),
		Payload:   bus.EntityRef{Kind: j.kind.String(), ID: j.id},
	})
}
