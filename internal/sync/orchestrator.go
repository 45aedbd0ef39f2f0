package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/converselabs/converse/internal/bus"
	"github.com/converselabs/converse/internal/netstatus"
	"github.com/converselabs/converse/internal/outbox"
	"github.com/converselabs/converse/internal/store"
	"go.uber.org/zap"
)

// Orchestrator ties timers and connectivity to push and pull. Each
// cycle pushes everything locally dirty first, then pulls: that
// ordering shrinks the window in which a pull could see a record as
// remote-wins only because its push had not happened yet.
type Orchestrator struct {
	db       *store.DB
	pusher   *outbox.Pusher
	rec      *Reconciler
	machine  *netstatus.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator creates the sync cycle driver.
func NewOrchestrator(db *store.DB, pusher *outbox.Pusher, rec *Reconciler, machine *netstatus.Machine, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Orchestrator{
		db:       db,
		pusher:   pusher,
		rec:      rec,
		machine:  machine,
		bus:      b,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the cycle loop: one cycle at startup, one on every
// transition to Online, and one per interval tick. Cycles run on a
// single goroutine, so a pull never observes a half-pushed state from
// a concurrent cycle.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	events, unsub := o.bus.Subscribe(bus.KindNetStatus, 16)

	go func() {
		defer close(o.done)
		defer unsub()

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		o.RunCycle(ctx)
		for {
			select {
			case <-ticker.C:
				o.RunCycle(ctx)
			case evt := <-events:
				if change, ok := evt.Payload.(netstatus.StatusChange); ok && change.To == netstatus.Online && change.From == netstatus.Offline {
					o.pusher.ResetBackoff()
					o.RunCycle(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the cycle loop.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

// RunCycle performs one push-then-pull pass. The watermark advances
// only when the pull fully succeeds.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if !o.machine.Connected() {
		return
	}
	_ = o.machine.Transition(netstatus.Syncing)

	if err := o.pusher.SyncAll(); err != nil {
		o.logger.Error("push sweep", zap.Error(err))
		_ = o.machine.Transition(netstatus.Degraded)
		return
	}
	if err := o.pusher.WaitIdle(ctx); err != nil {
		o.logger.Warn("push drain interrupted", zap.Error(err))
		_ = o.machine.Transition(netstatus.Degraded)
		return
	}

	since, err := o.Watermark()
	if err != nil {
		o.logger.Error("read watermark", zap.Error(err))
		_ = o.machine.Transition(netstatus.Degraded)
		return
	}

	mark, err := o.rec.Pull(ctx, since)
	if err != nil {
		o.logger.Warn("pull failed, watermark unchanged", zap.Error(err), zap.Int64("since", since))
		_ = o.machine.Transition(netstatus.Degraded)
		return
	}
	if err := o.db.SetCheckpoint(store.WatermarkKey, strconv.FormatInt(mark, 10)); err != nil {
		o.logger.Error("persist watermark", zap.Error(err))
		_ = o.machine.Transition(netstatus.Degraded)
		return
	}

	o.logger.Info("sync cycle complete", zap.Int64("watermark", mark))
	_ = o.machine.Transition(netstatus.Online)
}

// Watermark reads the persisted pull watermark; zero means no pull has
// ever succeeded and the next pull fetches everything.
func (o *Orchestrator) Watermark() (int64, error) {
	raw, err := o.db.Checkpoint(store.WatermarkKey)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
