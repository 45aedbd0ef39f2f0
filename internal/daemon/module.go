// Package daemon composes the sync engine into a runnable fx
// application: local store, push queue, pull reconciler, orchestrator,
// and the connectivity probe, with lifecycle hooks tying them to
// process start and stop.
package daemon

import (
	"context"
	"net/http"

	"github.com/converselabs/converse/internal/bus"
	"github.com/converselabs/converse/internal/chat"
	"github.com/converselabs/converse/internal/config"
	"github.com/converselabs/converse/internal/lock"
	"github.com/converselabs/converse/internal/logging"
	"github.com/converselabs/converse/internal/netstatus"
	"github.com/converselabs/converse/internal/outbox"
	"github.com/converselabs/converse/internal/session"
	"github.com/converselabs/converse/internal/store"
	"github.com/converselabs/converse/internal/stream"
	intsync "github.com/converselabs/converse/internal/sync"
	"github.com/converselabs/converse/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the sync daemon.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideStreams,
			provideMachine,
			provideProbe,
			provideTransport,
			providePusher,
			provideMutators,
			provideReconciler,
			provideOrchestrator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(_ Params) (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStreams() *stream.Registry {
	return stream.NewRegistry()
}

func provideMachine(b *bus.Bus) *netstatus.Machine {
	return netstatus.NewMachine(b)
}

func provideProbe(cfg *config.Config, machine *netstatus.Machine, logger *zap.Logger) *netstatus.Probe {
	return netstatus.NewProbe(machine, cfg.ServerURL, 0, logger)
}

func provideTransport(cfg *config.Config) transport.API {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	token := func() string { return cfg.Token }
	return transport.NewClient(cfg.ServerURL, token, httpClient)
}

func providePusher(db *store.DB, api transport.API, b *bus.Bus, logger *zap.Logger) *outbox.Pusher {
	return outbox.NewPusher(db, api, b, logger)
}

func provideMutators(db *store.DB, pusher *outbox.Pusher, streams *stream.Registry, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, pusher, streams, b, logger)
}

func provideReconciler(db *store.DB, api transport.API, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, api, b, logger)
}

func provideOrchestrator(cfg *config.Config, db *store.DB, pusher *outbox.Pusher, rec *intsync.Reconciler, machine *netstatus.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.NewOrchestrator(db, pusher, rec, machine, b, logger, cfg.SyncInterval())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, pusher *outbox.Pusher, orch *intsync.Orchestrator, probe *netstatus.Probe, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			pusher.Start(context.Background())
			orch.Start(context.Background())
			probe.Start(context.Background())
			logger.Info("sync daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			probe.Stop()
			orch.Stop()
			pusher.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync daemon stopped")
			return nil
		},
	})
}
