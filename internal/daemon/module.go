// Package daemon composes the sync engine's components into the
// long-running crewd process.
package daemon

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/crewchat/crew/internal/auth"
	"github.com/crewchat/crew/internal/bus"
	"github.com/crewchat/crew/internal/config"
	"github.com/crewchat/crew/internal/conn"
	"github.com/crewchat/crew/internal/convo"
	"github.com/crewchat/crew/internal/engine"
	"github.com/crewchat/crew/internal/lock"
	"github.com/crewchat/crew/internal/logging"
	"github.com/crewchat/crew/internal/msg"
	"github.com/crewchat/crew/internal/notify"
	"github.com/crewchat/crew/internal/observability"
	"github.com/crewchat/crew/internal/outbox"
	"github.com/crewchat/crew/internal/presence"
	"github.com/crewchat/crew/internal/rest"
	"github.com/crewchat/crew/internal/session"
	"github.com/crewchat/crew/internal/status"
	"github.com/crewchat/crew/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSession,
			provideConn,
			provideRESTClient,
			provideQueue,
			provideConvoStore,
			provideReconciler,
			providePresence,
			provideTypingEmitter,
			provideNotify,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if os.IsNotExist(err) {
		logger.Info("no config file, using defaults", zap.String("path", session.ConfigPath()))
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("server", cfg.ServerURL),
		zap.Int("maxReconnectAttempts", cfg.MaxReconnectAttempts))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideSession(p Params, b *bus.Bus, logger *zap.Logger) *auth.Session {
	tokens := &auth.FileTokenSource{Path: session.TokenPath(p.SessionName)}
	return auth.NewSession(tokens, func() {
		logger.Warn("session unauthorized, login required")
		b.Emit("session.expired", nil)
	})
}

func provideConn(cfg *config.Config, sess *auth.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		URL:               cfg.ServerURL,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		BaseDelay:         cfg.ReconnectBaseDelay(),
		KeepaliveInterval: cfg.KeepaliveInterval(),
	}, sess, machine, b, logger)
}

func provideRESTClient(cfg *config.Config, sess *auth.Session, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, sess, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, logger)
}

func provideConvoStore(client *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *convo.Store {
	return convo.NewStore(client, db, b, logger)
}

func provideReconciler(convos *convo.Store, logger *zap.Logger) *msg.Reconciler {
	return msg.NewReconciler(convos, logger)
}

func providePresence(cfg *config.Config, b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(b, cfg.TypingExpiry())
}

func provideTypingEmitter(cfg *config.Config, manager *conn.Manager, logger *zap.Logger) *presence.Emitter {
	return presence.NewEmitter(manager.Send, cfg.TypingDebounce(), logger)
}

func provideNotify(b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	// The daemon has no focus or audio surface of its own; notifications
	// go out on the bus for an attached front-end.
	return notify.NewDispatcher(notify.NoFocus{}, notify.NopSounder{}, notify.BusDesktop{Bus: b}, b, logger)
}

func provideEngine(
	manager *conn.Manager,
	client *rest.Client,
	db *store.DB,
	sess *auth.Session,
	queue *outbox.Queue,
	rec *msg.Reconciler,
	convos *convo.Store,
	track *presence.Tracker,
	disp *notify.Dispatcher,
	typing *presence.Emitter,
	b *bus.Bus,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Params{
		Conn:     manager,
		API:      client,
		DB:       db,
		Session:  sess,
		Queue:    queue,
		Rec:      rec,
		Convos:   convos,
		Presence: track,
		Notify:   disp,
		Bus:      b,
		Logger:   logger,
	}, typing)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	eng *engine.Engine,
	manager *conn.Manager,
	queue *outbox.Queue,
	db *store.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	var metricsSrv *http.Server
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reload sends that never made it out before the last shutdown.
			if err := queue.Load(); err != nil {
				logger.Warn("outbox reload failed", zap.Error(err))
			}

			eng.Start()

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", observability.Handler())
				metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			}

			go func() {
				if err := manager.Connect(); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			eng.Stop()
			manager.Close()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
