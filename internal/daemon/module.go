package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/cache"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/config"
	"github.com/pigeonai/pigeon/internal/connectivity"
	"github.com/pigeonai/pigeon/internal/lock"
	"github.com/pigeonai/pigeon/internal/logging"
	"github.com/pigeonai/pigeon/internal/natsx"
	"github.com/pigeonai/pigeon/internal/outbox"
	"github.com/pigeonai/pigeon/internal/push"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/session"
	"github.com/pigeonai/pigeon/internal/store"
	intsync "github.com/pigeonai/pigeon/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Engine overrides the session's pigeon.toml when set.
	Engine *config.Engine
	// Logger overrides the session log file when set.
	Logger *zap.Logger
	// LogLevel overrides log.level from the global config.
	LogLevel string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideEngineConfig,
			provideBus,
			provideLock,
			provideStore,
			provideNATS,
			provideRemote,
			provideGuarded,
			providePush,
			provideNetwork,
			provideMonitor,
			provideProcessor,
			provideCoordinator,
			provideFeed,
			provideProfiles,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	global, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if p.LogLevel != "" {
		global.Log.Level = p.LogLevel
	}
	level, err := global.Log.ZapLevel()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   level,
		Quiet:   global.Log.Quiet,
	})
}

func provideEngineConfig(p Params, logger *zap.Logger) (*config.Engine, error) {
	cfg := p.Engine
	if cfg == nil {
		var err error
		if cfg, err = config.LoadEngine(session.EngineConfigPath(p.SessionName)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	logger.Info("engine configured",
		zap.String("user_id", cfg.UserID),
		zap.String("backend", cfg.Remote.Backend),
		zap.String("connectivity", cfg.Connectivity.Source))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// natsRuntime is the NATS side of the daemon; all fields are nil with the
// memory backend.
type natsRuntime struct {
	server *natsx.EmbeddedServer
	conn   *natsx.Conn
	source *connectivity.NATS
}

func provideNATS(p Params, cfg *config.Engine, logger *zap.Logger) (*natsRuntime, error) {
	rt := &natsRuntime{}
	if cfg.Remote.Backend != config.BackendNATS {
		return rt, nil
	}

	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		storeDir := cfg.NATS.StoreDir
		if storeDir == "" {
			storeDir = session.NATSDir(p.SessionName)
		}
		port := cfg.NATS.Port
		if port == 0 {
			port = -1
		}
		srv, err := natsx.StartServer(natsx.ServerConfig{Port: port, StoreDir: storeDir})
		if err != nil {
			return nil, err
		}
		rt.server = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", url), zap.String("store_dir", storeDir))
	}

	rt.source = connectivity.NewNATS()
	conn, err := natsx.Connect(url, logger, rt.source.Options()...)
	if err != nil {
		rt.shutdown(context.Background())
		return nil, err
	}
	rt.source.Attach(conn.NC)
	rt.conn = conn
	logger.Info("connected to NATS", zap.String("url", url))
	return rt, nil
}

func (rt *natsRuntime) shutdown(ctx context.Context) {
	rt.conn.Close()
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
}

func provideRemote(cfg *config.Engine, rt *natsRuntime, logger *zap.Logger) (remote.Store, error) {
	if rt.conn == nil {
		mem := remote.NewMemory()
		// A personal notes conversation so a standalone daemon has somewhere
		// to send.
		mem.PutConversation(chat.Conversation{ID: "notes", Type: chat.Direct, Participants: []string{cfg.UserID}})
		logger.Info("using in-process remote store")
		return mem, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.WriteTimeout.Duration)
	defer cancel()
	kv, err := remote.NewKV(ctx, rt.conn.JS, remote.KVConfig{
		MessagesBucket:      cfg.NATS.MessagesBucket,
		ConversationsBucket: cfg.NATS.ConversationsBucket,
		ProfilesBucket:      cfg.NATS.ProfilesBucket,
		SelfID:              cfg.UserID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	return kv, nil
}

func provideGuarded(rs remote.Store, cfg *config.Engine, logger *zap.Logger) *remote.Guarded {
	return remote.NewGuarded(rs, remote.BreakerConfig{
		Name:             "remote-write",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout.Duration,
		WriteTimeout:     cfg.Sync.WriteTimeout.Duration,
	}, logger)
}

func providePush(cfg *config.Engine, rt *natsRuntime) (push.Dispatcher, error) {
	if rt.conn == nil {
		return push.Nop{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.WriteTimeout.Duration)
	defer cancel()
	pd, err := push.NewNATS(ctx, rt.conn.JS, cfg.NATS.PushStream, cfg.NATS.PushSubject)
	if err != nil {
		return nil, fmt.Errorf("push dispatcher: %w", err)
	}
	return pd, nil
}

// network is the selected connectivity source. manual and probe are set only
// for those source kinds.
type network struct {
	source connectivity.Source
	manual *connectivity.Manual
	probe  *connectivity.Probe
}

func provideNetwork(cfg *config.Engine, rt *natsRuntime) *network {
	switch cfg.Connectivity.Source {
	case config.SourceNATS:
		return &network{source: rt.source}
	case config.SourceProbe:
		p := connectivity.NewProbe(cfg.Connectivity.ProbeAddr, cfg.Connectivity.ProbeInterval.Duration, cfg.Connectivity.ProbeTimeout.Duration)
		return &network{source: p, probe: p}
	default:
		m := connectivity.NewManual(true)
		return &network{source: m, manual: m}
	}
}

func provideMonitor(n *network, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(n.source, b, logger)
}

func provideProcessor(db *store.DB, rs *remote.Guarded, pd push.Dispatcher, mon *connectivity.Monitor, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) *outbox.Processor {
	return outbox.NewProcessor(db, rs, pd, mon, b, logger, outbox.Config{
		MaxRetries:    cfg.Outbox.MaxRetries,
		FlushInterval: cfg.Outbox.FlushInterval.Duration,
		ReplayRate:    cfg.Outbox.ReplayRate,
		PushTimeout:   cfg.Sync.WriteTimeout.Duration,
	})
}

func provideCoordinator(db *store.DB, rs *remote.Guarded, pd push.Dispatcher, mon *connectivity.Monitor, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, rs, pd, mon, b, logger, intsync.Config{
		SelfID:            cfg.UserID,
		Tolerance:         cfg.Sync.MatchTolerance.Duration,
		SideEffectTimeout: cfg.Sync.WriteTimeout.Duration,
		FetchTimeout:      cfg.Sync.WriteTimeout.Duration,
	})
}

func provideFeed(db *store.DB, rs *remote.Guarded, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) *intsync.ConversationFeed {
	return intsync.NewConversationFeed(db, rs, b, logger, cfg.UserID)
}

func provideProfiles(db *store.DB, rs *remote.Guarded, logger *zap.Logger) *cache.Profiles {
	return cache.NewProfiles(db, rs, logger)
}

func provideSyncService(
	p Params,
	cfg *config.Engine,
	db *store.DB,
	b *bus.Bus,
	coord *intsync.Coordinator,
	feed *intsync.ConversationFeed,
	proc *outbox.Processor,
	mon *connectivity.Monitor,
	n *network,
	profiles *cache.Profiles,
	rs *remote.Guarded,
	logger *zap.Logger,
) *api.SyncService {
	return api.NewSyncService(api.Deps{
		SessionName: p.SessionName,
		UserID:      cfg.UserID,
		DB:          db,
		Bus:         b,
		Coordinator: coord,
		Feed:        feed,
		Processor:   proc,
		Network:     mon,
		Manual:      n.manual,
		Profiles:    profiles,
		Breaker:     rs,
		Logger:      logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	rt *natsRuntime,
	n *network,
	mon *connectivity.Monitor,
	proc *outbox.Processor,
	coord *intsync.Coordinator,
	feed *intsync.ConversationFeed,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if _, err := proc.Recover(); err != nil {
				return fmt.Errorf("recover interrupted sends: %w", err)
			}

			// Reconnect order: replay the queue, then reattach listeners.
			mon.OnReconnect("outbox.drain", func(ctx context.Context) error {
				_, err := proc.Drain(ctx)
				return err
			})
			mon.OnReconnect("sync.resubscribe", coord.Resubscribe)
			mon.OnReconnect("sync.conversations", feed.Resubscribe)

			if n.probe != nil {
				go n.probe.Run(runCtx)
			}
			mon.Start(runCtx)
			coord.Start(runCtx)
			proc.Start(runCtx)

			if mon.Online() {
				if err := feed.Resubscribe(runCtx); err != nil {
					logger.Warn("conversation feed unavailable", zap.Error(err))
				}
				go func() {
					if _, err := proc.Drain(runCtx); err != nil {
						logger.Error("startup drain failed", zap.Error(err))
					}
				}()
			}

			go func() {
				for {
					select {
					case err := <-coord.Errors():
						logger.Error("conversation subscription ended", zap.Error(err))
					case <-runCtx.Done():
						return
					}
				}
			}()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			cancel()
			mon.Stop()
			feed.Close()
			coord.Stop()
			proc.Stop()
			if rt.conn != nil {
				rt.shutdown(ctx)
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
