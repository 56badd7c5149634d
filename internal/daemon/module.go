package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/api"
	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/config"
	"github.com/matheus3301/bizsync/internal/conn"
	"github.com/matheus3301/bizsync/internal/credential"
	"github.com/matheus3301/bizsync/internal/lock"
	"github.com/matheus3301/bizsync/internal/logging"
	"github.com/matheus3301/bizsync/internal/metrics"
	"github.com/matheus3301/bizsync/internal/rest"
	"github.com/matheus3301/bizsync/internal/session"
	"github.com/matheus3301/bizsync/internal/store"
	intsync "github.com/matheus3301/bizsync/internal/sync"
	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

// Exit codes reported through fx.Shutdowner.
const (
	ExitConnectionFailed = 1
	ExitSessionExpired   = 2
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.bizsync/config.toml
	LogLevel    string
	Console     bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideREST,
			provideCredentials,
			provideTransport,
			provideManager,
			provideSyncEngine,
			provideCore,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, config.Bootstrap, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, config.Bootstrap{}, fmt.Errorf("load config %s: %w", path, err)
	}
	boot, err := cfg.LoadEnv(session.EnvPath(p.SessionName))
	if err != nil {
		return nil, config.Bootstrap{}, err
	}
	cfg.ApplyDefaults()
	if _, err := cfg.Validate(); err != nil {
		return nil, config.Bootstrap{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, boot, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), logging.Options{
		Session:  p.SessionName,
		Identity: cfg.IdentityModel().Key(),
		Level:    logging.ParseLevel(p.LogLevel),
		Console:  p.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics(cfg *config.Config) metrics.Recorder {
	return metrics.New(cfg.Metrics.Enabled)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), cfg.IdentityModel().Key())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened unlocked.
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

func provideREST(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.Server.RestURL, cfg.IdentityModel())
}

func provideCredentials(db *store.DB, rc *rest.Client, boot config.Bootstrap, logger *zap.Logger) (*credential.Provider, error) {
	p := credential.NewProvider(db, rc, logger)
	if boot.AccessToken != "" {
		seeded, err := p.Seed(context.Background(), credential.Pair{
			AccessToken:  boot.AccessToken,
			RefreshToken: boot.RefreshToken,
		})
		if err != nil {
			return nil, err
		}
		if seeded {
			logger.Info("credentials seeded from environment")
		}
	}
	rc.SetTokenSource(p)
	return p, nil
}

func provideTransport(cfg *config.Config) transport.Transport {
	return transport.NewWebSocket(cfg.Server.SocketURL, transport.WebSocketOptions{})
}

func provideManager(cfg *config.Config, creds *credential.Provider, tr transport.Transport, b *bus.Bus, rec metrics.Recorder, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		Credentials: creds,
		Transport:   tr,
		Backoff: transport.BackoffConfig{
			Base:        cfg.Reconnect.BaseDelay,
			Max:         cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		HandshakeTimeout: cfg.Timeouts.Handshake,
		AuthTimeout:      cfg.Timeouts.Ack,
		Bus:              b,
		Metrics:          rec,
		Logger:           logger,
	})
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideCore(cfg *config.Config, db *store.DB, rc *rest.Client, m *conn.Manager, engine *intsync.Engine, b *bus.Bus, rec metrics.Recorder, logger *zap.Logger, sd fx.Shutdowner) *Core {
	return NewCore(CoreDeps{
		Identity:   cfg.IdentityModel(),
		AckTimeout: cfg.Timeouts.Ack,
		Store:      db,
		REST:       rc,
		Manager:    m,
		Engine:     engine,
		Bus:        b,
		Metrics:    rec,
		Logger:     logger,
		OnFatal: func(err error) {
			_ = sd.Shutdown(fx.ExitCode(exitCode(logger, err)))
		},
	})
}

// exitCode logs a fatal connection error and maps it to the process exit code.
func exitCode(logger *zap.Logger, err error) int {
	if errors.Is(err, syncerr.ErrAuthExpired) {
		logger.Error("session expired, please log in again", zap.Error(err))
		return ExitSessionExpired
	}
	logger.Error("connection failed, shutting down", zap.Error(err))
	return ExitConnectionFailed
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, core *Core, engine *intsync.Engine, rec metrics.Recorder, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if warnings, _ := cfg.Validate(); len(warnings) > 0 {
				for _, w := range warnings {
					logger.Warn("config", zap.String("warning", w))
				}
			}

			if err := core.Start(ctx); err != nil {
				exitCode(logger, err)
				return err
			}

			deps := api.Deps{
				Session:     p.SessionName,
				Identity:    cfg.IdentityModel(),
				Connection:  core.State,
				Dashboard:   core.Dashboard(),
				Room:        core.Room(),
				Outbox:      core.Outbox(),
				Checkpoints: engine.Reconciler(),
				Logger:      logger,
			}
			if cfg.Metrics.Enabled {
				deps.Metrics = rec.Handler()
			}

			go func() {
				if err := srv.Start(api.NewRouter(deps)); err != nil {
					logger.Error("API server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			core.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
