// Package app wires the engine together: store, classifier, sinks, scheduler,
// HTTP API and broker ingestion.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/telhawk-trap/common/config"
	"github.com/telhawk-systems/telhawk-trap/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-trap/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-trap/common/middleware"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/checkpoint"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/enricher"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/handlers"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/risk"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/scheduler"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/server"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/service"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/factory"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sqlsink"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/store"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/subscriber"
)

// App is a fully wired engine.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Ingest    *service.IngestService
	Query     *service.QueryService
	Handler   *handlers.Handler

	server     *server.Server
	subscriber *subscriber.Subscriber
	closers    []io.Closer
}

// Options overrides pieces of the wiring, mainly for tests.
type Options struct {
	Fs afero.Fs
}

// New builds every component described by cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	a := &App{cfg: cfg, logger: logger}

	profile, err := loadProfile(cfg.Risk)
	if err != nil {
		return nil, err
	}
	logger.Info("risk profile loaded", "ports", profile.Len(), "path", cfg.Risk.ProfilePath)

	deps := factory.Deps{Logger: logger, Fs: opts.Fs}

	if cfg.Redis.Enabled {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb)
		deps.Checkpoints = checkpoint.NewStore(rdb, cfg.Redis.KeyPrefix)
		logger.Info("redis checkpoints enabled", "url", cfg.Redis.URL)
	}

	var nc *natsclient.JetStreamClient
	if cfg.NATS.Enabled {
		ncfg := natsclient.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.MaxReconnects = cfg.NATS.MaxReconnects
		if cfg.NATS.ReconnectWait > 0 {
			ncfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		nc, err = natsclient.NewJetStreamClient(ncfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, nc)
		deps.Streams = nc
	}

	sinks, startAfter, err := a.buildSinks(ctx, deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Store = store.New(store.Options{
		MaxEvents:  cfg.Store.MaxEvents,
		StartAfter: startAfter,
		Logger:     logger,
	})
	a.Scheduler = scheduler.New(a.Store, logger)
	for _, b := range sinks {
		if err := a.Scheduler.Register(b.sink, scheduler.SettingsFrom(b.cfg), startAfter); err != nil {
			a.Close()
			return nil, err
		}
	}

	enr, err := enricher.New(enricher.Config{
		Window:             cfg.Ingest.ReconnectWindow,
		ReconnectThreshold: cfg.Ingest.ReconnectThreshold,
		CacheSize:          cfg.Ingest.ReconnectCacheSize,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ingest = service.NewIngestService(a.Store, enr, risk.NewClassifier(profile), a.Scheduler, logger)
	a.Query = service.NewQueryService(a.Store, a.Scheduler, logger,
		service.WithProfile(profile),
		service.WithSQLDialect(exportDialect(cfg.Sinks)))
	a.Handler = handlers.New(a.Ingest, a.Query, cfg.Ingest.MaxBodyBytes, logger)

	ropts := server.Options{Logger: logger, CORS: middleware.DefaultCORSConfig()}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		ropts.CORS.AllowedOrigins = cfg.CORS.AllowedOrigins
	}
	if cfg.Auth.JWTSecret != "" {
		ropts.Auth = middleware.NewTokenAuth(cfg.Auth.JWTSecret)
	}
	a.server = server.New(cfg.Server, server.NewRouter(a.Handler, ropts), logger)

	if nc != nil {
		a.subscriber = subscriber.New(nc, a.Ingest, cfg.Ingest.NATSSubject, cfg.Ingest.NATSQueue, logger)
	}
	return a, nil
}

type builtSink struct {
	sink sink.Sink
	cfg  config.SinkConfig
}

// buildSinks constructs every enabled sink and returns the highest checkpoint
// any of them reports. IDs continue after it so a sink never sees an ID it
// already committed in an earlier run.
func (a *App) buildSinks(ctx context.Context, deps factory.Deps) ([]builtSink, uint64, error) {
	var (
		out        []builtSink
		startAfter uint64
	)
	for _, sc := range a.cfg.Sinks {
		if sc.Disabled {
			a.logger.Info("sink disabled in configuration", logging.Sink(sc.Name))
			continue
		}
		sk, err := factory.Build(ctx, sc, deps)
		if err != nil {
			return nil, 0, fmt.Errorf("build sink %q: %w", sc.Name, err)
		}
		if c, ok := sk.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
		out = append(out, builtSink{sink: sk, cfg: sc})

		if cp, ok := sk.(sink.Checkpointer); ok {
			id, err := a.readCheckpoint(ctx, sc.Name, cp)
			if err != nil {
				return nil, 0, err
			}
			startAfter = max(startAfter, id)
			a.logger.Info("sink registered", logging.Sink(sc.Name), logging.SinkKind(sk.Kind()), "checkpoint", id)
		} else {
			a.logger.Info("sink registered", logging.Sink(sc.Name), logging.SinkKind(sk.Kind()))
		}
	}
	return out, startAfter, nil
}

// checkpointAttempts and checkpointRetryWait bound how long startup waits for
// a sink to report its checkpoint.
var (
	checkpointAttempts  = 3
	checkpointRetryWait = 2 * time.Second
)

// readCheckpoint retries a sink's checkpoint. Starting without it could hand
// out IDs the sink already holds from an earlier run.
func (a *App) readCheckpoint(ctx context.Context, name string, cp sink.Checkpointer) (uint64, error) {
	var err error
	for attempt := 1; attempt <= checkpointAttempts; attempt++ {
		var id uint64
		if id, err = cp.Checkpoint(ctx); err == nil {
			return id, nil
		}
		a.logger.Warn("sink checkpoint unavailable", logging.Sink(name), logging.Error(err), "attempt", attempt)
		if attempt == checkpointAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(checkpointRetryWait):
		}
	}
	return 0, fmt.Errorf("read checkpoint of sink %q: %w", name, err)
}

// Run starts the engine and blocks until ctx is cancelled or the HTTP server
// fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.Scheduler.Start(context.WithoutCancel(ctx))
	if a.subscriber != nil {
		if err := a.subscriber.Start(); err != nil {
			a.shutdown()
			return err
		}
	}
	errCh := a.server.Start()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err, ok := <-errCh:
		if ok && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	grace := a.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if a.subscriber != nil {
		if err := a.subscriber.Stop(); err != nil {
			a.logger.Warn("unsubscribe failed", logging.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("http shutdown failed", logging.Error(err))
	}

	a.Scheduler.Stop(grace)
	a.Close()
	a.logger.Info("shutdown complete")
}

// Close releases sink connections and broker clients.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", logging.Error(err))
		}
	}
	a.closers = nil
}

func loadProfile(cfg config.RiskConfig) (*risk.Profile, error) {
	if cfg.ProfilePath == "" {
		return risk.DefaultProfile(), nil
	}
	p, err := risk.LoadProfileFile(cfg.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("load risk profile: %w", err)
	}
	return p, nil
}

// exportDialect picks the dialect of on-demand SQL exports from the first
// configured SQL sink.
func exportDialect(sinks []config.SinkConfig) sqlsink.Dialect {
	for _, sc := range sinks {
		if sc.Type == config.SinkSQL || sc.Type == config.SinkSQLDump {
			if d, err := sqlsink.DialectFor(sc.Database.Backend); err == nil {
				return d
			}
		}
	}
	return sqlsink.SQLite
}
