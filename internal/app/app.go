// Package app wires the luavoice subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates the cache index,
// initialises the voice engine and builds the HTTP server; Run serves requests
// and runs periodic cache eviction until the context is cancelled; Shutdown
// releases external connections.
//
// For testing, inject doubles via functional options (WithIndex, WithListener,
// etc.). When an option is not provided, New creates real implementations from
// the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/luavoice/internal/cache"
	"github.com/MrWong99/luavoice/internal/config"
	"github.com/MrWong99/luavoice/internal/engine"
	"github.com/MrWong99/luavoice/internal/health"
	"github.com/MrWong99/luavoice/internal/observe"
	"github.com/MrWong99/luavoice/internal/resilience"
	"github.com/MrWong99/luavoice/internal/server"
)

// shutdownTimeout bounds the graceful HTTP drain.
const shutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	index    cache.Index
	engine   *engine.Engine
	server   *server.Server
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	listener net.Listener

	// Eviction settings, swapped on config reload.
	evictMu       sync.Mutex
	evictInterval time.Duration
	evictMaxAge   time.Duration
	evictRestart  context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndex injects a cache index instead of creating one from cache.redis.
func WithIndex(idx cache.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. New initialises the engine synchronously, so
// model detection and reference extraction happen before it returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		providers:     providers,
		evictInterval: cfg.Cache.EvictInterval,
		evictMaxAge:   cfg.Cache.MaxAge(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}

	// ── 1. Cache index ───────────────────────────────────────────────────
	var checkers []health.Checker
	if a.index == nil && cfg.Cache.Redis != nil {
		ri := a.initRedis(ctx, cfg.Cache.Redis)
		a.index = ri
		checkers = append(checkers, health.Ping("redis", ri))
	}

	// ── 2. Engine ────────────────────────────────────────────────────────
	a.engine = engine.New(engine.Config{
		Cloning:         a.providers.Cloning,
		Standard:        a.providers.Standard,
		Basic:           a.providers.Basic,
		ReferenceSource: cfg.Voice.Reference.Source,
		ReferencePath:   cfg.Voice.Reference.Path,
		CacheDir:        cfg.Cache.Dir,
		Index:           a.index,
		Language:        cfg.Voice.Language,
		Speaker:         cfg.Voice.Speaker,
		Style:           cfg.Voice.Style,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		},
		Metrics: a.metrics,
	})
	if _, err := a.engine.Initialize(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. HTTP server ───────────────────────────────────────────────────
	checkers = append(checkers,
		health.Condition("engine", func() bool { return a.engine.State() == engine.StateReady }),
		health.DirWritable("cache", cfg.Cache.Dir),
	)
	a.server = server.New(a.engine,
		server.WithRateLimit(cfg.Server.SpeakRateLimit.RPS, cfg.Server.SpeakRateLimit.Burst),
		server.WithHealth(health.New(checkers...)),
		server.WithMetricsHandler(observe.MetricsHandler()),
		server.WithMetrics(a.metrics),
	)

	return a, nil
}

// initRedis connects the Redis-backed cache index. A failed ping is logged,
// not fatal: index errors degrade lookups to misses.
func (a *App) initRedis(ctx context.Context, rc *config.RedisConfig) *cache.RedisIndex {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)

	idx := cache.NewRedisIndex(client, cache.WithPrefix(rc.Prefix))
	if err := idx.Ping(ctx); err != nil {
		slog.Warn("redis unreachable, cache index will degrade to misses", "addr", rc.Addr, "err", err)
	} else {
		slog.Info("redis cache index connected", "addr", rc.Addr)
	}
	return idx
}

// Engine returns the voice engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs periodic cache eviction until ctx is cancelled.
// A cancelled context is a clean exit and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener, shutdownTimeout)
		}
		var cert, key string
		if tls := a.cfg.Server.TLS; tls != nil {
			cert, key = tls.CertFile, tls.KeyFile
		}
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", cert != "")
		return a.server.ListenAndServe(gctx, a.cfg.Server.ListenAddr, cert, key, shutdownTimeout)
	})

	g.Go(func() error { return a.runEviction(gctx) })

	slog.Info("app running")
	return g.Wait()
}

// runEviction runs the engine eviction loop, restarting it whenever
// [App.ApplyConfig] changes the schedule.
func (a *App) runEviction(ctx context.Context) error {
	for {
		a.evictMu.Lock()
		interval, maxAge := a.evictInterval, a.evictMaxAge
		loopCtx, cancel := context.WithCancel(ctx)
		a.evictRestart = cancel
		a.evictMu.Unlock()

		slog.Debug("cache eviction scheduled", "interval", interval, "max_age", maxAge)
		err := a.engine.RunEviction(loopCtx, interval, maxAge)
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.EvictionChanged {
		a.evictMu.Lock()
		a.evictInterval = d.NewEvictInterval
		a.evictMaxAge = d.NewMaxAge
		restart := a.evictRestart
		a.evictMu.Unlock()
		if restart != nil {
			restart()
		}
		slog.Info("cache eviction rescheduled", "interval", d.NewEvictInterval, "max_age", d.NewMaxAge)
	}

	for _, field := range d.RestartRequired {
		slog.Warn("config change requires a restart to take effect", "field", field)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases external connections. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs closers after a failed New.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
