// Package server assembles the scheduler from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mediagen/internal/account"
	accountmemory "github.com/JakeFAU/mediagen/internal/account/memory"
	accountredis "github.com/JakeFAU/mediagen/internal/account/redis"
	"github.com/JakeFAU/mediagen/internal/api"
	"github.com/JakeFAU/mediagen/internal/cache"
	cachememory "github.com/JakeFAU/mediagen/internal/cache/memory"
	cacheredis "github.com/JakeFAU/mediagen/internal/cache/redis"
	"github.com/JakeFAU/mediagen/internal/cachekey"
	"github.com/JakeFAU/mediagen/internal/clock"
	"github.com/JakeFAU/mediagen/internal/config"
	"github.com/JakeFAU/mediagen/internal/dispatcher"
	"github.com/JakeFAU/mediagen/internal/events"
	"github.com/JakeFAU/mediagen/internal/events/sinks"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/id/uuid"
	"github.com/JakeFAU/mediagen/internal/lifecycle"
	"github.com/JakeFAU/mediagen/internal/metrics"
	"github.com/JakeFAU/mediagen/internal/policy/ratelimit"
	"github.com/JakeFAU/mediagen/internal/poller"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/queue/memory"
	"github.com/JakeFAU/mediagen/internal/quota"
	"github.com/JakeFAU/mediagen/internal/storage"
	storagememory "github.com/JakeFAU/mediagen/internal/storage/memory"
	"github.com/JakeFAU/mediagen/internal/storage/postgres"
	"github.com/JakeFAU/mediagen/internal/telemetry"
	"github.com/JakeFAU/mediagen/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       genjob.JobStore
	cache       cache.Store
	accounts    *account.Registry
	providers   *provider.Registry
	manager     *lifecycle.Manager
	hub         *events.Hub
	broadcaster *sinks.Broadcaster
	queue       *memory.Queue
	dispatch    *dispatcher.Dispatcher
	poll        *poller.Poller
	apiServer   *api.Server

	// closers run in reverse registration order on Close.
	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	clk := clock.New()
	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := a.setupCache(clk); err != nil {
		return nil, err
	}
	if err := a.setupAccounts(clk); err != nil {
		return nil, err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.setupProviders(blobs); err != nil {
		return nil, err
	}
	if err := a.setupEvents(ctx); err != nil {
		return nil, err
	}

	ttl := cache.DefaultTTLTable()
	for name, d := range cfg.Cache.TTL {
		ttl[genjob.CacheStrategy(name)] = d
	}
	var quotaChecker genjob.QuotaChecker = genjob.AllowAll{}
	if cfg.Quota.PerMinute > 0 {
		overrides := make(map[string]ratelimit.Rule, len(cfg.Quota.Overrides))
		for owner, rule := range cfg.Quota.Overrides {
			overrides[owner] = ratelimit.Rule{RPS: rule.RPS, Burst: rule.Burst}
		}
		quotaChecker = quota.New(cfg.Quota.PerMinute, cfg.Quota.Burst, overrides)
	}

	a.manager, err = lifecycle.New(lifecycle.Deps{
		Store:     a.store,
		Cache:     a.cache,
		TTL:       ttl,
		Keys:      cachekey.New(cfg.Scheduler.SchemaVersion),
		Providers: a.providers,
		Accounts:  a.accounts,
		Quota:     quotaChecker,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     clk,
		Events:    a.hub,
		Blobs:     blobs,
		Logger:    logger,
	}, lifecycle.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		DefaultMaxWait: cfg.Scheduler.DefaultMaxWait,
		AssetPrefix:    cfg.Storage.Prefix,
		CancelRetries:  cfg.Retry.CancelRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle init failed: %w", err)
	}

	if err := a.setupScheduler(clk); err != nil {
		return nil, err
	}
	a.apiServer = api.NewServer(a.manager, a.broadcaster, api.Options{
		APIKey:      a.apiKey(),
		ReadyChecks: a.readyChecks(),
	}, logger)
	return a, nil
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory job store")
		a.store = storagememory.NewJobStore()
		return nil
	}
	if a.cfg.DB.AutoMigrate {
		if err := Migrate(ctx, a.cfg.DB.DSN, a.logger); err != nil {
			return err
		}
	}
	pg, err := postgres.NewJobStore(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	a.onClose("job store", func(context.Context) error {
		pg.Close()
		return nil
	})
	a.store = pg
	a.logger.Info("using postgres job store")
	return nil
}

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, dsn string, logger *zap.Logger) error {
	m, err := postgres.NewMigrator(dsn, logger)
	if err != nil {
		return fmt.Errorf("migrator init failed: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("migrator close failed", zap.Error(cerr))
		}
	}()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (a *App) newRedis() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
}

func (a *App) setupCache(clk genjob.Clock) error {
	if a.cfg.Cache.Backend == config.BackendRedis {
		a.cache = cacheredis.New(a.newRedis(), a.cfg.Redis.Prefix+"cache:", clk)
		a.logger.Info("using redis result cache", zap.String("addr", a.cfg.Redis.Addr))
	} else {
		a.cache = cachememory.New(clk)
		a.logger.Info("using in-memory result cache")
	}
	a.onClose("cache", func(context.Context) error { return a.cache.Close() })
	return nil
}

func (a *App) setupAccounts(clk genjob.Clock) error {
	var (
		counter account.Counter
		health  account.HealthTracker
	)
	policy := a.cfg.Accounts.Health.HealthPolicy()
	if a.cfg.Accounts.Backend == config.BackendRedis {
		rdb := a.newRedis()
		counter = accountredis.New(rdb, a.cfg.Redis.Prefix+"slots:")
		health = accountredis.NewHealth(rdb, a.cfg.Redis.Prefix+"health:", policy, clk)
		a.logger.Info("using redis account counters and health", zap.String("addr", a.cfg.Redis.Addr))
	} else {
		counter = accountmemory.New()
		health = account.NewHealth(policy, clk)
	}
	a.accounts = account.NewRegistry(
		counter,
		health,
		account.NewSelector(),
		a.logger,
	)
	a.onClose("account registry", func(context.Context) error { return a.accounts.Close() })
	return nil
}

func (a *App) setupProviders(blobs storage.BlobStore) error {
	a.providers = provider.NewRegistry()
	pacer := providerPacer(a.cfg.Providers)
	for _, pc := range a.cfg.Providers {
		adapter, err := NewAdapter(pc, blobs)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		desc := provider.Descriptor{
			ID:           pc.ID,
			Capabilities: pc.Capabilities,
			Adapter:      provider.Instrument(pc.ID, adapter, pacer, a.logger),
		}
		if err := a.providers.Register(desc); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
		accts := make([]account.Account, 0, len(pc.Accounts))
		for _, ac := range pc.Accounts {
			accts = append(accts, ac.Account(pc.ID))
		}
		if err := a.accounts.Register(desc.Limits(), accts); err != nil {
			return fmt.Errorf("register accounts for %s: %w", pc.ID, err)
		}
		a.logger.Info("provider registered",
			zap.String("provider_id", pc.ID),
			zap.String("kind", pc.Kind),
			zap.Int("accounts", len(accts)),
		)
	}
	return nil
}

// providerPacer builds one limiter keyed by provider id. Providers without a
// configured rate are unpaced.
func providerPacer(providers []config.ProviderConfig) provider.Pacer {
	rules := map[string]ratelimit.Rule{}
	for _, pc := range providers {
		if pc.RatePerSecond > 0 {
			rules[pc.ID] = ratelimit.Rule{RPS: pc.RatePerSecond, Burst: pc.Burst}
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return ratelimit.New(ratelimit.Config{Overrides: rules})
}

func (a *App) setupEvents(ctx context.Context) error {
	a.broadcaster = sinks.NewBroadcaster(a.cfg.Events.StreamBuffer)
	sinkList := []events.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		a.broadcaster,
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.onClose("pubsub client", func(context.Context) error { return client.Close() })
		pubSink, err := sinks.NewPubSubSink(client.Publisher(a.cfg.PubSub.TopicName), a.logger)
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("pubsub event sink enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.BatchSize,
		MaxBatchWait:   a.cfg.Events.FlushInterval,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("event_hub"),
	}, sinkList...)
	a.onClose("event hub", a.hub.Close)
	return nil
}

func (a *App) setupScheduler(clk genjob.Clock) error {
	strategy, err := account.ParseStrategy(a.cfg.Scheduler.Strategy)
	if err != nil {
		return fmt.Errorf("scheduler strategy: %w", err)
	}
	a.queue = memory.NewQueue(a.cfg.Scheduler.QueueDepth)
	runners := make([]dispatcher.Runner, 0, a.cfg.Scheduler.Workers)
	for range a.cfg.Scheduler.Workers {
		runners = append(runners, worker.New(worker.Deps{
			Queue:     a.queue,
			Store:     a.store,
			Cache:     a.cache,
			Providers: a.providers,
			Accounts:  a.accounts,
			Lifecycle: a.manager,
			Clock:     clk,
			Logger:    a.logger,
		}, worker.Config{
			Strategy: strategy,
			LockTTL:  a.cfg.Cache.LockTTL,
			PollBase: a.cfg.Poll.Base,
		}))
	}
	a.dispatch = dispatcher.New(a.store, a.queue, runners, dispatcher.Config{
		Interval:  a.cfg.Scheduler.DispatchInterval,
		BatchSize: a.cfg.Scheduler.BatchSize,
	}, a.logger)
	a.manager.AddWaker(a.dispatch)
	a.accounts.OnRelease(func(account.Account) { a.dispatch.Wake() })

	a.poll = poller.New(poller.Deps{
		Store:     a.store,
		Cache:     a.cache,
		Providers: a.providers,
		Accounts:  a.accounts,
		Lifecycle: a.manager,
		Clock:     clk,
		Logger:    a.logger,
	}, poller.Config{
		Backoff: poller.Backoff{
			Base:       a.cfg.Poll.Base,
			Threshold:  a.cfg.Poll.Threshold,
			Multiplier: a.cfg.Poll.Multiplier,
			Max:        a.cfg.Poll.Max,
		},
		Interval:    a.cfg.Poll.Interval,
		BatchSize:   a.cfg.Poll.BatchSize,
		Concurrency: a.cfg.Poll.Concurrency,
		LockTTL:     a.cfg.Cache.LockTTL,
		Lease:       a.cfg.Poll.Lease,
	})
	return nil
}

func (a *App) readyChecks() map[string]api.ReadyCheck {
	return map[string]api.ReadyCheck{
		"job_store": func(ctx context.Context) error {
			_, err := a.store.List(ctx, genjob.Filter{Limit: 1})
			return err
		},
		"cache": func(ctx context.Context) error {
			_, _, err := a.cache.Get(ctx, "readyz")
			return err
		},
	}
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher, poller and HTTP server and blocks until the
// context is cancelled or a signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Scheduler.Workers))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("poller started", zap.Duration("interval", a.cfg.Poll.Interval))
		a.poll.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close releases infrastructure in reverse construction order. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn(c.name+" close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
}
