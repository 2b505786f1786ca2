package main

import (
	"context"
	"time"

	"github.com/chirpline/newsfeed/cache"
	"github.com/chirpline/newsfeed/config"
	"github.com/chirpline/newsfeed/events"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/chirpline/newsfeed/queue"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/chirpline/newsfeed/service"
	"github.com/chirpline/newsfeed/store"
	"github.com/chirpline/newsfeed/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// localTierTTL caps how long the in-process tier of a tiered object cache
// may serve an entry that another process has since invalidated.
const localTierTTL = 30 * time.Second

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg     config.Config
	logger  logger.Logger
	store   *store.SQL
	redis   redis.UniversalClient
	objects cache.Cache
	mux     *queue.Mux
	jobs    queue.Enqueuer
	worker  queue.Worker
	metrics *metrics.Prometheus
	svc     *service.Service
	closers []func()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(config.FlagOrEnv(cmd, "config", "NEWSFEED_CONFIG", ""))
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: config.NewLogger(cmd, cfg.Log)}
	if cfg.Telemetry.OTLPURL != "" {
		_, log, shutdown, err := telemetry.New(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPURL, cfg.Telemetry.AuthToken, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger = log
		a.closers = append(a.closers, shutdown)
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Debug("database %s %s", cfg.Database.Driver, config.MaskDSN(cfg.Database.DSN))

	bus := events.NewBus(a.logger)
	st, err := store.Open(ctx, a.logger, cfg.Database.Driver, cfg.Database.DSN, store.WithPublisher(bus))
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.redis = client
	a.closers = append(a.closers, func() { client.Close() })

	if a.objects, err = a.objectBackend(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, func() { a.objects.Close() })

	a.metrics = metrics.NewPrometheus(prometheus.NewRegistry(), "newsfeed")
	a.mux = queue.NewMux(a.logger, a.metrics)
	switch cfg.Queue.Driver {
	case "memory":
		q := queue.NewMemory(a.mux, true)
		a.jobs, a.worker = q, q
	default:
		q := queue.NewRedis(client, a.mux,
			queue.WithConcurrency(cfg.Queue.Concurrency),
			queue.WithBlock(cfg.Queue.Block.D()),
			queue.WithClaimIdle(cfg.Queue.ClaimIdle.D()),
			queue.WithMaxLen(cfg.Queue.MaxLen),
		)
		a.jobs, a.worker = q, q
	}

	a.svc = service.New(cfg, service.Deps{
		Store:   st,
		Objects: a.objects,
		Redis:   client,
		Jobs:    a.jobs,
		Bus:     bus,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	a.svc.Register(a.mux)
	a.closers = append(a.closers, func() { a.svc.Close() })
	return nil
}

// objectBackend builds the object cache store. Redis backed stores sit
// behind a circuit breaker so an outage costs one failed call per cooldown
// rather than one per lookup.
func (a *app) objectBackend(ctx context.Context) (cache.Cache, error) {
	cfg := a.cfg.Cache
	guarded := func() cache.Cache {
		breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig())
		return cache.NewGuarded(cache.NewRedis(a.redis, cache.WithExpires(cfg.ObjectTTL.D())), breaker)
	}
	switch cfg.Backend {
	case "memory":
		return cache.NewInMemory(ctx, cache.WithExpires(cfg.ObjectTTL.D())), nil
	case "sqlite":
		return cache.NewSQLite(ctx, cfg.SQLitePath, cache.WithExpires(cfg.ObjectTTL.D()))
	case "tiered":
		local := cache.NewInMemory(ctx, cache.WithMaxExpires(min(cfg.ObjectTTL.D(), localTierTTL)))
		return cache.NewComposite(local, guarded()), nil
	case "redis":
		return guarded(), nil
	}
	return nil, errors.Newf("unsupported cache backend %q", cfg.Backend)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
