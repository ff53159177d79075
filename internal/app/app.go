// Package app wires the billing components shared by the API server and the
// retry worker.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/billing/internal/automaton"
	"github.com/onnwee/billing/internal/catalog"
	"github.com/onnwee/billing/internal/config"
	"github.com/onnwee/billing/internal/db"
	"github.com/onnwee/billing/internal/health"
	"github.com/onnwee/billing/internal/payment"
	"github.com/onnwee/billing/internal/plugin"
	"github.com/onnwee/billing/internal/retry"
)

// Core is the payment core on its backing services.
type Core struct {
	DB    *sql.DB
	Redis *redis.Client

	Store     *payment.PostgresStore
	Queue     retry.Queue
	Plugins   *plugin.Registry
	Runner    *automaton.Runner
	Scheduler *retry.Scheduler

	Registry         *prometheus.Registry
	AutomatonMetrics *automaton.Metrics
	RetryMetrics     *retry.Metrics
}

// Open connects to PostgreSQL (applying the schema) and, when configured,
// Redis, then builds the automaton with retries routed to the queue.
// Without a Redis URL retries are queued in memory; retries scheduled by
// another process are only found by the worker's stale attempt sweep.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	if err := payment.Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	c := &Core{
		DB:               sqlDB,
		Store:            payment.NewPostgresStore(sqlDB, logger),
		Registry:         prometheus.NewRegistry(),
		AutomatonMetrics: automaton.NewMetrics(),
		RetryMetrics:     retry.NewMetrics(),
	}

	if cfg.RedisURL != "" {
		c.Redis, err = db.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		c.Queue = retry.NewRedisQueue(c.Redis, cfg.RetryQueueKey)
	} else {
		logger.Warn("REDIS_URL not set, retries are queued in memory")
		c.Queue = retry.NewInMemoryQueue()
	}

	c.Plugins, err = NewPluginRegistry(cfg, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	policy := cfg.RetryPolicy()
	c.Scheduler = retry.NewScheduler(c.Queue, policy, logger)
	c.Runner = automaton.NewRunner(c.Store, c.Store, c.Plugins, automaton.Options{
		Policy:   policy,
		Notifier: c.Scheduler,
		Metrics:  c.AutomatonMetrics,
		Logger:   logger,
	})

	if err := c.registerMetrics(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) registerMetrics() error {
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := c.AutomatonMetrics.Register(c.Registry); err != nil {
		return fmt.Errorf("register automaton metrics: %w", err)
	}
	if err := c.RetryMetrics.Register(c.Registry); err != nil {
		return fmt.Errorf("register retry metrics: %w", err)
	}
	return nil
}

// NewWorker builds a retry worker on the core's queue and runner.
func (c *Core) NewWorker(cfg *config.Config, logger *slog.Logger) *retry.Worker {
	return retry.NewWorker(c.Queue, c.Store, c.Runner, retry.WorkerConfig{
		PollInterval: cfg.RetryPollInterval,
		BatchSize:    cfg.RetryBatchSize,
		RequeueDelay: cfg.RetryBaseDelay,
		StaleAfter:   cfg.RetryMaxDelay + automaton.DefaultClaimTimeout,
	}, c.RetryMetrics, logger)
}

// DBChecker returns the readiness check of the database.
func (c *Core) DBChecker() health.Checker {
	return health.NewDBChecker(c.DB)
}

// QueueChecker returns the readiness check of the retry queue, or nil when
// the queue is in memory.
func (c *Core) QueueChecker() health.Checker {
	if c.Redis == nil {
		return nil
	}
	return health.NewRedisChecker(c.Redis)
}

// Close releases the connections.
func (c *Core) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

// NewPluginRegistry registers the external payment plugin and, when an API
// key is configured, the Stripe plugin.
func NewPluginRegistry(cfg *config.Config, logger *slog.Logger) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(cfg.PluginTimeout, logger)
	if err := registry.Register(plugin.ExternalPaymentPlugin{}); err != nil {
		return nil, err
	}
	if cfg.StripeAPIKey != "" {
		if err := registry.Register(plugin.NewStripePlugin(plugin.NewStripeClient(cfg.StripeAPIKey), logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// LoadCatalog loads the catalog from S3 when a bucket is configured, else
// from CatalogPath. It returns nil when neither is set.
func LoadCatalog(ctx context.Context, cfg *config.Config) (*catalog.Catalog, error) {
	switch {
	case cfg.CatalogS3Bucket != "":
		client, err := catalog.NewS3Client(cfg.CatalogS3())
		if err != nil {
			return nil, fmt.Errorf("catalog s3 client: %w", err)
		}
		return catalog.LoadS3(ctx, client, cfg.CatalogS3Bucket, cfg.CatalogS3Key)
	case cfg.CatalogPath != "":
		return catalog.LoadFile(cfg.CatalogPath)
	default:
		return nil, nil
	}
}
