// Package bootstrap builds the runtime pieces the binaries share from Config.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"offline-sync-engine/internal/archive"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/connectivity"
	"offline-sync-engine/internal/offline"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/remote"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/syncer"
)

// NeedsRedis reports whether cfg uses Redis for the queue, the tenant lock or rate limiting.
func NeedsRedis(cfg config.Config) bool {
	return cfg.QueueBackend == config.BackendRedis || cfg.DistributedLock || cfg.RateLimitCapacity > 0
}

// OpenRedis connects to Redis, retrying for up to cfg.ConnectRetry.
func OpenRedis(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*redis.Client, error) {
	client := queue.NewRedisClient(cfg)
	err := retry(ctx, cfg.ConnectRetry, log, "redis", func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// OpenStore opens the queue backend selected by QUEUE_BACKEND. The Redis
// backend takes ownership of rdb.
func OpenStore(ctx context.Context, cfg config.Config, rdb *redis.Client, log logrus.FieldLogger) (store.QueueStore, error) {
	switch cfg.QueueBackend {
	case config.BackendSQLite:
		return store.NewSQLite(ctx, cfg.SQLitePath)
	case config.BackendPostgres:
		var st *store.PostgresStore
		err := retry(ctx, cfg.ConnectRetry, log, "postgres", func() error {
			var err error
			st, err = store.NewPostgres(ctx, cfg.PostgresDSN)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis backend needs a redis client")
		}
		return queue.NewRedisStore(rdb, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

// NewDispatcher routes the configured tables to the REST backend.
func NewDispatcher(cfg config.Config) *remote.Dispatcher {
	rest := remote.NewRESTApplier(cfg.RemoteBaseURL, cfg.RemoteAPIKey,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.ApplyTimeout + 5*time.Second}))
	d := remote.NewDispatcher()
	for _, table := range cfg.Tables {
		d.Register(table, rest)
	}
	return d
}

// StartService initializes the offline service over st.
func StartService(ctx context.Context, cfg config.Config, st store.QueueStore, rdb *redis.Client, log logrus.FieldLogger) (*offline.Service, error) {
	arch, err := archive.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var locker syncer.Locker
	if cfg.DistributedLock && rdb != nil {
		locker = queue.NewTenantLock(rdb, cfg.RedisPrefix, owner(), cfg.LockTTL)
	}

	var probe connectivity.Probe
	if cfg.HealthURL != "" {
		header := http.Header{}
		if cfg.RemoteAPIKey != "" {
			header.Set("apikey", cfg.RemoteAPIKey)
		}
		probe = connectivity.HTTPProbe(cfg.HealthURL, cfg.ProbeTimeout, header)
	}

	return offline.Init(ctx, offline.Options{
		Store:             st,
		Probe:             probe,
		ProbeInterval:     cfg.ProbeInterval,
		DebounceWindow:    cfg.DebounceWindow,
		ApplyTimeout:      cfg.ApplyTimeout,
		Locker:            locker,
		Archiver:          arch,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		ConnectRetry:      cfg.ConnectRetry,
		RecoverStaleAfter: RecoverStaleAfter(cfg),
		SkipRecovery:      !cfg.RecoverOnStart,
		Logger:            log,
	})
}

// RecoverStaleAfter is how long a syncing item must sit untouched before this
// process may treat it as abandoned. A SQLite file belongs to one process, so
// everything there is fair game. Shared backends wait until no live apply
// plus its bookkeeping could still own the item.
func RecoverStaleAfter(cfg config.Config) time.Duration {
	if cfg.QueueBackend == config.BackendSQLite {
		return 0
	}
	if cfg.RecoverStaleAfter > 0 {
		return cfg.RecoverStaleAfter
	}
	return cfg.ApplyTimeout + time.Minute
}

func owner() string {
	if v := os.Getenv("WORKER_ID"); v != "" {
		return v
	}
	host, _ := os.Hostname()
	if host == "" {
		return fmt.Sprintf("sync-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func retry(ctx context.Context, maxWait time.Duration, log logrus.FieldLogger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = maxWait
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warnf("%s not reachable yet", what)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("connect %s: %w", what, err)
	}
	return nil
}
