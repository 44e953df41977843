package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"offline-sync-engine/internal/bootstrap"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logging"
	"offline-sync-engine/internal/telemetry"
)

// The worker keeps the tenants in WATCH_TENANTS synced without a host UI.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.Setup(cfg.Env, cfg.LogLevel)
	if len(cfg.WatchTenants) == 0 {
		log.Fatal("WATCH_TENANTS is empty; nothing to sync")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if cfg.QueueBackend == config.BackendRedis || cfg.DistributedLock {
		if rdb, err = bootstrap.OpenRedis(ctx, cfg, log); err != nil {
			log.Fatalf("redis: %v", err)
		}
		if cfg.QueueBackend != config.BackendRedis {
			defer rdb.Close()
		}
	}

	st, err := bootstrap.OpenStore(ctx, cfg, rdb, log)
	if err != nil {
		log.Fatalf("open queue store: %v", err)
	}
	defer st.Close()

	svc, err := bootstrap.StartService(ctx, cfg, st, rdb, log)
	if err != nil {
		log.Fatalf("init offline service: %v", err)
	}
	defer svc.Close()

	apply := bootstrap.NewDispatcher(cfg).Apply
	for _, pair := range cfg.WatchTenants {
		tenant, user, _ := strings.Cut(pair, ":")
		if err := svc.Watch(tenant, user, apply); err != nil {
			log.Fatalf("watch %q: %v", pair, err)
		}
		log.WithFields(logrus.Fields{"tenant": tenant, "user": user}).Info("watching tenant")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"backend":         cfg.QueueBackend,
		"health_url":      cfg.HealthURL,
		"backoff_initial": cfg.BackoffInitial.String(),
	}).Info("sync worker started")
	<-ctx.Done()
	log.Info("sync worker stopping")
}
