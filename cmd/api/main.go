package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	api "offline-sync-engine/internal/api"
	"offline-sync-engine/internal/bootstrap"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logging"
	"offline-sync-engine/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.Setup(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if bootstrap.NeedsRedis(cfg) {
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

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 && rdb != nil {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RedisPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(svc, bootstrap.NewDispatcher(cfg).Apply, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{"port": cfg.HTTPPort, "backend": cfg.QueueBackend}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
