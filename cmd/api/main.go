package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tabular-platform/internal/api"
	"tabular-platform/internal/config"
	"tabular-platform/internal/lifecycle"
	"tabular-platform/internal/quota"
	"tabular-platform/internal/queue"
	"tabular-platform/internal/ratelimit"
	"tabular-platform/internal/reaper"
	"tabular-platform/internal/storage"
	"tabular-platform/internal/store"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}
	if err := st.SeedTiers(ctx); err != nil {
		log.Error("seed tiers", "error", err)
		os.Exit(1)
	}

	objects, err := storage.New(ctx, cfg, log)
	if err != nil {
		log.Error("init object store", "error", err)
		os.Exit(1)
	}

	q := queue.NewDispatchQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	ledger := quota.NewLedger(st, log)
	machine := lifecycle.NewMachine(st, log)
	rp := reaper.New(objects, st, log)

	server := api.New(cfg, st, q, ledger, machine, rp, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
