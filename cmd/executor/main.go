package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tabular-platform/internal/config"
	"tabular-platform/internal/executor"
	"tabular-platform/internal/lifecycle"
	"tabular-platform/internal/queue"
	"tabular-platform/internal/storage"
	"tabular-platform/internal/store"
	"tabular-platform/internal/telemetry"
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

	objects, err := storage.New(ctx, cfg, log)
	if err != nil {
		log.Error("init object store", "error", err)
		os.Exit(1)
	}

	q := queue.NewDispatchQueue(cfg)
	machine := lifecycle.NewMachine(st, log)
	runner := executor.NewRunner(cfg, q, st, machine, objects, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	log.Info("executor started",
		"visibility", cfg.VisibilityTimeout.String(),
		"poll", cfg.ExecutorPollInterval.String())
	if err := runner.Run(ctx); err != nil {
		log.Info("executor stopped", "reason", err.Error())
	}
}
