package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"renderqueue/internal/config"
	"renderqueue/internal/render"
	"renderqueue/internal/store"
	"renderqueue/internal/telemetry"
	"renderqueue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	renderer, err := render.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init renderer", zap.Error(err))
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	w := worker.New(worker.Options{
		Store:             st,
		Run:               renderer.Run,
		AlreadyDone:       renderer.AlreadyDone,
		WorkerID:          workerID,
		StaleThreshold:    cfg.StaleThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdlePollInterval:  cfg.IdlePollInterval,
		Logger:            logger,
	})
	reaper := worker.NewReaper(st, cfg.ReapInterval, cfg.StaleThreshold, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("worker stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := reaper.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("reaper stopped", zap.Error(err))
		}
	}()
	wg.Wait()
	logger.Info("shutdown complete")
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
