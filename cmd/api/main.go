package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"songforge/internal/config"
	"songforge/internal/handler"
	"songforge/internal/metrics"
	"songforge/internal/publish"
	"songforge/internal/repository"
	"songforge/internal/service"
	"songforge/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalw("failed to create data dir", "dir", cfg.DataDir, "error", err)
	}

	// One instance per data dir; a second server racing the same project tree
	// would silently interleave metadata writes.
	lock := flock.New(filepath.Join(cfg.DataDir, "songforge.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalw("failed to acquire data dir lock", "error", err)
	}
	if !locked {
		log.Fatalw("another instance already holds the data dir", "dir", cfg.DataDir)
	}
	defer lock.Unlock()

	jobs, err := newJobStore(cfg)
	if err != nil {
		log.Fatalw("failed to initialize job store", "kind", cfg.JobStore, "error", err)
	}
	defer jobs.Close()

	store := storage.New(cfg.DataDir, log)
	publisher := publish.New(store, cfg.PublishDir, log)
	collector := metrics.NewCollector()
	tasks := service.NewTaskService(cfg, store, jobs, publisher, collector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks.Start(ctx)

	taskHandler := handler.NewTaskHandler(tasks, store, publisher, cfg.MaxUploadBytes(), log)
	router := handler.NewRouter(taskHandler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infow("server starting", "addr", cfg.ListenAddr, "job_store", cfg.JobStore)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	<-sigChan
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}
	log.Info("server stopped")
}

func newLogger(mode string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch mode {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func newJobStore(cfg *config.Config) (repository.JobStore, error) {
	switch cfg.JobStore {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return repository.NewRedisStore(ctx, cfg.RedisURL, cfg.ResultTTL())
	default:
		return repository.NewSQLiteStore(cfg.SQLitePath)
	}
}
