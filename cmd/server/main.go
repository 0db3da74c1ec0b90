package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/api"
	"github.com/david/grant-sync/internal/auth"
	"github.com/david/grant-sync/internal/config"
	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/ingest"
	"github.com/david/grant-sync/internal/logging"
	"github.com/david/grant-sync/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.Open(ctx, cfg.Storage.DatabaseURL, cfg.Storage.SQLitePath, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	registry, err := ingest.LoadRegistry(cfg.Sources.RegistryPath)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	factory := ingest.NewDefaultFactory(logger.Named("ingest"), ingest.ClientOptions{
		AllowPrivateNetworks: cfg.Sources.AllowPrivateNetworks,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.FullInterval = cfg.Scheduler.FullInterval
	schedCfg.QuickInterval = cfg.Scheduler.QuickInterval
	schedCfg.CleanupInterval = cfg.Scheduler.CleanupInterval
	schedCfg.InterSourceDelay = cfg.Scheduler.InterSourceDelay
	sched, err := scheduler.New(repo, factory, registry.Sources,
		scheduler.WithConfig(schedCfg),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	authn, err := auth.New(cfg.Server.AdminSecret, logger.Named("auth"))
	if err != nil {
		return err
	}
	srv := api.NewServer(repo, sched, authn, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	if cfg.Scheduler.Enabled {
		sched.Start()
	} else {
		logger.Info("scheduler disabled; only manual triggers will run")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port), zap.Int("sources", len(registry.Enabled())))
		if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			sched.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	sched.Wait()
	return nil
}
