package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shipped/shipped/internal/compose"
	"github.com/shipped/shipped/internal/config"
	"github.com/shipped/shipped/internal/controller"
	"github.com/shipped/shipped/internal/credentials"
	"github.com/shipped/shipped/internal/gitops"
	"github.com/shipped/shipped/internal/notify"
	"github.com/shipped/shipped/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Stacks.Dir, 0o755); err != nil {
		logger.Error("Failed to create stacks dir", "dir", cfg.Stacks.Dir, "error", err)
		os.Exit(1)
	}

	dbStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize store", "type", cfg.Database.Type, "error", err)
		os.Exit(1)
	}
	defer dbStore.Close()

	keyFile := cfg.Credentials.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(filepath.Dir(cfg.Database.FileName), "shipped-encryption.key")
	}
	sealer, err := credentials.NewSealer(cfg.Credentials.Key, keyFile)
	if err != nil {
		logger.Warn("Deploy key encryption is disabled, deploy keys cannot be used", "error", err)
		sealer = nil
	} else {
		logger.Info("Deploy key encryption is enabled", "source", sealer.Source())
	}

	deployKeys := controller.NewDeployKeys(dbStore, sealer, cfg.Credentials.KnownHostsFile)
	checkouts := gitops.NewManager(cfg.Stacks.Dir, cfg.Stacks.DefaultCloneDepth, deployKeys.Auth, logger)
	executor := compose.NewExecutor(cfg.Stacks.Dir, logger)
	dispatcher := notify.NewDispatcher(cfg.Notifications.DefaultURL, cfg.Notifications.DefaultProvider, logger)
	locks := controller.NewStackLocks()

	if toolchain, err := executor.Version(ctx); err != nil {
		logger.Warn("Docker is not reachable", "error", err)
	} else {
		logger.Info("Docker detected", "client", toolchain.ClientVersion, "server", toolchain.ServerVersion, "compose", toolchain.ComposeVersion)
	}

	registry := controller.NewRegistry(dbStore, deployKeys, checkouts, executor, dispatcher, locks, logger)
	reconciler := controller.NewReconciler(checkouts, executor, dispatcher, locks, logger)
	scheduler := controller.NewScheduler(dbStore, reconciler, dispatcher, cfg.Scheduler.TickInterval, logger)
	go scheduler.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	handler := controller.NewHandler(registry, reconciler, dispatcher, cfg.Scheduler.RunCheckTimeout, logger)
	handler.Routes(r)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: r,
	}

	go func() {
		logger.Info("Starting server", "addr", srv.Addr, "stacks_dir", cfg.Stacks.Dir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	// In-flight reconciliations are left to finish so no stack is abandoned mid-deploy.
	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out with reconciliations still running")
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if strings.EqualFold(cfg.Database.Type, "postgres") {
		s, err := store.NewPostgresStore(ctx, cfg.Database.ConnectionString)
		if err != nil {
			return nil, err
		}
		logger.Info("Using PostgreSQL store")
		return s, nil
	}

	s, err := store.NewSQLiteStore(cfg.Database.FileName)
	if err != nil {
		return nil, err
	}
	logger.Info("Using SQLite store", "path", cfg.Database.FileName)
	return s, nil
}
