// Annales Server
//
// Features:
// - PDF archive classified by semester, type, subject and year
// - Multi-backend storage (local disk, S3 object storage, Postgres blobs)
// - Range-capable viewing and downloads
// - SSE real-time updates
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/api"
	"github.com/annales/annales/internal/auth"
	"github.com/annales/annales/internal/config"
	"github.com/annales/annales/internal/events"
	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/retry"
	"github.com/annales/annales/internal/storage/factory"
	"github.com/annales/annales/internal/sweep"
)

func main() {
	// A .env file is optional; deployed environments set variables directly.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("annales server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The database is usually the last piece up in a fresh deployment,
	// so the initial connection retries with backoff.
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.OnRetry = func(attempt int, err error) {
		logging.Warn("database not ready, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	metaStore, err := retry.DoWithResult(ctx, retryCfg, func() (*postgres.Store, error) {
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		return store, nil
	})
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations", zap.String("dir", dir))
		if err := metaStore.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	} else {
		logging.Warn("migrations directory not found, skipping")
	}

	storageRouter, err := factory.NewRouter(ctx, cfg, metaStore.DB())
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer storageRouter.Close()
	logging.Info("storage ready", zap.String("provider", storageRouter.Active().Provider()))

	authHandler := auth.New(cfg.AuthSecret, cfg.AdminPasswordHash)
	if !authHandler.Enabled() {
		logging.Warn("AUTH_SECRET not set, mutating endpoints are open")
	}

	broadcaster := events.NewBroadcaster()

	// Reconcile records against blobs on a schedule, and once at boot
	// when configured, so crash leftovers don't survive a restart.
	sweeper := sweep.New(metaStore, storageRouter, broadcaster)
	if err := sweeper.Start(cfg.CleanupSchedule, cfg.CleanupOnStart); err != nil {
		logging.Fatal("cleanup sweep init failed", zap.Error(err))
	}
	defer sweeper.Stop()

	srv := api.NewServer(metaStore, storageRouter, authHandler, broadcaster, cfg)

	// Metrics get their own listener so the scrape endpoint is never
	// exposed on the public address.
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown: drain in-flight requests for a bounded window,
	// then force the stragglers (long-lived SSE streams) closed.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("drain window expired, closing connections", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
