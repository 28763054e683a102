// ALSIN relay server: accounts, approval and live chat.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/alsin/internal/api"
	"github.com/ashureev/alsin/internal/auth"
	"github.com/ashureev/alsin/internal/config"
	"github.com/ashureev/alsin/internal/hub"
	"github.com/ashureev/alsin/internal/store"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath,
		store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	baseHandler := api.NewHandler(repo, issuer, cfg)

	if err := baseHandler.EnsureAdmin(context.Background()); err != nil {
		slog.Error("Failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	relay := hub.New(cfg.Timeout.WSWrite, hub.NewMetrics(prometheus.DefaultRegisterer))
	wsHandler := hub.NewWebSocketHandler(repo, issuer, relay, cfg.FrontendURL, cfg.IsDevelopment())
	wsHandler.SetPingInterval(cfg.Timeout.WSPing)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := api.NewRouter(api.RouterDeps{
		Handler:        baseHandler,
		Health:         api.NewHealthHandler(repo, relay, cfg),
		Chat:           wsHandler,
		Metrics:        promhttp.Handler(),
		AllowedOrigins: origins,
		RequestLogging: true,
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(relay.Shutdown)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
