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

	"studio-collab/internal/api"
	"studio-collab/internal/auth"
	"studio-collab/internal/config"
	"studio-collab/internal/db"
	"studio-collab/internal/logging"
	"studio-collab/internal/repository"
	"studio-collab/internal/services"
	"studio-collab/internal/services/collaboration"
	"studio-collab/internal/session"
	"studio-collab/internal/telemetry"
)

const version = "1.0.0"

/*
Startup wires storage → auth → engine → HTTP. Shutdown runs in reverse:
stop accepting requests, tell collaborators the server is going away and
persist every resident document, then flush traces and close storage.
*/

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting studio collaboration server", "version", version)

	tracingShutdown, err := telemetry.InitJaeger("studio-collab", version, cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		slog.Warn("failed to initialize tracing, continuing without it", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(ctx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	checks := map[string]api.Pinger{"database": database}

	var sessions auth.SessionStore
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, cookie sessions disabled", "error", err)
		} else {
			defer redisStore.Close()
			sessions = redisStore
			checks["redis"] = redisStore
		}
	}

	users := repository.NewUserRepository(database.DB)
	projects := repository.NewProjectRepository(database.DB)
	documents := repository.NewDocumentStore(database.DB)

	authenticator := auth.NewAuthenticator(
		auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		sessions,
		users,
		cfg.SessionCookieName,
		cfg.TokenQueryParam,
	)
	guard := services.NewAccessGuard(projects)

	collab := collaboration.NewService(collaboration.OptionsFromConfig(cfg), authenticator, guard, documents)
	collab.Start()

	handler := api.NewHandler(collab, checks)
	router := api.SetupRoutes(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("http server forced to shut down", "error", err)
	}
	if err := collab.Shutdown(ctx); err != nil {
		slog.Error("failed to persist documents on shutdown", "error", err)
	}

	slog.Info("server shutdown complete")
	return nil
}
