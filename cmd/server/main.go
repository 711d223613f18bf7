package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/dmsync/internal/api"
	"github.com/eldtechnologies/dmsync/internal/api/middleware"
	"github.com/eldtechnologies/dmsync/internal/config"
	"github.com/eldtechnologies/dmsync/internal/handlers"
	"github.com/eldtechnologies/dmsync/internal/store"
	"github.com/eldtechnologies/dmsync/internal/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, "dmsync-server", handlers.Version)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer shutdownTracing(context.Background())

	// Redis serves the rate limiter and nonce record even when messages live elsewhere
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	var mailbox store.Mailbox
	switch cfg.MailboxBackend {
	case config.BackendPostgres:
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		logger.Info().Msg("connected to PostgreSQL")

		logger.Info().Msg("running database migrations...")
		if err := pgStore.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")
		mailbox = pgStore
	case config.BackendRedis:
		if redisStore == nil {
			logger.Fatal().Msg("MAILBOX_BACKEND=redis requires REDIS_URL")
		}
		mailbox = redisStore
	default:
		logger.Warn().Msg("using in-memory mailbox, messages are lost on restart")
		mailbox = store.NewMemoryStore()
	}

	// Create router
	router := api.NewRouter(logger, api.Options{
		Mailbox: mailbox,
		Backend: cfg.MailboxBackend,
		Redis:   redisStore,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist: cfg.RateLimitWhitelist,
		},
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("backend", cfg.MailboxBackend).
			Msg("starting dmsync mailbox")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
