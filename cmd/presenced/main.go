package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/sundeep8967/groupsharing-presence/internal/config"
	"github.com/sundeep8967/groupsharing-presence/internal/database"
	"github.com/sundeep8967/groupsharing-presence/internal/handlers"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
	"github.com/sundeep8967/groupsharing-presence/internal/services"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	liveRepo := repositories.NewRedisLivePresenceRepository(redisClient, logger)
	archiveRepo := repositories.NewPostgresPresenceArchiveRepository(postgresPool)
	friendRepo := repositories.NewPostgresFriendRepository(postgresPool)

	// Presence service owns the whole sync stack for the local user
	presenceService := services.NewPresenceService(
		cfg.LocalUserID,
		liveRepo,
		archiveRepo,
		friendRepo,
		services.SystemClock(),
		logger,
		services.PresenceServiceOptions{
			ProtectionWindow:   cfg.ProtectionWindow,
			StaleThreshold:     cfg.StaleThreshold,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			CoalesceInterval:   cfg.CoalesceInterval,
			ResubscribeMaxWait: cfg.ResubscribeMaxWait,
			FriendPollInterval: cfg.FriendPollInterval,
		},
	)
	presenceService.Start(ctx)
	defer presenceService.Dispose()

	presenceHandler := handlers.NewPresenceHandler(presenceService, cfg.LocalUserID, logger)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", handlers.HealthCheck)

	router.Group(func(r chi.Router) {
		r.Use(handlers.JWTAuth(cfg.JWTSecret))
		r.Put("/v1/sharing", presenceHandler.SetSharing)
		r.Post("/v1/location", presenceHandler.PublishLocation)
		r.Post("/v1/heartbeat", presenceHandler.Heartbeat)
		r.Post("/v1/terminated", presenceHandler.MarkTerminated)
		r.Post("/v1/signout", presenceHandler.SignOut)
		r.Get("/v1/friends", presenceHandler.GetFriendViews)
		r.Get("/v1/friends/stream", presenceHandler.StreamFriendViews)
	})

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting presence daemon", "port", cfg.ServerPort, "user_id", cfg.LocalUserID)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	logger.Info("server stopped gracefully")
}
