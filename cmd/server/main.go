package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/config"
	"github.com/usagesync/engine/internal/database"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/server"
	"github.com/usagesync/engine/internal/services"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}

	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create postgres pool")
	}
	defer postgresPool.Close()

	zoneRepo := repositories.NewPostgresZoneRepository(postgresPool)
	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)
	pairingRepo := repositories.NewPostgresPairingRepository(postgresPool)

	pairingService := services.NewPairingService(pairingRepo, deviceRepo, cfg.JWTSecret, cfg.TokenExpiry)
	store := server.New(zoneRepo, deviceRepo, pairingService, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: store.Router(),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.ServerPort).Msg("Starting remote store")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("Server error")
	}

	logger.Info().Msg("Server stopped gracefully")
}
