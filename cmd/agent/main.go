package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/usagesync/engine/internal/aggregator"
	"github.com/usagesync/engine/internal/config"
	"github.com/usagesync/engine/internal/database"
	"github.com/usagesync/engine/internal/dedup"
	"github.com/usagesync/engine/internal/remote"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/schedule"
	"github.com/usagesync/engine/internal/services"
	"github.com/usagesync/engine/internal/syncer"
	"github.com/usagesync/engine/internal/syncqueue"
	"github.com/usagesync/engine/internal/watcher"
)

const heartbeatInterval = 30 * time.Second

func main() {
	godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.DeviceID == uuid.Nil {
		logger.Fatal().Msg("DEVICE_ID is required for the agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create postgres pool")
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create redis client")
	}
	defer redisClient.Close()

	configRepo := repositories.NewPostgresConfigurationRepository(postgresPool)
	recordRepo := repositories.NewPostgresUsageRecordRepository(postgresPool)
	summaryRepo := repositories.NewPostgresSummaryRepository(postgresPool)
	queueRepo := repositories.NewPostgresQueueRepository(postgresPool)
	cursorRepo := repositories.NewPostgresCursorRepository(postgresPool)
	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)

	shared := watcher.NewSharedState(redisClient, logger)
	connectivity := watcher.NewConnectivity(redisClient, cfg.DeviceID, logger)

	dedupEngine := dedup.NewEngine(dedup.DefaultQuantum, time.Local, logger)
	agg := aggregator.New(recordRepo, configRepo, cfg.DeviceID, cfg.MergeWindow, logger)
	queue := syncqueue.New(queueRepo, cfg.DeviceID, cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax, logger)

	monitor := services.NewMonitorService(
		shared, dedupEngine, agg, configRepo, recordRepo, summaryRepo, queue,
		cfg.DeviceID, time.Local, logger,
	)

	store := remote.NewClient(cfg.RemoteURL, cfg.SyncToken, cfg.ReadZoneTokens, logger)
	engine := syncer.NewEngine(syncer.Deps{
		Queue:     queue,
		Store:     store,
		Records:   recordRepo,
		Configs:   configRepo,
		Summaries: summaryRepo,
		Cursors:   cursorRepo,
		Devices:   deviceRepo,
	}, cfg.DeviceID, cfg.ZoneID, cfg.ReadZones, logger)

	scheduler := schedule.NewManager(cfg.MinWindow, cfg.PreferredWindow, logger)

	// Connectivity restoration triggers an immediate drain.
	drainNow := make(chan struct{}, 1)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return runScheduler(ctx, scheduler) })
	group.Go(func() error { return runPoller(ctx, monitor, cfg.PollInterval, logger) })
	group.Go(func() error { return runHeartbeat(ctx, connectivity, drainNow, logger) })
	group.Go(func() error { return runSyncer(ctx, engine, monitor, cfg, drainNow, logger) })

	logger.Info().
		Str("device_id", cfg.DeviceID.String()).
		Str("role", cfg.DeviceRole).
		Msg("Agent started")

	waitErr := group.Wait()

	// The run context is canceled by now; drop the heartbeat on a fresh one
	// so peers see this device offline immediately instead of after the TTL.
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := connectivity.MarkOffline(offCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to drop heartbeat")
	}
	cancel()

	if waitErr != nil && waitErr != context.Canceled {
		logger.Fatal().Err(waitErr).Msg("Agent error")
	}
	logger.Info().Msg("Agent stopped gracefully")
}

// runScheduler keeps one observation window accepted at a time. The window
// boundaries go to the external watcher; all this loop owns is computing
// them without ever violating the minimum interval.
func runScheduler(ctx context.Context, scheduler *schedule.Manager) error {
	for {
		window, err := scheduler.NextWindow(time.Now(), 0)
		if err != nil {
			return err
		}
		scheduler.Accept(window)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(window.End)):
		}
	}
}

func runPoller(ctx context.Context, monitor *services.MonitorService, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := monitor.Poll(ctx, now); err != nil {
				logger.Error().Err(err).Msg("Poll failed")
			}
		}
	}
}

func runHeartbeat(ctx context.Context, connectivity *watcher.Connectivity, drainNow chan<- struct{}, logger zerolog.Logger) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cameOnline, err := connectivity.Heartbeat(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Heartbeat failed")
				continue
			}
			if cameOnline {
				logger.Info().Msg("Connectivity restored")
				select {
				case drainNow <- struct{}{}:
				default:
				}
			}
		}
	}
}

func runSyncer(
	ctx context.Context,
	engine *syncer.Engine,
	monitor *services.MonitorService,
	cfg *config.Config,
	drainNow <-chan struct{},
	logger zerolog.Logger,
) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	sync := func() {
		if _, err := monitor.EnqueueUnsyncedConfigs(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to enqueue configurations")
		}
		if _, err := monitor.EnqueueUnsyncedRecords(ctx, cfg.UploadBatchMax); err != nil {
			logger.Error().Err(err).Msg("Failed to enqueue usage records")
		}
		if err := engine.ProcessQueue(ctx, cfg.UploadBatchMax, time.Now()); err != nil {
			logger.Error().Err(err).Msg("Queue processing failed")
		}
		if err := engine.Pull(ctx, time.Now()); err != nil {
			logger.Error().Err(err).Msg("Pull failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sync()
		case <-drainNow:
			sync()
		}
	}
}
