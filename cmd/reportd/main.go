// Package main is the entry point for the reportd service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/actify/reportd/internal/config"
	db "github.com/actify/reportd/internal/db/gorm"
	"github.com/actify/reportd/internal/dedup"
	"github.com/actify/reportd/internal/embedding"
	"github.com/actify/reportd/internal/lifecycle"
	"github.com/actify/reportd/internal/photos"
	"github.com/actify/reportd/internal/sweeper"
	"github.com/actify/reportd/internal/telemetry"
	"github.com/actify/reportd/internal/watcher"
	"github.com/actify/reportd/internal/worker"
	"github.com/actify/reportd/pkg/models"
)

var Version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogging(cfg.LogLevel)
	log.Info().Str("version", Version).Msg("starting reportd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, Version, cfg.OTELInsecure)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry init failed, continuing without export")
	}

	store, err := db.NewStore(db.Config{
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		LogLevel:     logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer func() { _ = store.Close() }()

	reportStore := db.NewReportStore(store, cfg.MaxDistanceMeters)

	photoStore, err := photos.NewStore(cfg.PhotoDir, cfg.PhotoBaseURL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("photo store init failed")
	}

	var imageModel embedding.ImageModel
	if cfg.ImageEmbedURL != "" {
		clip, err := embedding.NewClipModel(embedding.ClipConfig{
			BaseURL:    cfg.ImageEmbedURL,
			Model:      cfg.ImageEmbedModel,
			Dimensions: cfg.ImageDimensions,
			Timeout:    cfg.ImageEmbedTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("image embedding init failed")
		}
		imageModel = clip
		log.Info().Str("url", cfg.ImageEmbedURL).Msg("image embedding enabled")
	} else {
		imageModel = embedding.NewNoopImageModel(cfg.ImageDimensions)
		log.Warn().Msg("IMAGE_EMBED_URL not set, image similarity disabled")
	}
	embedService := embedding.NewService(
		embedding.NewHashTextModel(cfg.TextDimensions),
		imageModel,
		cfg.EmbedWorkers,
		log.Logger,
	)

	engine := dedup.NewEngine(reportStore, photoStore, embedService, dedup.Config{
		MaxDistanceMeters: cfg.MaxDistanceMeters,
		TimeWindow:        cfg.TimeWindow(),
		HardThreshold:     cfg.HardThreshold,
		SoftThreshold:     cfg.SoftThreshold,
		Weights: models.ScoreWeights{
			Location: cfg.WeightLocation,
			Text:     cfg.WeightText,
			Image:    cfg.WeightImage,
			Recency:  cfg.WeightRecency,
		},
	}, log.Logger)

	manager := lifecycle.NewManager(reportStore, cfg.DeletionGrace(), log.Logger)

	sweepSvc := sweeper.NewService(reportStore, cfg.SweeperPeriod, log.Logger)
	go sweepSvc.Start(ctx)

	svc := worker.NewService(Version, cfg, worker.Deps{
		Engine:    engine,
		Lifecycle: manager,
		Queries:   reportStore,
		Sweeper:   sweepSvc,
		Photos:    photoStore,
		DBPing:    store.Ping,
	}, log.Logger)

	// A change to the env file triggers a graceful restart via the normal
	// shutdown path; the process supervisor brings the service back up.
	restartCh := make(chan struct{}, 1)
	envWatcher := startEnvWatcher(cfg.EnvFile, restartCh)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-restartCh:
		log.Info().Str("path", cfg.EnvFile).Msg("env file changed, restarting")
		exitCode = 1
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	sweepSvc.Stop()
	sweepSvc.Wait()
	cancel()

	if envWatcher != nil {
		_ = envWatcher.Stop()
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown error")
		}
	}

	log.Info().Msg("reportd shutdown complete")
	os.Exit(exitCode)
}

// setupLogging configures zerolog output and level.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// startEnvWatcher watches the env file when it exists. Best effort.
func startEnvWatcher(path string, restartCh chan<- struct{}) *watcher.Watcher {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	w, err := watcher.New(path, func() {
		select {
		case restartCh <- struct{}{}:
		default:
		}
	}, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("env watcher creation failed")
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("env watcher start failed")
		return nil
	}
	log.Info().Str("path", path).Msg("env file watcher started")
	return w
}
