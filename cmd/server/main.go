package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/database"
	"github.com/proctorly/attempt-engine/internal/handler"
	"github.com/proctorly/attempt-engine/internal/lock"
	"github.com/proctorly/attempt-engine/internal/logger"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/proctorly/attempt-engine/internal/router"
	"github.com/proctorly/attempt-engine/internal/service"
	"github.com/proctorly/attempt-engine/internal/validator"
	"github.com/proctorly/attempt-engine/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Attempt Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	attemptRepo := repository.NewAttemptRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	telemetryRepo := repository.NewTelemetryRepository(pool)
	riskRepo := repository.NewRiskRepository(pool)
	examRepo := repository.NewExamRepository(pool, rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	attemptLock := lock.NewAttemptLock(rdb)
	syncService := service.NewAnswerSyncService(answerRepo)
	publisher := service.NewResultPublisher(attemptRepo, answerRepo, examRepo, attemptLock, rdb, log)
	attemptService := service.NewAttemptService(attemptRepo, examRepo, syncService, publisher, attemptLock, cfg, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptService, log),
		Risk:    handler.NewRiskHandler(attemptRepo, telemetryRepo, riskRepo, rdb, log),
		WS:      handler.NewWSHandler(attemptService, rdb, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workers, _ := errgroup.WithContext(workerCtx)

	telemetryWorker := worker.NewTelemetryWorker(telemetryRepo, attemptRepo, answerRepo, riskRepo, examRepo, rdb, cfg, log)
	sweeperWorker := worker.NewSweeperWorker(attemptRepo, attemptService, cfg, log)

	workers.Go(func() error {
		telemetryWorker.Start(workerCtx)
		return nil
	})
	workers.Go(func() error {
		sweeperWorker.Start(workerCtx)
		return nil
	})

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for their buffers to drain.
	workerCancel()
	if err := workers.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
