package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/api"
	"github.com/enterprise/insight-engine/internal/features"
	"github.com/enterprise/insight-engine/internal/insights"
	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/queue"
	"github.com/enterprise/insight-engine/internal/repositories"
	"github.com/enterprise/insight-engine/internal/scoring"
	"github.com/enterprise/insight-engine/internal/training"
)

func main() {
	cfg, err := configs.Load()
	if err != nil {
		setupLogging("production")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Str("stream", cfg.Redis.StreamName).
		Msg("Starting Payment Insight Worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mm := metrics.NewManager(metrics.WithNamespace(cfg.Metrics.Namespace))

	// Initialize database
	db, err := repositories.NewDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	redisClient, err := queue.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	streamClient := queue.NewRedisStreamClient(ctx, redisClient, cfg.Redis)
	cacheClient := queue.NewCacheClient(queue.NewRedisStore(redisClient))

	// Initialize models; this process only reloads what the API server trains
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve timezone")
	}

	if cfg.Models.Dir == "" {
		log.Fatal().Msg("Workers need a shared models directory")
	}
	modelSet := scoring.NewModels(scoring.NewFileArtifactStore(cfg.Models.Dir))
	_ = modelSet.Load(ctx)
	mm.SetModelTrained(modelSet.Current().Trained())

	refresher, err := training.NewRefreshScheduler(ctx, modelSet, cfg.Models.RefreshSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model refresh scheduler")
	}
	refresher.Start()
	defer refresher.Stop()

	var recorder insights.Recorder
	if cfg.Pipeline.RecordInsights {
		recorder = repositories.NewInsightRepository(db)
	}

	pipeline := insights.NewPipeline(
		repositories.NewPaymentRepository(db),
		cacheClient,
		features.NewExtractor(loc),
		modelSet,
		recorder,
		mm,
		insights.ConfigFrom(cfg.Pipeline),
	)

	// Create worker pool
	workerPool := insights.NewWorkerPool(
		cfg.Worker.Concurrency,
		pipeline,
		streamClient,
		cfg.Worker,
		mm,
	)

	opsServer := startOpsServer(cfg.Metrics.Addr, mm, modelSet)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go reportStats(ctx, workerPool, modelSet, mm)

	// Start worker pool in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- workerPool.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}

	// Stop worker pool
	if err := workerPool.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker pool")
	}
	stopOpsServer(opsServer)

	log.Info().Msg("Worker shutdown complete")
}

func startOpsServer(addr string, mm *metrics.Manager, inspector api.ModelInspector) *http.Server {
	if addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewOpsRouter(mm, inspector),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()
	return srv
}

func stopOpsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}
}

func reportStats(ctx context.Context, pool *insights.WorkerPool, m *scoring.Models, mm *metrics.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			info := m.Info()
			mm.SetModelTrained(info.Trained)

			stats := pool.GetAggregatedStats()
			log.Info().
				Interface("processed", stats["total_processed"]).
				Interface("degraded", stats["total_degraded"]).
				Interface("failed", stats["total_failed"]).
				Interface("avg_processing_ms", stats["avg_processing_ms"]).
				Str("model_version", info.Version).
				Msg("Worker pool stats")
		case <-ctx.Done():
			return
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
