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
	"github.com/enterprise/insight-engine/internal/analytics"
	"github.com/enterprise/insight-engine/internal/api"
	"github.com/enterprise/insight-engine/internal/features"
	"github.com/enterprise/insight-engine/internal/ingestion"
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
		Str("port", cfg.Server.Port).
		Msg("Starting Payment Insight API Server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mm := metrics.NewManager(metrics.WithNamespace(cfg.Metrics.Namespace))

	// Initialize database
	db, err := repositories.NewDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}

	// Initialize Redis
	redisClient, err := queue.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	streamClient := queue.NewRedisStreamClient(ctx, redisClient, cfg.Redis)
	cacheClient := queue.NewCacheClient(queue.NewRedisStore(redisClient))

	// Initialize models
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve timezone")
	}

	modelSet := scoring.NewModels(artifactStore(cfg.Models.Dir))
	loadErr := modelSet.Load(ctx)
	mm.SetModelTrained(modelSet.Current().Trained())

	// Initialize repositories and services
	paymentRepo := repositories.NewPaymentRepository(db)
	trainingRepo := repositories.NewTrainingRepository(db)

	insightRepo := repositories.NewInsightRepository(db)
	runRepo := repositories.NewTrainingRunRepository(db)

	var recorder insights.Recorder
	if cfg.Pipeline.RecordInsights {
		recorder = insightRepo
	}

	pipeline := insights.NewPipeline(
		paymentRepo,
		cacheClient,
		features.NewExtractor(loc),
		modelSet,
		recorder,
		mm,
		insights.ConfigFrom(cfg.Pipeline),
	)
	ingestionService := ingestion.NewIngestionService(paymentRepo, streamClient, cacheClient, mm)

	analyticsService := analytics.NewAnalyticsService(insightRepo, paymentRepo, db, streamClient, modelSet, cacheClient)

	job := training.NewJob(trainingRepo, modelSet, mm, cfg.Training.Window).WithRunLog(runRepo)
	scheduler, err := training.NewScheduler(ctx, job, cfg.Training.Schedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create training scheduler")
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Training.OnStartup && loadErr != nil {
		go func() {
			if _, err := job.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Startup training failed")
			}
		}()
	}

	router := api.NewRouter(ctx, api.Dependencies{
		Insights:  pipeline,
		Models:    modelSet,
		Trainer:   job,
		Runs:      runRepo,
		Ingestor:  ingestionService,
		Streams:   streamClient,
		Analytics: analyticsService,
		Checks: map[string]api.HealthCheck{
			"database": db.HealthCheck,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		Metrics: mm,
	}, api.Options{
		Environment: cfg.Server.Environment,
		RateLimit:   cfg.Server.RateLimit,
	})

	go reportPoolStats(ctx, db)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func artifactStore(dir string) scoring.ArtifactStore {
	if dir == "" {
		log.Warn().Msg("No models directory configured, artifacts are kept in memory")
		return scoring.NewMemoryArtifactStore()
	}
	return scoring.NewFileArtifactStore(dir)
}

func reportPoolStats(ctx context.Context, db *repositories.Database) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := db.Stats()
			log.Debug().
				Int32("total_conns", stats.TotalConns).
				Int32("idle_conns", stats.IdleConns).
				Int32("acquired_conns", stats.AcquiredConns).
				Msg("Database pool stats")
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
