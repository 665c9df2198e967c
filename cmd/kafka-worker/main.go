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

// Consumes payment events published to Kafka (for example by an upstream payments
// service) and runs them through the same pipeline as the Redis stream workers.
func main() {
	cfg, err := configs.Load()
	if err != nil {
		setupLogging("production")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Starting Payment Insight Kafka Worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mm := metrics.NewManager(metrics.WithNamespace(cfg.Metrics.Namespace))

	// Connect to database (payment history and insight records)
	db, err := repositories.NewDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Connect to Redis (history and insight cache)
	redisClient, err := queue.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

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
		queue.NewCacheClient(queue.NewRedisStore(redisClient)),
		features.NewExtractor(loc),
		modelSet,
		recorder,
		mm,
		insights.ConfigFrom(cfg.Pipeline),
	)

	consumerGroup, err := insights.NewKafkaConsumerGroup(ctx, cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := insights.NewKafkaHandler(pipeline, mm)

	var opsServer *http.Server
	if cfg.Metrics.Addr != "" {
		opsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           api.NewOpsRouter(mm, modelSet),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Ops server failed")
			}
		}()
	}

	// Start metrics reporter (logs every 30 seconds)
	go startStatsReporter(ctx, handler, modelSet, mm)

	insights.RunKafkaConsumer(ctx, consumerGroup, cfg.Kafka.Topic, handler)

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ops server forced to shutdown")
		}
	}

	log.Info().Msg("Kafka worker shutdown complete")
}

func startStatsReporter(ctx context.Context, handler *insights.KafkaHandler, m *scoring.Models, mm *metrics.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			info := m.Info()
			mm.SetModelTrained(info.Trained)

			stats := handler.Stats()
			log.Info().
				Int64("processed", stats.ProcessedCount).
				Int64("degraded", stats.DegradedCount).
				Int64("failed", stats.FailedCount).
				Str("model_version", info.Version).
				Msg("Kafka consumer stats")

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
