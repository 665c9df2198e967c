// Package api exposes the insight engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/enterprise/insight-engine/internal/ingestion"
	"github.com/enterprise/insight-engine/internal/insights"
	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
	"github.com/enterprise/insight-engine/internal/training"
)

// InsightService produces and serves insights
type InsightService interface {
	Process(ctx context.Context, event *models.PaymentEvent) (*models.UserInsight, insights.Report)
	Insight(ctx context.Context, payerID string) (*models.UserInsight, error)
}

// ModelInspector reports the active snapshot
type ModelInspector interface {
	Info() models.ModelInfo
}

// Trainer runs training on demand
type Trainer interface {
	Run(ctx context.Context) (*training.Report, error)
	Running() bool
}

// Ingestor accepts new payments
type Ingestor interface {
	IngestPayment(ctx context.Context, req *ingestion.PaymentRequest) (*ingestion.PaymentResponse, error)
	IngestBatch(ctx context.Context, req *ingestion.BatchPaymentRequest) *ingestion.BatchPaymentResponse
}

// StreamInspector reports event stream statistics
type StreamInspector interface {
	GetStreamInfo(ctx context.Context) (*queue.StreamInfo, error)
}

// Analytics reports over archived insights
type Analytics interface {
	GetInsightSummary(ctx context.Context, date time.Time) (*models.InsightSummary, error)
	GetInsightSummaryRange(ctx context.Context, start, end time.Time) ([]*models.InsightSummary, error)
	GetPayerHistory(ctx context.Context, payerID string, limit int) ([]*models.UserInsight, error)
	GetSystemMetrics(ctx context.Context) (*models.SystemMetrics, error)
}

// RunHistory lists logged training runs
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]*models.TrainingRun, error)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies are the services behind the routes. Insights and Models are required.
type Dependencies struct {
	Insights  InsightService
	Models    ModelInspector
	Trainer   Trainer
	Runs      RunHistory
	Ingestor  Ingestor
	Streams   StreamInspector
	Analytics Analytics
	Checks    map[string]HealthCheck
	Metrics   *metrics.Manager
}

// Options tune the router
type Options struct {
	Environment string
	RateLimit   int // requests per minute per client; 0 disables
}

// NewRouter builds the gin engine. Background work started for the router stops with ctx.
func NewRouter(ctx context.Context, deps Dependencies, opts Options) *gin.Engine {
	if opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(metricsMiddleware(deps.Metrics))
	router.Use(corsMiddleware())

	if opts.RateLimit > 0 {
		limiter := NewRateLimiter(opts.RateLimit, time.Minute)
		go limiter.Run(ctx)
		router.Use(rateLimitMiddleware(limiter))
	}

	h := &handlers{deps: deps}

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	router.POST("/analyze", h.analyze)
	router.GET("/user/:payer_id", h.userInsight)
	router.GET("/user/:payer_id/history", h.userHistory)
	router.POST("/train", h.train)
	router.GET("/train/runs", h.trainingRuns)
	router.GET("/model", h.model)

	router.POST("/events", h.ingest)
	router.POST("/events/batch", h.ingestBatch)
	router.GET("/events/stream", h.streamInfo)

	analytics := router.Group("/analytics")
	{
		analytics.GET("/summary", h.summary)
		analytics.GET("/summary/range", h.summaryRange)
		analytics.GET("/system", h.systemMetrics)
	}

	return router
}

// NewOpsRouter serves /metrics and a liveness /health for processes without the public API
func NewOpsRouter(mm *metrics.Manager, inspector ModelInspector) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		info := inspector.Info()
		c.JSON(http.StatusOK, gin.H{
			"status":        "healthy",
			"timestamp":     time.Now().Format(time.RFC3339),
			"model_trained": info.Trained,
			"model_version": info.Version,
		})
	})
	router.GET("/metrics", gin.WrapH(mm.Handler()))
	return router
}
