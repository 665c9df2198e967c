package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/internal/analytics"
	"github.com/enterprise/insight-engine/internal/ingestion"
	"github.com/enterprise/insight-engine/internal/insights"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/training"
)

const (
	healthCheckTimeout = 2 * time.Second
	dateLayout         = "2006-01-02"
	defaultRunsLimit   = 20
	maxRunsLimit       = 100
)

type handlers struct {
	deps Dependencies
}

func (h *handlers) health(c *gin.Context) {
	info := h.deps.Models.Info()

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	code := http.StatusOK
	components := make(gin.H, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := h.deps.Checks[name](ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("component", name).Msg("Health check failed")
			components[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := gin.H{
		"status":        status,
		"timestamp":     time.Now().Format(time.RFC3339),
		"model_trained": info.Trained,
		"model_version": info.Version,
	}
	if len(components) > 0 {
		body["components"] = components
	}
	c.JSON(code, body)
}

func (h *handlers) analyze(c *gin.Context) {
	var event models.PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	insight, report := h.deps.Insights.Process(c.Request.Context(), &event)
	if insight == nil {
		log.Warn().
			Str("payer_id", event.PayerID).
			Int("failures", len(report.Failures)).
			Str("request_id", c.GetString("request_id")).
			Msg("Analyze produced no insight")
		c.JSON(http.StatusOK, nil)
		return
	}

	c.JSON(http.StatusOK, insight)
}

func (h *handlers) userInsight(c *gin.Context) {
	insight, err := h.deps.Insights.Insight(c.Request.Context(), c.Param("payer_id"))
	if errors.Is(err, insights.ErrInsightNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "No insights available for this user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, insight)
}

func (h *handlers) train(c *gin.Context) {
	if h.deps.Trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training is not configured"})
		return
	}

	// a dropped client must not abort the run
	report, err := h.deps.Trainer.Run(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, training.ErrTrainingInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Model training completed",
		"report":  report,
	})
}

func (h *handlers) model(c *gin.Context) {
	running := false
	if h.deps.Trainer != nil {
		running = h.deps.Trainer.Running()
	}
	c.JSON(http.StatusOK, gin.H{
		"model":            h.deps.Models.Info(),
		"training_running": running,
	})
}

func (h *handlers) ingest(c *gin.Context) {
	if h.deps.Ingestor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion is not configured"})
		return
	}

	var req ingestion.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.deps.Ingestor.IngestPayment(c.Request.Context(), &req)
	if errors.Is(err, ingestion.ErrInvalidPayment) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *handlers) ingestBatch(c *gin.Context) {
	if h.deps.Ingestor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion is not configured"})
		return
	}

	var req ingestion.BatchPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, h.deps.Ingestor.IngestBatch(c.Request.Context(), &req))
}

func (h *handlers) streamInfo(c *gin.Context) {
	if h.deps.Streams == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is not configured"})
		return
	}

	info, err := h.deps.Streams.GetStreamInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) userHistory(c *gin.Context) {
	if h.deps.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics is not configured"})
		return
	}

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	history, err := h.deps.Analytics.GetPayerHistory(c.Request.Context(), c.Param("payer_id"), limit)
	if errors.Is(err, analytics.ErrInvalidPayer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payer_id": c.Param("payer_id"),
		"insights": history,
	})
}

func (h *handlers) trainingRuns(c *gin.Context) {
	if h.deps.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training log is not configured"})
		return
	}

	limit, err := queryInt(c, "limit", defaultRunsLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if limit <= 0 || limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	runs, err := h.deps.Runs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *handlers) summary(c *gin.Context) {
	if h.deps.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics is not configured"})
		return
	}

	date := time.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = parsed
	}

	summary, err := h.deps.Analytics.GetInsightSummary(c.Request.Context(), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handlers) summaryRange(c *gin.Context) {
	if h.deps.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics is not configured"})
		return
	}

	start, err := time.Parse(dateLayout, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be YYYY-MM-DD"})
		return
	}
	end, err := time.Parse(dateLayout, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be YYYY-MM-DD"})
		return
	}

	summaries, err := h.deps.Analytics.GetInsightSummaryRange(c.Request.Context(), start, end)
	if errors.Is(err, analytics.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries})
}

func (h *handlers) systemMetrics(c *gin.Context) {
	if h.deps.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics is not configured"})
		return
	}

	metrics, err := h.deps.Analytics.GetSystemMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
