// Package analytics reports over archived insights and the engine's backing services.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
	"github.com/enterprise/insight-engine/internal/repositories"
)

// MaxRangeDays bounds GetInsightSummaryRange
const MaxRangeDays = 31

// History limits
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

var (
	// ErrInvalidRange is returned for an inverted or oversized date range
	ErrInvalidRange = errors.New("invalid date range")
	// ErrInvalidPayer is returned for an empty payer id
	ErrInvalidPayer = errors.New("payer_id is required")
)

// InsightArchive reads archived insights
type InsightArchive interface {
	DailySummary(ctx context.Context, date time.Time) (*models.InsightSummary, error)
	History(ctx context.Context, payerID string, limit int) ([]*models.UserInsight, error)
}

// PaymentCounter counts recently ingested payments
type PaymentCounter interface {
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// PoolReporter exposes database pool counters
type PoolReporter interface {
	Stats() repositories.PoolStats
}

// StreamInspector reports event stream statistics
type StreamInspector interface {
	GetStreamInfo(ctx context.Context) (*queue.StreamInfo, error)
}

// ModelInspector reports the active model snapshot
type ModelInspector interface {
	Info() models.ModelInfo
}

// AnalyticsService provides analytics and reporting functionality
type AnalyticsService struct {
	archive  InsightArchive
	payments PaymentCounter
	pool     PoolReporter
	streams  StreamInspector
	models   ModelInspector
	cache    *queue.CacheClient
	now      func() time.Time
}

// NewAnalyticsService creates a new analytics service. Every dependency but archive may be nil.
func NewAnalyticsService(
	archive InsightArchive,
	payments PaymentCounter,
	pool PoolReporter,
	streams StreamInspector,
	m ModelInspector,
	cache *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		archive:  archive,
		payments: payments,
		pool:     pool,
		streams:  streams,
		models:   m,
		cache:    cache,
		now:      time.Now,
	}
}

// WithClock replaces the service's time source
func (s *AnalyticsService) WithClock(now func() time.Time) *AnalyticsService {
	s.now = now
	return s
}

// GetInsightSummary returns the insight summary for the calendar day of date
func (s *AnalyticsService) GetInsightSummary(ctx context.Context, date time.Time) (*models.InsightSummary, error) {
	// Try cache first
	cacheKey := fmt.Sprintf("insight_summary:%s", date.Format("2006-01-02"))
	var cached models.InsightSummary
	if s.cache != nil {
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	summary, err := s.archive.DailySummary(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get insight summary: %w", err)
	}

	// today's figures still move; past days are settled
	if s.cache != nil {
		cacheDuration := 5 * time.Minute
		if s.now().Sub(date) > 24*time.Hour {
			cacheDuration = time.Hour
		}
		if err := s.cache.Set(ctx, cacheKey, summary, cacheDuration); err != nil {
			log.Warn().Err(err).Msg("Failed to cache insight summary")
		}
	}

	return summary, nil
}

// GetInsightSummaryRange returns one summary per day from startDate to endDate inclusive.
// Days that fail are logged and skipped.
func (s *AnalyticsService) GetInsightSummaryRange(ctx context.Context, startDate, endDate time.Time) ([]*models.InsightSummary, error) {
	if endDate.Before(startDate) {
		return nil, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}
	if endDate.Sub(startDate) >= MaxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("%w: at most %d days", ErrInvalidRange, MaxRangeDays)
	}

	summaries := []*models.InsightSummary{}
	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		summary, err := s.GetInsightSummary(ctx, d)
		if err != nil {
			log.Warn().Err(err).Time("date", d).Msg("Failed to get summary for date")
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// GetPayerHistory returns the archived insights of payerID, newest first.
// limit is clamped to MaxHistoryLimit; non-positive values use DefaultHistoryLimit.
func (s *AnalyticsService) GetPayerHistory(ctx context.Context, payerID string, limit int) ([]*models.UserInsight, error) {
	if strings.TrimSpace(payerID) == "" {
		return nil, ErrInvalidPayer
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	history, err := s.archive.History(ctx, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get payer history: %w", err)
	}
	if history == nil {
		history = []*models.UserInsight{}
	}
	return history, nil
}

// GetSystemMetrics returns current system metrics. Sources that fail are logged and left at zero.
func (s *AnalyticsService) GetSystemMetrics(ctx context.Context) (*models.SystemMetrics, error) {
	now := s.now()
	metrics := &models.SystemMetrics{
		Timestamp: now.UTC(),
	}

	// Get database stats
	if s.pool != nil {
		stats := s.pool.Stats()
		metrics.DBConnectionsActive = int(stats.AcquiredConns)
		metrics.DBConnectionsIdle = int(stats.IdleConns)
	}

	// Get queue depth
	if s.streams != nil {
		info, err := s.streams.GetStreamInfo(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read stream info")
		} else {
			metrics.QueueLength = info.Length
			metrics.QueuePending = info.PendingCount
		}
	}

	// Calculate payments per second (from last minute)
	if s.payments != nil {
		count, err := s.payments.CountSince(ctx, now.Add(-time.Minute))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count recent payments")
		} else {
			metrics.PaymentsPerSec = float64(count) / 60.0
		}
	}

	if s.models != nil {
		metrics.ModelVersion = s.models.Info().Version
	}

	return metrics, nil
}
