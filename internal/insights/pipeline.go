// Package insights turns payment events into cached per-payer insights.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/features"
	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
	"github.com/enterprise/insight-engine/internal/scoring"
)

// ErrInsightNotFound is returned when no cached insight exists for a payer
var ErrInsightNotFound = errors.New("no insights available for this user")

// HistoryStore returns a payer's most recent payments, newest first
type HistoryStore interface {
	RecentPayments(ctx context.Context, payerID string, limit int) ([]models.HistoricalPayment, error)
}

// Recorder archives a produced insight and the features behind it
type Recorder interface {
	Record(ctx context.Context, insight *models.UserInsight, features *models.FeatureRecord) error
}

// Config tunes the pipeline
type Config struct {
	CacheTTL        time.Duration
	HistoryLimit    int
	ExternalTimeout time.Duration
}

// DefaultConfig returns the production pipeline settings
func DefaultConfig() Config {
	return Config{
		CacheTTL:        300 * time.Second,
		HistoryLimit:    100,
		ExternalTimeout: 3 * time.Second,
	}
}

// ConfigFrom maps the loaded pipeline settings
func ConfigFrom(p configs.PipelineConfig) Config {
	return Config{
		CacheTTL:        p.CacheTTL,
		HistoryLimit:    p.HistoryLimit,
		ExternalTimeout: p.ExternalTimeout,
	}
}

// Pipeline runs history lookup, feature extraction, scoring and caching for one event
type Pipeline struct {
	history   HistoryStore
	cache     *queue.CacheClient
	extractor *features.Extractor
	models    *scoring.Models
	recorder  Recorder
	metrics   *metrics.Manager
	cfg       Config
	now       func() time.Time
}

// NewPipeline creates a pipeline. recorder and mm may be nil.
func NewPipeline(
	history HistoryStore,
	cache *queue.CacheClient,
	extractor *features.Extractor,
	m *scoring.Models,
	recorder Recorder,
	mm *metrics.Manager,
	cfg Config,
) *Pipeline {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = def.ExternalTimeout
	}
	return &Pipeline{
		history:   history,
		cache:     cache,
		extractor: extractor,
		models:    m,
		recorder:  recorder,
		metrics:   mm,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the pipeline's time source
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process produces an insight for event. A nil insight means no insight was produced
// (invalid event, cancelled context or a panic in a stage) and must not be retried
// automatically. Every other failure degrades the insight and is listed in the report.
func (p *Pipeline) Process(ctx context.Context, event *models.PaymentEvent) (insight *models.UserInsight, report Report) {
	start := time.Now()
	stage := StageInput

	defer func() {
		if r := recover(); r != nil {
			insight = nil
			report.add(stage, KindPanic, fmt.Errorf("panic: %v", r))
		}
		report.Duration = time.Since(start)
		for _, f := range report.Failures {
			p.metrics.IncStageFailure(string(f.Stage), string(f.Kind))
		}
		p.metrics.ObserveProcess(report.Duration, insight != nil)
		p.logReport(event, insight, &report)
	}()

	if event == nil || event.PayerID == "" {
		report.add(StageInput, KindInvalidEvent, errors.New("event without payer_id"))
		return nil, report
	}
	if err := ctx.Err(); err != nil {
		report.add(StageInput, KindCanceled, err)
		return nil, report
	}
	if len(event.Malformed) > 0 {
		report.add(StageInput, KindDegradedFeatures,
			fmt.Errorf("%w: defaulted %s", features.ErrDegradedFeatures, strings.Join(event.Malformed, ", ")))
	}

	stage = StageHistory
	history := p.resolveHistory(ctx, event.PayerID, &report)
	if err := ctx.Err(); err != nil {
		report.add(StageHistory, KindCanceled, err)
		return nil, report
	}

	stage = StageFeatures
	now := p.now()
	record, err := p.extractor.Extract(event, history, now)
	if err != nil {
		report.add(StageFeatures, KindDegradedFeatures, err)
	}

	// one snapshot for the whole call
	snapshot := p.models.Current()

	stage = StageClassification
	category, confidence, err := snapshot.Classify(&record)
	if err != nil {
		report.add(StageClassification, modelKind(err, KindClassification), err)
	}

	stage = StageAnomaly
	anomaly, err := snapshot.ScoreAnomaly(&record)
	if err != nil {
		report.add(StageAnomaly, modelKind(err, KindAnomaly), err)
	}

	stage = StageHeuristics
	result := &models.UserInsight{
		PayerID:         event.PayerID,
		Timestamp:       now.UTC(),
		Category:        category,
		Confidence:      confidence,
		DataConfidence:  scoring.DataConfidence(&record),
		Recommendations: scoring.Recommendations(category, &record),
		RiskScore:       scoring.RiskScore(&record),
		EfficiencyScore: scoring.EfficiencyScore(&record),
		AnomalyScore:    anomaly,
		CostSuggestions: scoring.CostSuggestions(record.PaymentAmount, history, record.HourOfDay),
		ModelVersion:    snapshot.Version(),
	}

	stage = StageCacheWrite
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.cache.Set(ctx, queue.InsightKey(event.PayerID), result, p.cfg.CacheTTL)
	}); err != nil {
		p.metrics.IncCache("set_insight", "error")
		report.add(StageCacheWrite, KindCacheWrite, err)
	} else {
		p.metrics.IncCache("set_insight", "ok")
	}

	stage = StageRecord
	if p.recorder != nil {
		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return p.recorder.Record(ctx, result, &record)
		}); err != nil {
			report.add(StageRecord, KindRecord, err)
		}
	}

	return result, report
}

// resolveHistory reads the cached history, falling back to the store and caching its answer.
// Failures leave the history empty.
func (p *Pipeline) resolveHistory(ctx context.Context, payerID string, report *Report) []models.HistoricalPayment {
	key := queue.HistoryKey(payerID)

	var cached []models.HistoricalPayment
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.cache.Get(ctx, key, &cached)
	})
	switch {
	case err == nil:
		p.metrics.IncCache("get_history", "hit")
		report.CacheHit = true
		return cached
	case errors.Is(err, queue.ErrCacheMiss):
		p.metrics.IncCache("get_history", "miss")
	default:
		p.metrics.IncCache("get_history", "error")
		report.add(StageHistory, KindCacheRead, err)
	}

	var history []models.HistoricalPayment
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		history, err = p.history.RecentPayments(ctx, payerID, p.cfg.HistoryLimit)
		return err
	}); err != nil {
		report.add(StageHistory, KindHistoryUnavailable, err)
		return nil
	}
	if len(history) > p.cfg.HistoryLimit {
		history = history[:p.cfg.HistoryLimit]
	}

	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.cache.Set(ctx, key, history, p.cfg.CacheTTL)
	}); err != nil {
		p.metrics.IncCache("set_history", "error")
		report.add(StageHistory, KindCacheWrite, err)
	} else {
		p.metrics.IncCache("set_history", "ok")
	}
	return history
}

// Insight returns the cached insight of payerID
func (p *Pipeline) Insight(ctx context.Context, payerID string) (*models.UserInsight, error) {
	var insight models.UserInsight
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.cache.Get(ctx, queue.InsightKey(payerID), &insight)
	})
	if errors.Is(err, queue.ErrCacheMiss) {
		p.metrics.IncCache("get_insight", "miss")
		return nil, ErrInsightNotFound
	}
	if err != nil {
		p.metrics.IncCache("get_insight", "error")
		return nil, fmt.Errorf("failed to read cached insight: %w", err)
	}
	p.metrics.IncCache("get_insight", "hit")
	return &insight, nil
}

// Models returns the model holder the pipeline scores with
func (p *Pipeline) Models() *scoring.Models {
	return p.models
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ExternalTimeout)
	defer cancel()
	return fn(ctx)
}

func modelKind(err error, fallback Kind) Kind {
	if errors.Is(err, scoring.ErrModelUnavailable) {
		return KindModelUnavailable
	}
	return fallback
}

func (p *Pipeline) logReport(event *models.PaymentEvent, insight *models.UserInsight, report *Report) {
	payerID := ""
	if event != nil {
		payerID = event.PayerID
	}

	for _, f := range report.Failures {
		entry := log.Warn()
		if f.Kind.Informational() {
			entry = log.Debug()
		}
		entry.Err(f.Err).
			Str("payer_id", payerID).
			Str("stage", string(f.Stage)).
			Str("kind", string(f.Kind)).
			Msg("Pipeline stage failed")
	}

	if insight == nil {
		log.Error().
			Str("payer_id", payerID).
			Dur("duration", report.Duration).
			Msg("No insight produced")
		return
	}

	log.Debug().
		Str("payer_id", payerID).
		Str("category", string(insight.Category)).
		Float64("anomaly_score", insight.AnomalyScore).
		Str("model_version", insight.ModelVersion).
		Bool("cache_hit", report.CacheHit).
		Dur("duration", report.Duration).
		Msg("Insight produced")
}
