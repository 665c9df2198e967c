package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/insight-engine/internal/models"
)

// ErrInsightNotFound is returned when a payer has no archived insight
var ErrInsightNotFound = errors.New("insight not found")

// InsightRepository archives produced insights together with a labelled training observation
type InsightRepository struct {
	db *Database
}

// NewInsightRepository creates a new insight repository
func NewInsightRepository(db *Database) *InsightRepository {
	return &InsightRepository{db: db}
}

// Record stores the insight and, labelled by the segment rules, the features it came from.
// Both rows are written in one transaction.
func (r *InsightRepository) Record(ctx context.Context, insight *models.UserInsight, features *models.FeatureRecord) error {
	suggestions, err := json.Marshal(insight.CostSuggestions)
	if err != nil {
		return fmt.Errorf("failed to marshal cost suggestions: %w", err)
	}

	row := models.TrainingRowFromFeatures(features)
	row.Label = models.LabelByRules(row.TotalPayments, row.PaymentFrequency, row.AvgPaymentAmount)

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO ai_insights (
				id, payer_id, category, confidence, data_confidence, risk_score,
				efficiency_score, anomaly_score, recommendations, cost_suggestions,
				model_version, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		if _, err := tx.Exec(ctx, query,
			uuid.New(),
			insight.PayerID,
			string(insight.Category),
			insight.Confidence,
			insight.DataConfidence,
			insight.RiskScore,
			insight.EfficiencyScore,
			insight.AnomalyScore,
			pq.Array(insight.Recommendations),
			suggestions,
			insight.ModelVersion,
			insight.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert insight: %w", err)
		}

		return insertObservation(ctx, tx, insight.PayerID, row, insight.Timestamp)
	})
}

// HighAnomalyThreshold is the anomaly score from which an insight counts as anomalous in summaries
const HighAnomalyThreshold = 0.7

const insightColumns = `
	payer_id, category, confidence, data_confidence, risk_score, efficiency_score,
	anomaly_score, recommendations, cost_suggestions, model_version, created_at`

// Latest returns the most recent archived insight of payerID
func (r *InsightRepository) Latest(ctx context.Context, payerID string) (*models.UserInsight, error) {
	history, err := r.History(ctx, payerID, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrInsightNotFound
	}
	return history[0], nil
}

// History returns up to limit archived insights of payerID, newest first
func (r *InsightRepository) History(ctx context.Context, payerID string, limit int) ([]*models.UserInsight, error) {
	query := `SELECT` + insightColumns + `
		FROM ai_insights
		WHERE payer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []*models.UserInsight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, insight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate insights: %w", err)
	}
	return insights, nil
}

// DailySummary aggregates the insights archived on the calendar day of date, in date's location
func (r *InsightRepository) DailySummary(ctx context.Context, date time.Time) (*models.InsightSummary, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	query := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT payer_id),
			COALESCE(AVG(risk_score), 0),
			COALESCE(AVG(efficiency_score), 0),
			COALESCE(AVG(anomaly_score), 0),
			COUNT(CASE WHEN anomaly_score >= $3 THEN 1 END),
			COALESCE(array_agg(DISTINCT model_version) FILTER (WHERE model_version <> ''), '{}')
		FROM ai_insights
		WHERE created_at >= $1 AND created_at < $2
	`

	summary := &models.InsightSummary{
		Date:       startOfDay.Format("2006-01-02"),
		Categories: []models.CategoryCount{},
	}
	err := r.db.Pool.QueryRow(ctx, query, startOfDay, endOfDay, HighAnomalyThreshold).Scan(
		&summary.TotalInsights,
		&summary.DistinctPayers,
		&summary.AvgRiskScore,
		&summary.AvgEfficiency,
		&summary.AvgAnomalyScore,
		&summary.HighAnomalyCount,
		pq.Array(&summary.ModelVersions),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query insight summary: %w", err)
	}

	categoryQuery := `
		SELECT category, COUNT(*) AS count
		FROM ai_insights
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY category
		ORDER BY count DESC, category
	`

	rows, err := r.db.Pool.Query(ctx, categoryQuery, startOfDay, endOfDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query category distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		summary.Categories = append(summary.Categories, models.CategoryCount{
			Category: models.Category(category),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate category distribution: %w", err)
	}

	return summary, nil
}

func scanInsight(row pgx.Row) (*models.UserInsight, error) {
	var insight models.UserInsight
	var category string
	var suggestions []byte
	if err := row.Scan(
		&insight.PayerID,
		&category,
		&insight.Confidence,
		&insight.DataConfidence,
		&insight.RiskScore,
		&insight.EfficiencyScore,
		&insight.AnomalyScore,
		pq.Array(&insight.Recommendations),
		&suggestions,
		&insight.ModelVersion,
		&insight.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("failed to scan insight: %w", err)
	}

	insight.Category = models.Category(category)
	if err := json.Unmarshal(suggestions, &insight.CostSuggestions); err != nil {
		return nil, fmt.Errorf("failed to decode cost suggestions: %w", err)
	}
	return &insight, nil
}
