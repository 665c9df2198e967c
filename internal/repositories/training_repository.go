package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/enterprise/insight-engine/internal/models"
)

const trainingColumns = `payment_amount, total_payments, avg_payment_amount, payment_frequency,
	provider_diversity, recent_payment_count, hour_of_day, day_of_week, is_weekend,
	recent_payment_variance, user_category`

// TrainingRepository reads and writes labelled observations in user_training_data
type TrainingRepository struct {
	db *Database
}

// NewTrainingRepository creates a new training repository
func NewTrainingRepository(db *Database) *TrainingRepository {
	return &TrainingRepository{db: db}
}

// LoadTrainingRows returns every observation created after since
func (r *TrainingRepository) LoadTrainingRows(ctx context.Context, since time.Time) ([]models.TrainingRow, error) {
	query := `SELECT ` + trainingColumns + `
		FROM user_training_data
		WHERE created_at > $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query training data: %w", err)
	}
	defer rows.Close()

	var out []models.TrainingRow
	for rows.Next() {
		var row models.TrainingRow
		var label string
		if err := rows.Scan(
			&row.PaymentAmount,
			&row.TotalPayments,
			&row.AvgPaymentAmount,
			&row.PaymentFrequency,
			&row.ProviderDiversity,
			&row.RecentPaymentCount,
			&row.HourOfDay,
			&row.DayOfWeek,
			&row.IsWeekend,
			&row.RecentPaymentVariance,
			&label,
		); err != nil {
			return nil, fmt.Errorf("failed to scan training row: %w", err)
		}
		row.Label = models.Category(label)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read training data: %w", err)
	}
	return out, nil
}

// insertObservation writes one labelled row inside tx
func insertObservation(ctx context.Context, tx pgx.Tx, payerID string, row models.TrainingRow, at time.Time) error {
	query := `INSERT INTO user_training_data (payer_id, ` + trainingColumns + `, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := tx.Exec(ctx, query,
		payerID,
		row.PaymentAmount,
		row.TotalPayments,
		row.AvgPaymentAmount,
		row.PaymentFrequency,
		row.ProviderDiversity,
		row.RecentPaymentCount,
		row.HourOfDay,
		row.DayOfWeek,
		row.IsWeekend,
		row.RecentPaymentVariance,
		string(row.Label),
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to insert training observation: %w", err)
	}
	return nil
}
