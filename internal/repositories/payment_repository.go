package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/insight-engine/internal/models"
)

// ErrInvalidPayment is returned when a payment cannot be stored as given
var ErrInvalidPayment = errors.New("invalid payment")

// PaymentRepository reads and writes the payment_analytics table
type PaymentRepository struct {
	db *Database
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *Database) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create stores one payment and returns its id
func (r *PaymentRepository) Create(ctx context.Context, event *models.PaymentEvent) (uuid.UUID, error) {
	if event.PayerID == "" {
		return uuid.Nil, fmt.Errorf("%w: payer_id is required", ErrInvalidPayment)
	}
	if event.Amount.IsNegative() {
		return uuid.Nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidPayment)
	}

	query := `
		INSERT INTO payment_analytics (id, payer_id, provider_id, payment_amount, paid_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
	`

	id := uuid.New()
	paidAt := time.Now().UTC()
	if event.Timestamp > 0 {
		paidAt = time.Unix(event.Timestamp, 0).UTC()
	}

	if _, err := r.db.Pool.Exec(ctx, query,
		id,
		event.PayerID,
		event.ProviderID,
		event.Amount.String(),
		paidAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	return id, nil
}

// RecentPayments returns up to limit payments of payerID, newest first
func (r *PaymentRepository) RecentPayments(ctx context.Context, payerID string, limit int) ([]models.HistoricalPayment, error) {
	query := `
		SELECT payment_amount::float8, EXTRACT(EPOCH FROM paid_at)::bigint, provider_id
		FROM payment_analytics
		WHERE payer_id = $1
		ORDER BY paid_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment history: %w", err)
	}
	defer rows.Close()

	history := make([]models.HistoricalPayment, 0, limit)
	for rows.Next() {
		var p models.HistoricalPayment
		if err := rows.Scan(&p.Amount, &p.Timestamp, &p.ProviderID); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payment history: %w", err)
	}
	return history, nil
}

// CountSince returns how many payments were ingested after since
func (r *PaymentRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_analytics WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count payments: %w", err)
	}
	return count, nil
}
