package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/insight-engine/internal/models"
)

// TrainingRunRepository is the append-only log of training runs
type TrainingRunRepository struct {
	db *Database
}

// NewTrainingRunRepository creates a new training run repository
func NewTrainingRunRepository(db *Database) *TrainingRunRepository {
	return &TrainingRunRepository{db: db}
}

// RecordRun appends run to the log, assigning its ID if unset
func (r *TrainingRunRepository) RecordRun(ctx context.Context, run *models.TrainingRun) error {
	query := `
		INSERT INTO training_runs (
			id, status, model_version, row_count, synthetic, accuracy, error, duration_ms, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	if _, err := r.db.Pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.ModelVersion,
		run.Rows,
		run.Synthetic,
		run.Accuracy,
		run.Error,
		run.DurationMs,
		run.StartedAt,
	); err != nil {
		return fmt.Errorf("failed to insert training run: %w", err)
	}
	return nil
}

// Recent returns the last limit runs, newest first
func (r *TrainingRunRepository) Recent(ctx context.Context, limit int) ([]*models.TrainingRun, error) {
	query := `
		SELECT id, status, model_version, row_count, synthetic, accuracy, error, duration_ms, started_at
		FROM training_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	return scanTrainingRuns(rows)
}

func scanTrainingRuns(rows pgx.Rows) ([]*models.TrainingRun, error) {
	runs := []*models.TrainingRun{}
	for rows.Next() {
		run := &models.TrainingRun{}
		var status string
		if err := rows.Scan(
			&run.ID,
			&status,
			&run.ModelVersion,
			&run.Rows,
			&run.Synthetic,
			&run.Accuracy,
			&run.Error,
			&run.DurationMs,
			&run.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		run.Status = models.TrainingRunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate training runs: %w", err)
	}
	return runs, nil
}
