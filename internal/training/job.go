// Package training refits the scoring models from recent labelled observations.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/scoring"
)

// ErrTrainingInProgress is returned when a run is requested while another is active
var ErrTrainingInProgress = errors.New("training already in progress")

// DefaultWindow is how far back labelled rows are read
const DefaultWindow = 30 * 24 * time.Hour

// RowSource loads labelled training rows created after since
type RowSource interface {
	LoadTrainingRows(ctx context.Context, since time.Time) ([]models.TrainingRow, error)
}

// RunLog appends finished runs to a durable log
type RunLog interface {
	RecordRun(ctx context.Context, run *models.TrainingRun) error
}

// Report summarizes a completed run
type Report struct {
	ModelVersion string                  `json:"model_version"`
	Rows         int                     `json:"rows"`
	DroppedRows  int                     `json:"dropped_rows"`
	Synthetic    bool                    `json:"synthetic"`
	Accuracy     float64                 `json:"accuracy"`
	TrainRows    int                     `json:"train_rows"`
	TestRows     int                     `json:"test_rows"`
	Categories   map[models.Category]int `json:"categories"`
	Duration     string                  `json:"duration"`
	CompletedAt  time.Time               `json:"completed_at"`
}

// Job runs one training pass at a time
type Job struct {
	source  RowSource
	models  *scoring.Models
	metrics *metrics.Manager
	window  time.Duration
	runLog  RunLog
	running atomic.Bool
}

// NewJob creates a training job. A nil source always trains on synthetic rows.
func NewJob(source RowSource, m *scoring.Models, mm *metrics.Manager, window time.Duration) *Job {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Job{source: source, models: m, metrics: mm, window: window}
}

// WithRunLog records every finished run in l
func (j *Job) WithRunLog(l RunLog) *Job {
	j.runLog = l
	return j
}

// Running reports whether a run is active
func (j *Job) Running() bool {
	return j.running.Load()
}

// Run loads rows, fits, persists and then publishes the new snapshot.
// On any failure the active snapshot is left untouched.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.metrics.IncTrainingRejected()
		return nil, ErrTrainingInProgress
	}
	defer j.running.Store(false)

	start := time.Now()
	report, err := j.run(ctx)
	accuracy := 0.0
	if report != nil {
		accuracy = report.Accuracy
	}
	j.metrics.ObserveTraining(time.Since(start), err, accuracy)
	j.recordRun(ctx, start, report, err)

	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Model training failed")
		return nil, err
	}

	log.Info().
		Str("model_version", report.ModelVersion).
		Int("rows", report.Rows).
		Bool("synthetic", report.Synthetic).
		Float64("accuracy", report.Accuracy).
		Str("duration", report.Duration).
		Msg("Model training completed")
	return report, nil
}

func (j *Job) recordRun(ctx context.Context, start time.Time, report *Report, runErr error) {
	if j.runLog == nil {
		return
	}

	run := &models.TrainingRun{
		Status:     models.TrainingRunCompleted,
		DurationMs: time.Since(start).Milliseconds(),
		StartedAt:  start.UTC(),
	}
	if runErr != nil {
		run.Status = models.TrainingRunFailed
		run.Error = runErr.Error()
	}
	if report != nil {
		run.ModelVersion = report.ModelVersion
		run.Rows = report.Rows
		run.Synthetic = report.Synthetic
		run.Accuracy = report.Accuracy
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.runLog.RecordRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("status", string(run.Status)).Msg("Failed to log training run")
	}
}

func (j *Job) run(ctx context.Context) (*Report, error) {
	var rows []models.TrainingRow
	if j.source != nil {
		var err error
		rows, err = j.source.LoadTrainingRows(ctx, time.Now().Add(-j.window))
		if err != nil {
			return nil, fmt.Errorf("failed to load training rows: %w", err)
		}
	}
	log.Debug().Int("rows", len(rows)).Msg("Training rows loaded")

	snapshot, result, err := scoring.Fit(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fit models: %w", err)
	}
	if result.Synthetic {
		log.Warn().
			Int("real_rows", len(rows)-result.Dropped).
			Int("min_rows", scoring.MinTrainingRows).
			Msg("Insufficient training data, using synthetic rows")
	}

	if err := j.models.Persist(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to persist models: %w", err)
	}
	j.models.Swap(snapshot)

	return &Report{
		ModelVersion: snapshot.Version(),
		Rows:         result.Rows,
		DroppedRows:  result.Dropped,
		Synthetic:    result.Synthetic,
		Accuracy:     result.Accuracy,
		TrainRows:    result.TrainRows,
		TestRows:     result.TestRows,
		Categories:   result.Categories,
		Duration:     result.Duration.String(),
		CompletedAt:  time.Now().UTC(),
	}, nil
}
