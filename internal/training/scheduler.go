package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/internal/scoring"
)

// Scheduler fires a model maintenance task on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	name    string
	task    func(context.Context)
	baseCtx context.Context
}

// NewScheduler schedules training runs for schedule (standard cron or descriptors like "@every 6h").
// An empty schedule returns a nil scheduler, whose methods are no-ops.
func NewScheduler(baseCtx context.Context, job *Job, schedule string) (*Scheduler, error) {
	return newScheduler(baseCtx, "training", schedule, func(ctx context.Context) {
		if _, err := job.Run(ctx); err != nil {
			if errors.Is(err, ErrTrainingInProgress) {
				log.Info().Msg("Scheduled training skipped, a run is already active")
				return
			}
			log.Error().Err(err).Msg("Scheduled training failed")
		}
	})
}

// NewRefreshScheduler reloads persisted artifacts into m on schedule, for processes that
// score but do not train. An empty schedule returns a nil scheduler.
func NewRefreshScheduler(baseCtx context.Context, m *scoring.Models, schedule string) (*Scheduler, error) {
	return newScheduler(baseCtx, "model refresh", schedule, func(ctx context.Context) {
		if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, scoring.ErrArtifactNotFound) {
			log.Warn().Err(err).Msg("Model refresh failed, keeping active snapshot")
		}
	})
}

func newScheduler(baseCtx context.Context, name, schedule string, task func(context.Context)) (*Scheduler, error) {
	if schedule == "" {
		return nil, nil
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	s := &Scheduler{
		cron:    cron.New(),
		name:    name,
		task:    task,
		baseCtx: baseCtx,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule %s %q: %w", name, schedule, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if s.baseCtx.Err() != nil {
		return
	}
	s.task(s.baseCtx)
}

// Start begins firing the schedule
func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
	log.Info().Str("task", s.name).Int("entries", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop halts the schedule and waits for a running task to return
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Str("task", s.name).Msg("Scheduler stopped")
}
