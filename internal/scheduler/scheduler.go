// -----------------------------------------------------------------------
// Scheduler - cron-driven sweeps: stale work items and orphaned
// fair-scheduling rows
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/coordinator"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/policy"
)

const staleSweepLimit = 200

// Scheduler runs the background maintenance sweeps on cron schedules
type Scheduler struct {
	store       interfaces.JobStorage
	coordinator *coordinator.Coordinator
	config      *common.WorkConfig
	cron        *cron.Cron
	logger      arbor.ILogger
}

// NewScheduler creates the sweep scheduler
func NewScheduler(store interfaces.JobStorage, coord *coordinator.Coordinator, config *common.WorkConfig, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		store:       store,
		coordinator: coord,
		config:      config,
		cron:        cron.New(),
		logger:      logger,
	}
}

// Start registers the cron entries and starts the scheduler
func (s *Scheduler) Start() error {
	if s.config.StaleSchedule != "" {
		if _, err := s.cron.AddFunc(s.config.StaleSchedule, func() {
			if err := s.SweepStaleItems(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Stale work item sweep failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid stale sweep schedule %q: %w", s.config.StaleSchedule, err)
		}
	}

	if s.config.ReaperSchedule != "" {
		if _, err := s.cron.AddFunc(s.config.ReaperSchedule, func() {
			if err := s.ReapUserWork(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("User work reap failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid reaper schedule %q: %w", s.config.ReaperSchedule, err)
		}
	}

	s.cron.Start()
	s.logger.Info().
		Str("stale", s.config.StaleSchedule).
		Str("reaper", s.config.ReaperSchedule).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron scheduler and waits for running sweeps
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// SweepStaleItems fails running items whose worker went silent. The failure
// flows through the coordinator as a transient fault, so the usual retry
// budget applies before the item fails for good.
func (s *Scheduler) SweepStaleItems(ctx context.Context) error {
	if s.config.StaleAfterMinutes <= 0 {
		return nil
	}

	items, err := s.store.StaleWorkItems(ctx, s.config.StaleAfterMinutes, staleSweepLimit)
	if err != nil {
		return err
	}

	for _, item := range items {
		s.logger.Warn().
			Str("jobID", item.JobID).
			Int64("workItemID", item.ID).
			Str("podName", item.PodName).
			Msg("Work item went stale; reporting as transient failure")

		err := s.coordinator.CompleteWork(ctx, item.ID, &models.WorkItemUpdate{
			Status:        models.WorkItemStatusFailed,
			ErrorMessage:  fmt.Sprintf("work item stalled on pod %s with no update for %d minutes", item.PodName, s.config.StaleAfterMinutes),
			ErrorCategory: string(policy.KindTransient),
		})
		if err != nil && err != interfaces.ErrAlreadyTerminal {
			s.logger.Error().Err(err).
				Int64("workItemID", item.ID).
				Msg("Failed to sweep stale work item")
		}
	}
	return nil
}

// ReapUserWork clears fair-scheduling rows orphaned by terminal jobs
func (s *Scheduler) ReapUserWork(ctx context.Context) error {
	reaped, err := s.store.ReapUserWork(ctx)
	if err != nil {
		return err
	}
	if reaped > 0 {
		s.logger.Info().Int("reaped", reaped).Msg("Reaped orphaned user work rows")
	}
	return nil
}
