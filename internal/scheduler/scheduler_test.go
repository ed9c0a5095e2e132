package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/coordinator"
	"github.com/eosdis/harmony/internal/events"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/policy"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/storage/sqlite"
)

const schedulerServicesTOML = `
[[services]]
name = "harmony-subsetter"
umm_s = "S1234-EEDTEST"

  [[services.collections]]
  id = "C1233800302-EEDTEST"

  [[services.steps]]
  image = "query-cmr:latest"
  is_sequential = true

  [[services.steps]]
  image = "harmony-subsetter:latest"
`

func newScheduler(t *testing.T, cfg *common.WorkConfig) (*Scheduler, interfaces.JobStorage) {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "harmony.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	store := sqlite.NewJobStorage(db, 2000, logger)
	t.Cleanup(func() { store.Close() })

	regPath := filepath.Join(t.TempDir(), "services.toml")
	require.NoError(t, os.WriteFile(regPath, []byte(schedulerServicesTOML), 0644))
	reg, err := registry.Load(regPath, 2000, logger)
	require.NoError(t, err)

	coord := coordinator.NewCoordinator(store, reg,
		policy.NewFailurePolicy(2, logger), events.NewService(logger), 2000, logger)
	return NewScheduler(store, coord, cfg, logger), store
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	sched, _ := newScheduler(t, &common.WorkConfig{StaleSchedule: "not a schedule"})
	require.Error(t, sched.Start())
}

func TestStart_AndStop(t *testing.T) {
	sched, _ := newScheduler(t, &common.WorkConfig{
		StaleSchedule:     "*/5 * * * *",
		ReaperSchedule:    "0 * * * *",
		StaleAfterMinutes: 15,
	})
	require.NoError(t, sched.Start())
	sched.Stop()
}

func TestSweepStaleItems_NoopWhenDisabled(t *testing.T) {
	sched, _ := newScheduler(t, &common.WorkConfig{StaleAfterMinutes: 0})
	assert.NoError(t, sched.SweepStaleItems(context.Background()))
}

func TestReapUserWork_RemovesTerminalJobRows(t *testing.T) {
	sched, store := newScheduler(t, &common.WorkConfig{})
	ctx := context.Background()

	job := models.NewJob("req-1", "jdoe", "https://harmony.example.com/req")
	bundle := &interfaces.JobBundle{
		Job: job,
		Steps: []*models.WorkflowStep{{
			JobID: job.JobID, StepIndex: 1, ServiceID: "query-cmr:latest",
			Operation: `{}`, ExpectedCount: 1, ProgressWeight: 0.1,
		}},
		Items: []*models.WorkItem{{
			JobID: job.JobID, ServiceID: "query-cmr:latest", StepIndex: 1,
			Status: models.WorkItemStatusReady, ScrollID: "scroll-1",
		}},
		UserWork: []*models.UserWork{{
			JobID: job.JobID, ServiceID: "query-cmr:latest", Username: "jdoe",
			ReadyCount: 1, IsAsync: true,
		}},
	}
	require.NoError(t, store.CreateJobBundle(ctx, bundle))

	// Active job rows survive the reaper
	require.NoError(t, sched.ReapUserWork(ctx))
	n, err := store.AvailableWorkItems(ctx, "query-cmr:latest")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.TransitionJob(ctx, job.JobID, models.JobStatusCanceled, "")
	require.NoError(t, err)

	reaped, err := store.ReapUserWork(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
}
