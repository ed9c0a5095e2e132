package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/events"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/planner"
	"github.com/eosdis/harmony/internal/policy"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/storage/sqlite"
)

const coordinatorServicesTOML = `
[[services]]
name = "harmony-subsetter"
umm_s = "S1234-EEDTEST"
concurrency = 10

  [services.capabilities]
  output_formats = ["image/tiff"]

    [services.capabilities.subsetting]
    bbox = true
    variable = true

  [[services.collections]]
  id = "C1233800302-EEDTEST"

  [[services.steps]]
  image = "query-cmr:latest"
  is_sequential = true

  [[services.steps]]
  image = "harmony-subsetter:latest"
  operations = ["spatialSubset", "variableSubset", "reformat"]

  [[services.steps]]
  image = "harmony-concat:latest"
  operations = ["concatenate"]
  is_batched = true
  max_batch_inputs = 2

    [services.steps.conditional]
    exists = ["concatenate"]
`

type fixture struct {
	store       interfaces.JobStorage
	coordinator *Coordinator
	planner     *planner.Planner
}

func newFixture(t *testing.T, pageSize int) *fixture {
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
	require.NoError(t, os.WriteFile(regPath, []byte(coordinatorServicesTOML), 0644))
	reg, err := registry.Load(regPath, 2000, logger)
	require.NoError(t, err)

	return &fixture{
		store: store,
		coordinator: NewCoordinator(store, reg,
			policy.NewFailurePolicy(2, logger), events.NewService(logger), pageSize, logger),
		planner: planner.NewPlanner(store, pageSize, 0, logger),
	}
}

func (f *fixture) planJob(t *testing.T, mutate func(*planner.PlanInput)) *models.Job {
	t.Helper()
	in := &planner.PlanInput{
		Op: &operation.Document{
			Version:   operation.CurrentSchemaVersion,
			RequestID: "req-coord-1",
			User:      "jdoe",
			Sources: []operation.Source{{
				Collection: "C1233800302-EEDTEST",
				Variables:  []operation.Variable{{ID: "V1", Name: "alpha_var"}},
			}},
			Format:          operation.Format{MIME: "image/tiff"},
			Subset:          operation.Subset{BBox: []float64{-130, -45, 130, 45}},
			StagingLocation: "s3://staging/req-coord-1/",
		},
		Service:         mustService(t),
		Username:        "jdoe",
		OriginalRequest: "https://harmony.example.com/req",
		IsAsync:         true,
		GranuleCount:    5,
		ScrollIDs:       []string{"scroll-1"},
	}
	if mutate != nil {
		mutate(in)
	}
	job, err := f.planner.Plan(context.Background(), in)
	require.NoError(t, err)
	return job
}

func mustService(t *testing.T) *registry.ServiceConfig {
	t.Helper()
	logger := arbor.NewLogger()
	regPath := filepath.Join(t.TempDir(), "services.toml")
	require.NoError(t, os.WriteFile(regPath, []byte(coordinatorServicesTOML), 0644))
	reg, err := registry.Load(regPath, 2000, logger)
	require.NoError(t, err)
	svc := reg.ServiceByName("harmony-subsetter")
	require.NotNil(t, svc)
	return svc
}

func (f *fixture) claim(t *testing.T, serviceID string) *interfaces.ClaimedWork {
	t.Helper()
	claimed, err := f.coordinator.GetWork(context.Background(), serviceID, "pod-test")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestGetWork_MovesAcceptedJobToRunning(t *testing.T) {
	f := newFixture(t, 3)
	job := f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	assert.Equal(t, job.JobID, claimed.Item.JobID)
	assert.Equal(t, 5, claimed.MaxCmrGranules)

	loaded, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, loaded.Status)
}

func TestCompleteWork_QueryCmrPagesAndMaterializesNextStep(t *testing.T) {
	f := newFixture(t, 3)
	job := f.planJob(t, nil) // 5 granules, page size 3 -> 2 pages
	ctx := context.Background()

	// Page one reports hits and the cursor for page two
	claimed := f.claim(t, "query-cmr:latest")
	err := f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://staging/cmr0/catalog.json"},
		OutputItemSizes: []int64{100},
		Hits:            5,
		ScrollID:        "scroll-2",
	})
	require.NoError(t, err)

	step, err := f.store.GetWorkflowStep(ctx, job.JobID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, step.ExpectedCount)

	// The subsetter got one item per catalog
	items, err := f.store.GetWorkItemsForStep(ctx, job.JobID, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"s3://staging/cmr0/catalog.json"}, items[0].StacCatalogs)

	// Page two completes the query step
	claimed = f.claim(t, "query-cmr:latest")
	assert.Equal(t, "scroll-2", claimed.Item.ScrollID)
	err = f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://staging/cmr1/catalog.json"},
	})
	require.NoError(t, err)

	step, err = f.store.GetWorkflowStep(ctx, job.JobID, 1)
	require.NoError(t, err)
	assert.True(t, step.IsComplete)

	items, err = f.store.GetWorkItemsForStep(ctx, job.JobID, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCompleteWork_FinalStepFinalizesJob(t *testing.T) {
	f := newFixture(t, 10)
	job := f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://staging/cmr0/catalog.json"},
		Hits:    5,
	}))

	claimed = f.claim(t, "harmony-subsetter:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:          models.WorkItemStatusSuccessful,
		Results:         []string{"s3://outputs/final/catalog.json"},
		TotalItemsSize:  4096,
		OutputItemSizes: []int64{4096},
	}))

	loaded, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, loaded.Status)
	assert.Equal(t, 100, loaded.Progress)
	require.Len(t, loaded.Links, 1)
	assert.Equal(t, "s3://outputs/final/catalog.json", loaded.Links[0].Href)
}

func TestCompleteWork_BatchedStepFlushes(t *testing.T) {
	// Five source outputs at max_batch_inputs 2 become 3 items whose input
	// union equals the source outputs.
	f := newFixture(t, 10)
	job := f.planJob(t, func(in *planner.PlanInput) {
		in.Op.Concatenate = true
	})
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status: models.WorkItemStatusSuccessful,
		Results: []string{
			"s3://staging/cmr0/catalog0.json",
			"s3://staging/cmr0/catalog1.json",
			"s3://staging/cmr0/catalog2.json",
			"s3://staging/cmr0/catalog3.json",
			"s3://staging/cmr0/catalog4.json",
		},
		Hits: 5,
	}))

	// Five subsetter items; complete them all
	for i := 0; i < 5; i++ {
		claimed := f.claim(t, "harmony-subsetter:latest")
		require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
			Status:          models.WorkItemStatusSuccessful,
			Results:         []string{claimed.Item.StacCatalogs[0] + ".out"},
			OutputItemSizes: []int64{10},
		}))
	}

	items, err := f.store.GetWorkItemsForStep(ctx, job.JobID, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)

	var union []string
	for _, item := range items {
		assert.LessOrEqual(t, len(item.StacCatalogs), 2)
		union = append(union, item.StacCatalogs...)
	}
	assert.Len(t, union, 5)
}

func TestCompleteWork_TransientFailureRequeues(t *testing.T) {
	f := newFixture(t, 10)
	f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  "connection reset",
		ErrorCategory: string(policy.KindTransient),
	}))

	item, err := f.store.GetWorkItem(ctx, claimed.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.RetryCount)
}

func TestCompleteWork_ValidationFailureFailsJobAndSweeps(t *testing.T) {
	f := newFixture(t, 3)
	job := f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  "bad request geometry",
		ErrorCategory: string(policy.KindValidation),
	}))

	loaded, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, "bad request geometry", loaded.Message)
}

func TestCompleteWork_IgnoreErrorsCollapsesToCompleteWithErrors(t *testing.T) {
	f := newFixture(t, 10)
	job := f.planJob(t, func(in *planner.PlanInput) {
		in.IgnoreErrors = true
	})
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status: models.WorkItemStatusSuccessful,
		Results: []string{
			"s3://staging/cmr0/catalog0.json",
			"s3://staging/cmr0/catalog1.json",
		},
		Hits: 5,
	}))

	claimed = f.claim(t, "harmony-subsetter:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://outputs/a/catalog.json"},
	}))

	claimed = f.claim(t, "harmony-subsetter:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  "service exploded",
		ErrorCategory: string(policy.KindServiceReported),
	}))

	loaded, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteWithErrors, loaded.Status)
}

func TestCompleteWork_AllItemsFailedStillFinalizesJob(t *testing.T) {
	// The only query page fails under ignore-errors, so the subsetter step
	// never receives an input. The job must still reach a terminal status.
	f := newFixture(t, 10)
	job := f.planJob(t, func(in *planner.PlanInput) {
		in.IgnoreErrors = true
		in.GranuleCount = 3
	})
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  "granule unreadable",
		ErrorCategory: string(policy.KindServiceReported),
	}))

	loaded, err := f.store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteWithErrors, loaded.Status)
	assert.Equal(t, 100, loaded.Progress)

	step, err := f.store.GetWorkflowStep(ctx, job.JobID, 2)
	require.NoError(t, err)
	assert.True(t, step.IsComplete)
	assert.Equal(t, 0, step.ExpectedCount)
}

func TestCompleteWork_DuplicateCompletionConflicts(t *testing.T) {
	f := newFixture(t, 10)
	f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://staging/cmr0/catalog.json"},
		Hits:    5,
	}))

	err := f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://staging/other/catalog.json"},
	})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyTerminal)
}

func TestCompleteWork_LateRetryableFailureCannotReopenItem(t *testing.T) {
	// A retryable failure report arriving after the item already succeeded
	// must conflict, not put the item back on the ready queue.
	f := newFixture(t, 10)
	f.planJob(t, nil)
	ctx := context.Background()

	claimed := f.claim(t, "query-cmr:latest")
	require.NoError(t, f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{"s3://staging/cmr0/catalog.json"},
		Hits:    5,
	}))

	err := f.coordinator.CompleteWork(ctx, claimed.Item.ID, &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  "connection reset",
		ErrorCategory: string(policy.KindTransient),
	})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyTerminal)

	item, err := f.store.GetWorkItem(ctx, claimed.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusSuccessful, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}

func TestUpdateServiceImage(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.coordinator.UpdateServiceImage("harmony-subsetter", "harmony-subsetter:v2"))
	assert.Error(t, f.coordinator.UpdateServiceImage("no-such-service", "x:1"))
}
