package planner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/storage/sqlite"
)

func testStore(t *testing.T) interfaces.JobStorage {
	t.Helper()
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), &common.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "harmony.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	store := sqlite.NewJobStorage(db, 2000, arbor.NewLogger())
	t.Cleanup(func() { store.Close() })
	return store
}

func testOperation() *operation.Document {
	return &operation.Document{
		Version:   operation.CurrentSchemaVersion,
		RequestID: "req-plan-1",
		User:      "jdoe",
		Sources: []operation.Source{{
			Collection: "C1233800302-EEDTEST",
			Variables:  []operation.Variable{{ID: "V1", Name: "alpha_var"}},
		}},
		Format:          operation.Format{MIME: "image/tiff"},
		Subset:          operation.Subset{BBox: []float64{-130, -45, 130, 45}},
		StagingLocation: "s3://staging/req-plan-1/",
	}
}

func subsetterChain() *registry.ServiceConfig {
	return &registry.ServiceConfig{
		Name:   "harmony-subsetter",
		UMMSID: "S1234-EEDTEST",
		Steps: []registry.ServiceStep{
			{Image: "query-cmr:latest", IsSequential: true},
			{Image: "harmony-subsetter:latest",
				Operations: []string{"spatialSubset", "variableSubset", "reformat"}},
			{Image: "harmony-concat:latest",
				Operations:  []string{"concatenate"},
				Conditional: &registry.StepCondition{Exists: []string{"concatenate"}},
				IsBatched:   true, MaxBatchInputs: 2},
		},
	}
}

func planInput() *PlanInput {
	return &PlanInput{
		Op:              testOperation(),
		Service:         subsetterChain(),
		Username:        "jdoe",
		OriginalRequest: "https://harmony.example.com/C1233800302-EEDTEST/ogc-api-coverages",
		IsAsync:         true,
		GranuleCount:    7,
		ScrollIDs:       []string{"scroll-1"},
	}
}

func TestPlan_ExpectedCmrItemsIsCeilOfPages(t *testing.T) {
	// 7 granules at page size 3 -> 3 query pages
	store := testStore(t)
	p := NewPlanner(store, 3, 0, arbor.NewLogger())

	job, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)

	steps, err := store.GetWorkflowSteps(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, steps, 2) // concatenate step filtered out

	assert.Equal(t, 3, steps[0].ExpectedCount)
	assert.Equal(t, QueryCmrProgressWeight, steps[0].ProgressWeight)
	assert.True(t, steps[0].IsSequential)
	assert.Equal(t, 1.0, steps[1].ProgressWeight)
	assert.Equal(t, 0, steps[1].ExpectedCount)
}

func TestPlan_InitialItemsOnePerScrollID(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 0, arbor.NewLogger())

	in := planInput()
	in.ScrollIDs = []string{"scroll-1", "scroll-2"}
	job, err := p.Plan(context.Background(), in)
	require.NoError(t, err)

	items, err := store.GetWorkItemsForStep(context.Background(), job.JobID, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "scroll-1", items[0].ScrollID)
	assert.Equal(t, "scroll-2", items[1].ScrollID)
	for _, item := range items {
		assert.Equal(t, models.WorkItemStatusReady, item.Status)
	}
}

func TestPlan_ConditionalStepIncludedWhenConcatenating(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 0, arbor.NewLogger())

	in := planInput()
	in.Op.Concatenate = true
	job, err := p.Plan(context.Background(), in)
	require.NoError(t, err)

	steps, err := store.GetWorkflowSteps(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	last := steps[2]
	assert.True(t, last.AggregatedOutput)
	assert.True(t, last.IsBatched)
	// Batched steps start at zero and grow as batches flush
	assert.Equal(t, 0, last.ExpectedCount)
	assert.Equal(t, 2, last.MaxBatchInputs)
}

func TestPlan_StepOperationIsProjected(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 0, arbor.NewLogger())

	job, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)

	steps, err := store.GetWorkflowSteps(context.Background(), job.JobID)
	require.NoError(t, err)

	var queryOp, subsetOp operation.Document
	require.NoError(t, json.Unmarshal([]byte(steps[0].Operation), &queryOp))
	require.NoError(t, json.Unmarshal([]byte(steps[1].Operation), &subsetOp))

	// The query step declares no operations and sees the full document
	assert.Equal(t, []float64{-130, -45, 130, 45}, queryOp.Subset.BBox)

	// The subsetter keeps its declared capabilities, sources always survive
	assert.Equal(t, []float64{-130, -45, 130, 45}, subsetOp.Subset.BBox)
	assert.Equal(t, "image/tiff", subsetOp.Format.MIME)
	assert.Equal(t, "C1233800302-EEDTEST", subsetOp.Sources[0].Collection)
	assert.Nil(t, subsetOp.Temporal)
}

func TestPlan_PreviewThreshold(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 5, arbor.NewLogger())

	job, err := p.Plan(context.Background(), planInput()) // 7 granules > 5
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPreviewing, job.Status)

	small := planInput()
	small.Op.RequestID = "req-plan-2"
	small.GranuleCount = 2
	job, err = p.Plan(context.Background(), small)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, job.Status)
}

func TestPlan_UserWorkRowsPerService(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 0, arbor.NewLogger())

	_, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)

	n, err := store.AvailableWorkItems(context.Background(), "query-cmr:latest")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.AvailableWorkItems(context.Background(), "harmony-subsetter:latest")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPlan_BestEffortMessageCarriesToJob(t *testing.T) {
	store := testStore(t)
	p := NewPlanner(store, 2000, 0, arbor.NewLogger())

	in := planInput()
	in.Service.Message = registry.BestEffortMessage
	job, err := p.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, registry.BestEffortMessage, job.Message)
}

func TestStepIncluded_Predicates(t *testing.T) {
	op := testOperation()

	assert.True(t, StepIncluded(registry.ServiceStep{Image: "x"}, op, nil))

	withFormat := registry.ServiceStep{Image: "x",
		Conditional: &registry.StepCondition{Formats: []string{"application/x-netcdf4"}}}
	assert.False(t, StepIncluded(withFormat, op, nil))

	withFormat.Conditional.Formats = []string{"image/tiff"}
	assert.True(t, StepIncluded(withFormat, op, nil))

	native := registry.ServiceStep{Image: "x",
		Conditional: &registry.StepCondition{NativeFormats: []string{"netcdf"}}}
	assert.False(t, StepIncluded(native, op, nil))
	assert.True(t, StepIncluded(native, op, map[string]string{"C1233800302-EEDTEST": "netcdf"}))
}

func TestStepIncluded_ExtendWithConcatenate(t *testing.T) {
	// A step gated on both extend and concatenate is excluded when the user
	// concatenates without extending.
	decl := registry.ServiceStep{Image: "x",
		Conditional: &registry.StepCondition{Exists: []string{"extend", "concatenate"}}}

	op := testOperation()
	op.Concatenate = true
	assert.False(t, StepIncluded(decl, op, nil))

	op.ExtendDimensions = []string{"time"}
	assert.True(t, StepIncluded(decl, op, nil))
}
