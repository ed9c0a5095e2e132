// -----------------------------------------------------------------------
// Planner - turns a chosen service chain into persisted jobs, steps,
// and initial work items
// -----------------------------------------------------------------------

package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/registry"
)

// QueryCmrProgressWeight is the progress share of the CMR query step. The
// query pages fast compared to transformation, so it weighs a tenth of a
// normal step.
const QueryCmrProgressWeight = 0.1

// Planner builds the persistent execution plan for an accepted request
type Planner struct {
	store            interfaces.JobStorage
	pageSize         int
	previewThreshold int
	logger           arbor.ILogger
}

// NewPlanner creates a planner writing through the given store
func NewPlanner(store interfaces.JobStorage, pageSize, previewThreshold int, logger arbor.ILogger) *Planner {
	if pageSize <= 0 {
		pageSize = 2000
	}
	return &Planner{
		store:            store,
		pageSize:         pageSize,
		previewThreshold: previewThreshold,
		logger:           logger,
	}
}

// PlanInput is everything the planner needs for one request
type PlanInput struct {
	Op              *operation.Document
	Service         *registry.ServiceConfig
	Username        string
	OriginalRequest string
	IsAsync         bool
	IgnoreErrors    bool
	GranuleCount    int
	// ScrollIDs are the CMR search sessions opened for the request, one
	// initial work item each when the chain starts with the query step.
	ScrollIDs      []string
	DestinationURL string
	Labels         []string
	NativeFormats  map[string]string // collection id -> native format
}

// Plan computes the workflow steps, their weights and expected counts, the
// initial work items, and the fair-scheduling rows, then persists the whole
// bundle in one transaction.
func (p *Planner) Plan(ctx context.Context, in *PlanInput) (*models.Job, error) {
	if in.Op == nil || in.Service == nil {
		return nil, fmt.Errorf("plan requires an operation and a service")
	}

	job := models.NewJob(in.Op.RequestID, in.Username, in.OriginalRequest)
	job.IsAsync = in.IsAsync
	job.IgnoreErrors = in.IgnoreErrors
	job.NumInputGranules = in.GranuleCount
	job.CollectionIDs = in.Op.CollectionIDs()
	job.DestinationURL = in.DestinationURL
	job.ServiceName = in.Service.Name
	if len(job.CollectionIDs) > 0 {
		job.ProviderID = models.ProviderIDFromCollection(job.CollectionIDs[0])
	}
	if in.Service.Message != "" {
		job.Message = in.Service.Message
	}

	// Large requests generate a preview first and auto-pause
	if p.previewThreshold > 0 && in.GranuleCount > p.previewThreshold {
		if err := job.Transition(models.JobStatusPreviewing, ""); err != nil {
			return nil, err
		}
	}

	steps, err := p.buildSteps(job, in)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no workflow steps match the operation for service %q", in.Service.Name)
	}

	items, err := p.initialItems(job, steps[0], in)
	if err != nil {
		return nil, err
	}
	steps[0].CreatedCount = len(items)

	userWork := buildUserWork(job, steps, items)

	bundle := &interfaces.JobBundle{Job: job, Steps: steps, Items: items, UserWork: userWork}
	if err := p.store.CreateJobBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	if len(in.Labels) > 0 {
		if err := p.store.SetLabelsForJob(ctx, job.JobID, in.Username, in.Labels); err != nil {
			return nil, fmt.Errorf("failed to set labels: %w", err)
		}
	}

	p.logger.Info().
		Str("jobID", job.JobID).
		Str("service", in.Service.Name).
		Int("steps", len(steps)).
		Int("granules", in.GranuleCount).
		Msg("Job planned")
	return job, nil
}

// buildSteps filters the chain's steps by predicate and specializes the
// operation for each included step.
func (p *Planner) buildSteps(job *models.Job, in *PlanInput) ([]*models.WorkflowStep, error) {
	var steps []*models.WorkflowStep
	index := 0

	for _, decl := range in.Service.Steps {
		if !StepIncluded(decl, in.Op, in.NativeFormats) {
			continue
		}
		index++

		projected, err := projectForStep(in.Op, decl.Operations)
		if err != nil {
			return nil, fmt.Errorf("failed to project operation for step %d: %w", index, err)
		}
		serialized, err := projected.Serialize(operation.CurrentSchemaVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize operation for step %d: %w", index, err)
		}

		isQueryCmr := strings.Contains(decl.Image, registry.QueryCmrImageTag)
		weight := 1.0
		if isQueryCmr {
			weight = QueryCmrProgressWeight
		}

		expected := 0
		if isQueryCmr {
			expected = expectedCmrItems(in.GranuleCount, p.pageSize)
		}

		// A batched aggregation grows its expected count as batches flush;
		// an unbatched one always yields a single item.
		aggregated := in.Op.Concatenate && declaresOperation(decl, "concatenate")
		if aggregated && !decl.IsBatched {
			expected = 1
		}

		steps = append(steps, &models.WorkflowStep{
			JobID:            job.JobID,
			StepIndex:        index,
			ServiceID:        decl.Image,
			Operation:        string(serialized),
			ExpectedCount:    expected,
			AggregatedOutput: aggregated,
			IsBatched:        decl.IsBatched,
			IsSequential:     decl.IsSequential || isQueryCmr,
			MaxBatchInputs:   decl.MaxBatchInputs,
			MaxBatchBytes:    decl.MaxBatchSizeInBytes,
			ProgressWeight:   weight,
		})
	}
	return steps, nil
}

// initialItems creates the first step's work items: one per scroll id when
// the chain starts with the CMR query, otherwise a single item fed by the
// staging catalog.
func (p *Planner) initialItems(job *models.Job, first *models.WorkflowStep, in *PlanInput) ([]*models.WorkItem, error) {
	var items []*models.WorkItem
	now := time.Now().UTC()

	if strings.Contains(first.ServiceID, registry.QueryCmrImageTag) {
		if len(in.ScrollIDs) == 0 {
			return nil, fmt.Errorf("a CMR query chain requires at least one scroll id")
		}
		for i, scrollID := range in.ScrollIDs {
			items = append(items, &models.WorkItem{
				JobID:     job.JobID,
				ServiceID: first.ServiceID,
				StepIndex: first.StepIndex,
				Status:    models.WorkItemStatusReady,
				ScrollID:  scrollID,
				Operation: first.Operation,
				SortKey:   int64(i),
				CreatedAt: now,
			})
		}
		return items, nil
	}

	if in.Op.StagingLocation == "" {
		return nil, fmt.Errorf("a chain without a CMR query step requires a staging catalog")
	}
	items = append(items, &models.WorkItem{
		JobID:        job.JobID,
		ServiceID:    first.ServiceID,
		StepIndex:    first.StepIndex,
		Status:       models.WorkItemStatusReady,
		StacCatalogs: []string{in.Op.StagingLocation},
		Operation:    first.Operation,
		CreatedAt:    now,
	})
	return items, nil
}

// buildUserWork creates one fair-scheduling row per (job, service) with the
// initial ready counts.
func buildUserWork(job *models.Job, steps []*models.WorkflowStep, items []*models.WorkItem) []*models.UserWork {
	ready := make(map[string]int)
	for _, item := range items {
		if item.Status == models.WorkItemStatusReady {
			ready[item.ServiceID]++
		}
	}

	now := time.Now().UTC()
	seen := make(map[string]bool)
	var rows []*models.UserWork
	for _, step := range steps {
		if seen[step.ServiceID] {
			continue
		}
		seen[step.ServiceID] = true
		rows = append(rows, &models.UserWork{
			JobID:      job.JobID,
			ServiceID:  step.ServiceID,
			Username:   job.Username,
			ReadyCount: ready[step.ServiceID],
			IsAsync:    job.IsAsync,
			LastWorked: now,
		})
	}
	return rows
}

// expectedCmrItems is the page count the query step will produce
func expectedCmrItems(granules, pageSize int) int {
	if granules <= 0 {
		return 1
	}
	return (granules + pageSize - 1) / pageSize
}

// StepIncluded evaluates a step's predicate against the operation. Every
// declared condition must pass.
func StepIncluded(decl registry.ServiceStep, op *operation.Document, nativeFormats map[string]string) bool {
	cond := decl.Conditional
	if cond == nil {
		return true
	}

	for _, name := range cond.Exists {
		if !operationRequested(op, name) {
			return false
		}
	}

	if len(cond.Formats) > 0 {
		if !containsFold(cond.Formats, op.Format.MIME) {
			return false
		}
	}

	if len(cond.NativeFormats) > 0 {
		for _, src := range op.Sources {
			if !containsFold(cond.NativeFormats, nativeFormats[src.Collection]) {
				return false
			}
		}
	}

	return true
}

// operationRequested maps a predicate operation name to the request
func operationRequested(op *operation.Document, name string) bool {
	switch name {
	case "spatialSubset":
		return op.HasBBoxSubset()
	case "shapefileSubset":
		return op.HasShapeSubset()
	case "variableSubset":
		return op.HasVariableSubset()
	case "temporalSubset":
		return op.HasTemporalSubset()
	case "dimensionSubset":
		return op.HasDimensionSubset()
	case "reproject":
		return op.HasReproject()
	case "reformat":
		return op.HasReformat()
	case "concatenate":
		return op.Concatenate
	case "extend":
		return len(op.ExtendDimensions) > 0
	case "average":
		return op.Average != ""
	default:
		return false
	}
}

// stepCapabilities maps a step's declared operation names to the capability
// groups its projected operation document keeps.
var stepCapabilities = map[string]operation.Capability{
	"spatialSubset":   operation.CapSpatialSubset,
	"shapefileSubset": operation.CapShapeSubset,
	"variableSubset":  operation.CapVariableSubset,
	"temporalSubset":  operation.CapTemporalSubset,
	"dimensionSubset": operation.CapDimensionSubset,
	"reproject":       operation.CapReproject,
	"reformat":        operation.CapReformat,
	"concatenate":     operation.CapConcatenate,
	"extend":          operation.CapExtend,
	"average":         operation.CapAverage,
}

// projectForStep specializes the operation for a step's declared
// operations. A step declaring none sees the full document.
func projectForStep(op *operation.Document, operations []string) (*operation.Document, error) {
	if len(operations) == 0 {
		return op.Clone()
	}
	var caps []operation.Capability
	for _, name := range operations {
		if c, ok := stepCapabilities[name]; ok {
			caps = append(caps, c)
		}
	}
	return op.Project(caps...)
}

func declaresOperation(decl registry.ServiceStep, name string) bool {
	for _, op := range decl.Operations {
		if op == name {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
