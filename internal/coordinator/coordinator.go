// -----------------------------------------------------------------------
// Work Coordinator - the worker-facing business logic: hand out claims,
// apply completions, materialize downstream steps, finalize jobs
// -----------------------------------------------------------------------

package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/policy"
	"github.com/eosdis/harmony/internal/registry"
)

// Coordinator mediates between polling workers and the job store
type Coordinator struct {
	store    interfaces.JobStorage
	registry *registry.Registry
	policy   *policy.FailurePolicy
	events   interfaces.EventService
	pageSize int
	logger   arbor.ILogger
}

// NewCoordinator creates a work coordinator
func NewCoordinator(store interfaces.JobStorage, reg *registry.Registry, failurePolicy *policy.FailurePolicy, events interfaces.EventService, pageSize int, logger arbor.ILogger) *Coordinator {
	if pageSize <= 0 {
		pageSize = 2000
	}
	return &Coordinator{
		store:    store,
		registry: reg,
		policy:   failurePolicy,
		events:   events,
		pageSize: pageSize,
		logger:   logger,
	}
}

// GetWork claims the next work item for a polling worker, honoring the
// service's concurrency cap. Returns nil when no work is available.
func (c *Coordinator) GetWork(ctx context.Context, serviceID, podName string) (*interfaces.ClaimedWork, error) {
	concurrency := 0
	if svc := c.registry.ServiceForImage(serviceID); svc != nil {
		concurrency = svc.Concurrency
	}

	claimed, err := c.store.ClaimNextWorkItem(ctx, serviceID, podName, concurrency)
	if err != nil || claimed == nil {
		return claimed, err
	}

	// First claim moves an accepted job to running
	job, err := c.store.GetJob(ctx, claimed.Item.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusAccepted {
		if _, err := c.store.TransitionJob(ctx, job.JobID, models.JobStatusRunning, ""); err != nil {
			c.logger.Warn().Err(err).Str("jobID", job.JobID).Msg("Failed to mark job running")
		} else {
			c.publishStatus(ctx, job.JobID, models.JobStatusRunning)
		}
	}

	return claimed, nil
}

// CompleteWork applies a worker's completion report: the failure policy,
// then the transactional store update, then downstream materialization and
// job finalization. A duplicate completion surfaces ErrAlreadyTerminal
// before the failure policy runs, so a late retryable report cannot reopen
// an item whose outcome is already recorded.
func (c *Coordinator) CompleteWork(ctx context.Context, itemID int64, update *models.WorkItemUpdate) error {
	item, err := c.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return interfaces.ErrAlreadyTerminal
	}

	if update.Status == models.WorkItemStatusFailed {
		if retried, err := c.applyFailurePolicy(ctx, item, update); err != nil || retried {
			return err
		}
	}

	result, err := c.store.CompleteWorkItem(ctx, itemID, update)
	if err != nil {
		return err
	}

	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventWorkItemComplete, JobID: item.JobID, Payload: result.Item,
	})

	job, err := c.store.GetJob(ctx, item.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		// Late completion of a canceled job; state is recorded, nothing to drive
		return nil
	}

	if update.Status == models.WorkItemStatusFailed {
		kind := policy.ParseKind(update.ErrorCategory)
		decision := c.serviceDecision(item, kind)
		if policy.StepFailureFailsJob(job.IgnoreErrors, decision) {
			return c.failJob(ctx, job, update.ErrorMessage)
		}
	}

	// query-cmr reports total hits with its first page and a scroll id for
	// the next one
	if isQueryCmr(item.ServiceID) {
		if err := c.advanceQueryCmr(ctx, job, item, update, result); err != nil {
			return err
		}
	}

	if err := c.materializeNextStep(ctx, job, result); err != nil {
		return err
	}

	if err := c.recomputeProgress(ctx, job.JobID); err != nil {
		return err
	}

	return c.finalizeIfDone(ctx, job)
}

// applyFailurePolicy requeues retryable failures. Returns true when the
// item was requeued and the completion is fully handled.
func (c *Coordinator) applyFailurePolicy(ctx context.Context, item *models.WorkItem, update *models.WorkItemUpdate) (bool, error) {
	kind := policy.ParseKind(update.ErrorCategory)
	decision := c.serviceDecision(item, kind)
	if !decision.Retry {
		return false, nil
	}
	if err := c.store.RequeueWorkItem(ctx, item.ID); err != nil {
		return false, fmt.Errorf("failed to requeue work item: %w", err)
	}
	return true, nil
}

func (c *Coordinator) serviceDecision(item *models.WorkItem, kind policy.ErrorKind) policy.Decision {
	retryLimit := 0
	if svc := c.registry.ServiceForImage(item.ServiceID); svc != nil {
		retryLimit = svc.RetryLimit
	}
	return c.policy.Decide(item, kind, retryLimit)
}

// advanceQueryCmr grows the query step from a page result: the hits total
// fixes the expected count, the scroll id spawns the next page's item.
func (c *Coordinator) advanceQueryCmr(ctx context.Context, job *models.Job, item *models.WorkItem, update *models.WorkItemUpdate, result *interfaces.CompletionResult) error {
	if update.Hits > 0 {
		granules := update.Hits
		if job.NumInputGranules > 0 && granules > job.NumInputGranules {
			granules = job.NumInputGranules
		}
		expected := (granules + c.pageSize - 1) / c.pageSize
		if expected != result.Step.ExpectedCount {
			if err := c.store.UpdateStepExpected(ctx, job.JobID, item.StepIndex, expected); err != nil {
				return err
			}
			result.Step.ExpectedCount = expected
			result.StepTerminal = result.Step.IsTerminalUnder(job.IgnoreErrors)
		}
	}

	if update.ScrollID != "" && update.Status == models.WorkItemStatusSuccessful {
		next := &models.WorkItem{
			JobID:     job.JobID,
			ServiceID: item.ServiceID,
			StepIndex: item.StepIndex,
			Status:    models.WorkItemStatusReady,
			ScrollID:  update.ScrollID,
			Operation: item.Operation,
			SortKey:   item.SortKey + 1,
		}
		if err := c.store.CreateWorkItems(ctx, []*models.WorkItem{next}); err != nil {
			return fmt.Errorf("failed to create next query page item: %w", err)
		}
	}
	return nil
}

// materializeNextStep turns this step's recorded outputs into work items for
// the following step. Batched steps flush full batches as they accumulate
// and everything remaining once the source step is terminal; aggregated
// steps wait for the terminal flush and get one item.
func (c *Coordinator) materializeNextStep(ctx context.Context, job *models.Job, result *interfaces.CompletionResult) error {
	nextIndex := result.Step.StepIndex + 1
	next, err := c.store.GetWorkflowStep(ctx, job.JobID, nextIndex)
	if err == interfaces.ErrNotFound {
		return nil // Final step
	}
	if err != nil {
		return err
	}

	if next.IsBatched {
		return c.flushBatches(ctx, job, result.Step, next, result.StepTerminal)
	}

	if next.AggregatedOutput {
		if !result.StepTerminal {
			return nil
		}
		outputs, err := c.store.DrainStepOutputs(ctx, job.JobID, result.Step.StepIndex, 0)
		if err != nil {
			return err
		}
		if len(outputs) == 0 {
			return c.closeStarvedSteps(ctx, job, next)
		}
		item := &models.WorkItem{
			JobID:        job.JobID,
			ServiceID:    next.ServiceID,
			StepIndex:    next.StepIndex,
			Status:       models.WorkItemStatusReady,
			StacCatalogs: catalogURLs(outputs),
			Operation:    next.Operation,
		}
		return c.store.CreateWorkItems(ctx, []*models.WorkItem{item})
	}

	// Unbatched: one downstream item per output
	outputs, err := c.store.DrainStepOutputs(ctx, job.JobID, result.Step.StepIndex, 0)
	if err != nil {
		return err
	}
	var items []*models.WorkItem
	for _, out := range outputs {
		items = append(items, &models.WorkItem{
			JobID:        job.JobID,
			ServiceID:    next.ServiceID,
			StepIndex:    next.StepIndex,
			Status:       models.WorkItemStatusReady,
			StacCatalogs: []string{out.CatalogURL},
			Operation:    next.Operation,
			SortKey:      out.ID,
		})
	}
	if len(items) == 0 {
		if result.StepTerminal && next.CreatedCount == 0 {
			return c.closeStarvedSteps(ctx, job, next)
		}
		return nil
	}
	if err := c.store.CreateWorkItems(ctx, items); err != nil {
		return err
	}
	return c.growExpected(ctx, job, next, len(items), result.StepTerminal)
}

// flushBatches drains pending outputs into batch-sized work items. Partial
// batches flush only on the terminal pass so every batch respects the size
// caps while the union of inputs stays complete.
func (c *Coordinator) flushBatches(ctx context.Context, job *models.Job, source, next *models.WorkflowStep, sourceTerminal bool) error {
	pending, err := c.store.CountPendingStepOutputs(ctx, job.JobID, source.StepIndex)
	if err != nil {
		return err
	}

	maxInputs := next.MaxBatchInputs
	if maxInputs <= 0 {
		maxInputs = pending
	}

	created := 0
	for pending >= maxInputs || (sourceTerminal && pending > 0) {
		take := maxInputs
		if pending < take {
			take = pending
		}
		outputs, err := c.store.DrainStepOutputs(ctx, job.JobID, source.StepIndex, take)
		if err != nil {
			return err
		}
		if len(outputs) == 0 {
			break
		}

		batches := splitByBytes(outputs, next.MaxBatchBytes)
		for _, batch := range batches {
			item := &models.WorkItem{
				JobID:        job.JobID,
				ServiceID:    next.ServiceID,
				StepIndex:    next.StepIndex,
				Status:       models.WorkItemStatusReady,
				StacCatalogs: catalogURLs(batch),
				Operation:    next.Operation,
				SortKey:      batch[0].ID,
			}
			if err := c.store.CreateWorkItems(ctx, []*models.WorkItem{item}); err != nil {
				return err
			}
			created++
		}
		pending -= len(outputs)
	}

	if created > 0 {
		return c.growExpected(ctx, job, next, created, sourceTerminal)
	}
	if sourceTerminal {
		if next.CreatedCount == 0 {
			return c.closeStarvedSteps(ctx, job, next)
		}
		return c.growExpected(ctx, job, next, 0, true)
	}
	return nil
}

// closeStarvedSteps closes a step that will never receive inputs because its
// source finished without outputs, then cascades down the rest of the chain.
// In a linear chain every step downstream of a starved one is starved too.
func (c *Coordinator) closeStarvedSteps(ctx context.Context, job *models.Job, from *models.WorkflowStep) error {
	for index := from.StepIndex; ; index++ {
		step, err := c.store.GetWorkflowStep(ctx, job.JobID, index)
		if err == interfaces.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if step.CreatedCount > 0 || step.IsComplete {
			return nil
		}
		if err := c.store.CloseWorkflowStep(ctx, job.JobID, index); err != nil {
			return err
		}
		c.logger.Info().
			Str("jobID", job.JobID).
			Int("stepIndex", index).
			Str("serviceID", step.ServiceID).
			Msg("Closed workflow step with no inputs")
	}
}

// growExpected raises the next step's expected count as items materialize.
// Once the source step is terminal the count freezes at what was created.
func (c *Coordinator) growExpected(ctx context.Context, job *models.Job, next *models.WorkflowStep, added int, sourceTerminal bool) error {
	expected := next.ExpectedCount + added
	if sourceTerminal {
		expected = next.CreatedCount + added
	}
	if expected == next.ExpectedCount {
		return nil
	}
	return c.store.UpdateStepExpected(ctx, job.JobID, next.StepIndex, expected)
}

// splitByBytes cuts a drained batch further when a byte cap applies
func splitByBytes(outputs []models.StepOutput, maxBytes int64) [][]models.StepOutput {
	if maxBytes <= 0 {
		return [][]models.StepOutput{outputs}
	}
	var batches [][]models.StepOutput
	var current []models.StepOutput
	var size int64
	for _, out := range outputs {
		if len(current) > 0 && size+out.SizeBytes > maxBytes {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, out)
		size += out.SizeBytes
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// recomputeProgress rolls weighted step completion up to the job row
func (c *Coordinator) recomputeProgress(ctx context.Context, jobID string) error {
	steps, err := c.store.GetWorkflowSteps(ctx, jobID)
	if err != nil {
		return err
	}
	progress := models.JobProgress(steps)
	if err := c.store.UpdateJobProgress(ctx, jobID, progress); err != nil {
		return err
	}
	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobProgress, JobID: jobID, Payload: progress,
	})
	return nil
}

// finalizeIfDone collapses step outcomes into the terminal job status once
// every step has finished.
func (c *Coordinator) finalizeIfDone(ctx context.Context, job *models.Job) error {
	steps, err := c.store.GetWorkflowSteps(ctx, job.JobID)
	if err != nil {
		return err
	}

	anyFailed := false
	for _, step := range steps {
		if !step.IsTerminalUnder(job.IgnoreErrors) {
			return nil
		}
		if step.FailedCount > 0 {
			anyFailed = true
		}
	}

	final := policy.CollapseJob(job.IgnoreErrors, anyFailed)
	message := ""
	if final == models.JobStatusFailed {
		message = firstErrorMessage(ctx, c.store, job.JobID, steps)
	}

	if err := c.addOutputLinks(ctx, job, steps[len(steps)-1]); err != nil {
		return err
	}

	if _, err := c.store.TransitionJob(ctx, job.JobID, final, message); err != nil {
		return err
	}
	if err := c.store.UpdateJobProgress(ctx, job.JobID, 100); err != nil {
		return err
	}
	if err := c.store.DeleteUserWorkForJob(ctx, job.JobID); err != nil {
		return err
	}

	c.publishStatus(ctx, job.JobID, final)
	c.logger.Info().
		Str("jobID", job.JobID).
		Str("status", string(final)).
		Msg("Job finalized")
	return nil
}

// addOutputLinks exposes the final step's catalogs as job links
func (c *Coordinator) addOutputLinks(ctx context.Context, job *models.Job, final *models.WorkflowStep) error {
	items, err := c.store.GetWorkItemsForStep(ctx, job.JobID, final.StepIndex)
	if err != nil {
		return err
	}
	var links []models.RelatedLink
	for _, item := range items {
		for _, result := range item.Results {
			links = append(links, models.RelatedLink{
				Href: result,
				Rel:  "data",
				Type: "application/json",
			})
		}
	}
	return c.store.AddJobLinks(ctx, job.JobID, links)
}

// failJob fails the whole job and sweeps its in-flight items
func (c *Coordinator) failJob(ctx context.Context, job *models.Job, message string) error {
	if message == "" {
		message = models.DefaultMessageFor(models.JobStatusFailed)
	}
	if _, err := c.store.TransitionJob(ctx, job.JobID, models.JobStatusFailed, message); err != nil {
		return err
	}
	if _, err := c.store.CancelJobItems(ctx, job.JobID); err != nil {
		return err
	}
	if err := c.store.DeleteUserWorkForJob(ctx, job.JobID); err != nil {
		return err
	}
	c.publishStatus(ctx, job.JobID, models.JobStatusFailed)
	return nil
}

// Metrics reports the available work count for a service
func (c *Coordinator) Metrics(ctx context.Context, serviceID string) (int, error) {
	return c.store.AvailableWorkItems(ctx, serviceID)
}

// UpdateServiceImage applies a deployment callback to the image map
func (c *Coordinator) UpdateServiceImage(serviceName, image string) error {
	if c.registry.ServiceByName(serviceName) == nil {
		return fmt.Errorf("unknown service %q", serviceName)
	}
	c.registry.UpdateImage(serviceName, image)
	return nil
}

func (c *Coordinator) publishStatus(ctx context.Context, jobID string, status models.JobStatus) {
	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobStatusChanged, JobID: jobID, Payload: status,
	})
}

func firstErrorMessage(ctx context.Context, store interfaces.JobStorage, jobID string, steps []*models.WorkflowStep) string {
	for _, step := range steps {
		if step.FailedCount == 0 {
			continue
		}
		items, err := store.GetWorkItemsForStep(ctx, jobID, step.StepIndex)
		if err != nil {
			return ""
		}
		var earliest *models.WorkItem
		for _, item := range items {
			if item.Status == models.WorkItemStatusFailed && item.ErrorMessage != "" {
				if earliest == nil || item.UpdatedAt.Before(earliest.UpdatedAt) {
					earliest = item
				}
			}
		}
		if earliest != nil {
			return earliest.ErrorMessage
		}
	}
	return ""
}

func catalogURLs(outputs []models.StepOutput) []string {
	urls := make([]string, len(outputs))
	for i, out := range outputs {
		urls[i] = out.CatalogURL
	}
	return urls
}

func isQueryCmr(serviceID string) bool {
	return strings.Contains(serviceID, registry.QueryCmrImageTag)
}
