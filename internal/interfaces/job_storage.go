// -----------------------------------------------------------------------
// Job Storage - persistence contracts for jobs, steps, and work items
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/eosdis/harmony/internal/models"
)

// JobBundle is everything the planner produces for one job, persisted in a
// single transaction.
type JobBundle struct {
	Job      *models.Job
	Steps    []*models.WorkflowStep
	Items    []*models.WorkItem
	UserWork []*models.UserWork
}

// ClaimedWork is a claimed work item plus the request-scoped limits the
// worker needs.
type ClaimedWork struct {
	Item           *models.WorkItem
	MaxCmrGranules int
}

// CompletionResult reports what a completion changed: the step after the
// counter update and whether it just became terminal.
type CompletionResult struct {
	Item         *models.WorkItem
	Step         *models.WorkflowStep
	StepTerminal bool
}

// JobStorage - transactional persistence for the job hierarchy
type JobStorage interface {
	// CreateJobBundle persists a job with its steps, initial work items,
	// and user work rows atomically.
	CreateJobBundle(ctx context.Context, bundle *JobBundle) error

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobForUser(ctx context.Context, jobID, username string) (*models.Job, error)
	ListJobs(ctx context.Context, username string, limit, offset int) ([]*models.Job, int, error)
	ProviderOf(ctx context.Context, jobID string) (string, error)

	// TransitionJob enforces the status machine; backward motion and
	// terminal re-entry return an error.
	TransitionJob(ctx context.Context, jobID string, to models.JobStatus, message string) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	AddJobLinks(ctx context.Context, jobID string, links []models.RelatedLink) error
	SetLabelsForJob(ctx context.Context, jobID, username string, labels []string) error

	GetWorkflowSteps(ctx context.Context, jobID string) ([]*models.WorkflowStep, error)
	GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error)
	UpdateStepExpected(ctx context.Context, jobID string, stepIndex, expected int) error
	// CloseWorkflowStep marks a step complete with its expected count frozen
	// at what was created. Used when an upstream step finishes without
	// producing any outputs for it.
	CloseWorkflowStep(ctx context.Context, jobID string, stepIndex int) error

	// ClaimNextWorkItem atomically picks the fairest ready item for the
	// service and marks it running, refusing a claim that would push the
	// service past concurrencyLimit running items (0 means unlimited).
	// Returns nil when no work is available.
	ClaimNextWorkItem(ctx context.Context, serviceID, podName string, concurrencyLimit int) (*ClaimedWork, error)
	GetWorkItem(ctx context.Context, id int64) (*models.WorkItem, error)
	GetWorkItemsForStep(ctx context.Context, jobID string, stepIndex int) ([]*models.WorkItem, error)

	// CompleteWorkItem applies a terminal update in one transaction. A
	// second completion for an already-terminal item returns
	// ErrAlreadyTerminal.
	CompleteWorkItem(ctx context.Context, id int64, update *models.WorkItemUpdate) (*CompletionResult, error)
	// RequeueWorkItem puts a failed or stale item back to ready with an
	// incremented retry count. Requeueing an already-terminal item returns
	// ErrAlreadyTerminal.
	RequeueWorkItem(ctx context.Context, id int64) error
	CreateWorkItems(ctx context.Context, items []*models.WorkItem) error

	// StepOutputs are the STAC catalog URLs recorded by completed items of
	// a step, with their byte sizes, in completion order.
	AppendStepOutputs(ctx context.Context, jobID string, stepIndex int, outputs []models.StepOutput) error
	DrainStepOutputs(ctx context.Context, jobID string, stepIndex int, max int) ([]models.StepOutput, error)
	CountPendingStepOutputs(ctx context.Context, jobID string, stepIndex int) (int, error)

	// CancelJobItems sweeps every non-terminal item of a job to canceled
	CancelJobItems(ctx context.Context, jobID string) (int, error)
	DeleteUserWorkForJob(ctx context.Context, jobID string) error
	// ReapUserWork removes fair-scheduling rows left behind by terminal jobs
	ReapUserWork(ctx context.Context) (int, error)

	AvailableWorkItems(ctx context.Context, serviceID string) (int, error)
	// StaleWorkItems returns running items not updated within the cutoff
	StaleWorkItems(ctx context.Context, olderThanMinutes, limit int) ([]*models.WorkItem, error)

	Close() error
}

// ObjectStorage - staging area for STAC catalogs, logs, and outputs
type ObjectStorage interface {
	Upload(ctx context.Context, url string, body []byte, contentType string) error
	Download(ctx context.Context, url string) ([]byte, error)
	ObjectSize(ctx context.Context, url string) (int64, error)
	SignedURL(ctx context.Context, url string) (string, error)
	IsURL(url string) bool
}
