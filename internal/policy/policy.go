package policy

import (
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/models"
)

// Decision is the outcome of classifying a work item failure
type Decision struct {
	Retry    bool
	FailItem bool
	// FailJob forces the whole job to fail regardless of the ignore-errors
	// flag. Set for auth and capacity failures.
	FailJob bool
}

// FailurePolicy decides what happens to a failed work item and how step
// failures collapse into a job outcome.
type FailurePolicy struct {
	defaultRetryLimit int
	logger            arbor.ILogger
}

func NewFailurePolicy(defaultRetryLimit int, logger arbor.ILogger) *FailurePolicy {
	if defaultRetryLimit <= 0 {
		defaultRetryLimit = 3
	}
	return &FailurePolicy{defaultRetryLimit: defaultRetryLimit, logger: logger}
}

// RetryLimit returns the effective retry cap for a service, falling back to
// the global default when the service declares none.
func (p *FailurePolicy) RetryLimit(serviceLimit int) int {
	if serviceLimit > 0 {
		return serviceLimit
	}
	return p.defaultRetryLimit
}

// Decide classifies one failed completion. Transient, timeout, and unknown
// failures re-queue the item until the retry cap; service-reported and
// validation failures fail the item immediately; auth and capacity failures
// fail the job outright.
func (p *FailurePolicy) Decide(item *models.WorkItem, kind ErrorKind, serviceRetryLimit int) Decision {
	limit := p.RetryLimit(serviceRetryLimit)

	switch kind {
	case KindAuth, KindCapacity:
		return Decision{FailItem: true, FailJob: true}
	case KindServiceReported, KindValidation:
		return Decision{FailItem: true}
	case KindTransient, KindTimeout, KindUnknown:
		if item.RetryCount < limit {
			p.logger.Info().
				Str("jobID", item.JobID).
				Int64("workItemID", item.ID).
				Str("kind", string(kind)).
				Int("retryCount", item.RetryCount+1).
				Int("limit", limit).
				Msg("Re-queueing failed work item")
			return Decision{Retry: true}
		}
		return Decision{FailItem: true}
	default:
		return Decision{FailItem: true}
	}
}

// CollapseJob derives the terminal job status once every work item of every
// step is terminal. anyFailed reports whether any item failed along the way.
func CollapseJob(ignoreErrors, anyFailed bool) models.JobStatus {
	if !anyFailed {
		return models.JobStatusSuccessful
	}
	if ignoreErrors {
		return models.JobStatusCompleteWithErrors
	}
	return models.JobStatusFailed
}

// StepFailureFailsJob reports whether a non-retryable item failure should
// immediately fail the whole job. Under ignore-errors the job keeps running;
// forced failures (auth, capacity) override the flag.
func StepFailureFailsJob(ignoreErrors bool, d Decision) bool {
	if d.FailJob {
		return true
	}
	return d.FailItem && !ignoreErrors
}
