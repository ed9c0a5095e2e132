// -----------------------------------------------------------------------
// Worker - container-side poll loop: claim, invoke, report
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/policy"
)

const (
	defaultPollInterval      = 3 * time.Second
	defaultInvocationTimeout = 30 * time.Minute
	defaultPrimeRetries      = 3
	maxIdleBackoff           = 60 * time.Second
)

// Worker runs the per-container work loop. It claims items from the
// coordinator, runs the service through the invoker, stages outputs and
// logs, and reports completions.
type Worker struct {
	config            *common.WorkerConfig
	client            *CoordinatorClient
	invoker           Invoker
	objects           interfaces.ObjectStorage
	bucket            string
	pollInterval      time.Duration
	invocationTimeout time.Duration
	logger            arbor.ILogger
}

// NewWorker creates the work loop
func NewWorker(config *common.WorkerConfig, client *CoordinatorClient, invoker Invoker, objects interfaces.ObjectStorage, bucket string, logger arbor.ILogger) (*Worker, error) {
	poll := defaultPollInterval
	if config.PollInterval != "" {
		parsed, err := time.ParseDuration(config.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid poll interval %q: %w", config.PollInterval, err)
		}
		poll = parsed
	}
	timeout := defaultInvocationTimeout
	if config.InvocationTimeout != "" {
		parsed, err := time.ParseDuration(config.InvocationTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid invocation timeout %q: %w", config.InvocationTimeout, err)
		}
		timeout = parsed
	}

	return &Worker{
		config:            config,
		client:            client,
		invoker:           invoker,
		objects:           objects,
		bucket:            bucket,
		pollInterval:      poll,
		invocationTimeout: timeout,
		logger:            logger,
	}, nil
}

// Run primes the service and then polls for work until the context ends or
// the termination marker appears. A priming failure is returned to the
// caller, which exits the process so the orchestrator restarts the pod.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.prime(ctx); err != nil {
		return err
	}

	idle := w.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.terminationRequested() {
			w.logger.Info().Str("podName", w.config.PodName).Msg("Termination marker present; stopping work loop")
			return nil
		}

		work, err := w.client.FetchWork(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoWork) {
				w.logger.Warn().Err(err).Msg("Work fetch failed; backing off")
			}
			select {
			case <-time.After(idle):
			case <-ctx.Done():
				return ctx.Err()
			}
			if idle *= 2; idle > maxIdleBackoff {
				idle = maxIdleBackoff
			}
			continue
		}
		idle = w.pollInterval

		// An in-flight item runs to completion even under termination;
		// the marker is rechecked at the top of the loop.
		w.processItem(ctx, work)
	}
}

// prime retries the startup dry run up to the configured cap
func (w *Worker) prime(ctx context.Context) error {
	retries := w.config.MaxPrimeRetries
	if retries <= 0 {
		retries = defaultPrimeRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if lastErr = w.invoker.Prime(ctx); lastErr == nil {
			w.logger.Info().Str("serviceID", w.config.ServiceID).Msg("Service primed")
			return nil
		}
		w.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Prime attempt failed")
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("service failed to prime after %d attempts: %w", retries, lastErr)
}

// processItem runs one invocation and reports the outcome
func (w *Worker) processItem(ctx context.Context, work *WorkResponse) {
	item := work.WorkItem
	w.logger.Info().
		Int64("workItemID", item.ID).
		Str("jobID", item.JobID).
		Int("stepIndex", item.StepIndex).
		Msg("Claimed work item")

	marker, err := w.acquireWorkingMarker(item.ID)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to write working marker")
	} else {
		defer os.Remove(marker)
	}

	metadataDir := filepath.Join(w.config.WorkDir, fmt.Sprintf("item-%d", item.ID))
	os.RemoveAll(metadataDir)
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		w.report(ctx, item.ID, failedUpdate(fmt.Sprintf("failed to prepare work directory: %v", err), policy.KindTransient))
		return
	}
	defer os.RemoveAll(metadataDir)

	invokeCtx, cancel := context.WithTimeout(ctx, w.invocationTimeout)
	result, invokeErr := w.invoker.Invoke(invokeCtx, item, metadataDir)
	cancel()

	if result != nil {
		w.uploadLogs(ctx, item, result.Logs)
	}

	if invokeErr != nil {
		update := w.updateForFailure(item, invokeErr)
		w.report(ctx, item.ID, update)
		return
	}

	update, err := w.updateForSuccess(ctx, item, result)
	if err != nil {
		w.report(ctx, item.ID, failedUpdate(fmt.Sprintf("failed to stage outputs: %v", err), policy.KindTransient))
		return
	}
	w.report(ctx, item.ID, update)
}

// updateForFailure builds the completion payload for a failed invocation.
// Timeouts get a synthetic message; the retry decision belongs to the
// coordinator's failure policy, not the worker.
func (w *Worker) updateForFailure(item *models.WorkItem, invokeErr error) *models.WorkItemUpdate {
	if errors.Is(invokeErr, context.DeadlineExceeded) {
		return failedUpdate(
			fmt.Sprintf("service did not complete within %s", w.invocationTimeout),
			policy.KindTimeout)
	}
	kind := policy.Classify(invokeErr)
	if kind == policy.KindUnknown {
		// A nonzero exit with no classified cause is the service reporting
		// its own failure
		kind = policy.KindServiceReported
	}
	return failedUpdate(invokeErr.Error(), kind)
}

// updateForSuccess stages output catalogs and builds the completion payload
func (w *Worker) updateForSuccess(ctx context.Context, item *models.WorkItem, result *InvocationResult) (*models.WorkItemUpdate, error) {
	update := &models.WorkItemUpdate{Status: models.WorkItemStatusSuccessful}

	for i, catalog := range result.Catalogs {
		body, err := os.ReadFile(catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to read output catalog %s: %w", catalog, err)
		}
		// Outputs land under the public prefix so permalinks need no signing
		url := fmt.Sprintf("s3://%s/public/%s/%d/catalog%d.json", w.bucket, item.JobID, item.ID, i)
		if err := w.objects.Upload(ctx, url, body, "application/json"); err != nil {
			return nil, err
		}
		update.Results = append(update.Results, url)
		update.OutputItemSizes = append(update.OutputItemSizes, int64(len(body)))
		update.TotalItemsSize += int64(len(body))
	}
	return update, nil
}

// uploadLogs stages captured service output next to the item's artifacts
func (w *Worker) uploadLogs(ctx context.Context, item *models.WorkItem, lines []string) {
	if len(lines) == 0 {
		return
	}
	url := fmt.Sprintf("s3://%s/%s/%d/logs.txt", w.bucket, item.JobID, item.ID)
	body := []byte(strings.Join(lines, "\n"))
	if err := w.objects.Upload(ctx, url, body, "text/plain"); err != nil {
		w.logger.Warn().Err(err).Int64("workItemID", item.ID).Msg("Failed to upload service logs")
	}
}

// report PUTs the completion, tolerating items resolved elsewhere
func (w *Worker) report(ctx context.Context, itemID int64, update *models.WorkItemUpdate) {
	err := w.client.CompleteWork(ctx, itemID, update)
	if errors.Is(err, ErrItemGone) {
		w.logger.Info().Int64("workItemID", itemID).Msg("Item already resolved; dropping result")
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Int64("workItemID", itemID).Msg("Failed to report completion")
	}
}

// acquireWorkingMarker writes the in-progress marker the PreStop hook
// checks before letting the pod die.
func (w *Worker) acquireWorkingMarker(itemID int64) (string, error) {
	if w.config.WorkDir == "" {
		return "", fmt.Errorf("no work directory configured")
	}
	path := filepath.Join(w.config.WorkDir, "WORKING")
	if err := os.MkdirAll(w.config.WorkDir, 0755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(fmt.Sprintf("%d", itemID)), 0644)
}

// terminationRequested reports whether the PreStop hook wrote its marker
func (w *Worker) terminationRequested() bool {
	if w.config.TerminationFile == "" {
		return false
	}
	_, err := os.Stat(w.config.TerminationFile)
	return err == nil
}

func failedUpdate(message string, kind policy.ErrorKind) *models.WorkItemUpdate {
	return &models.WorkItemUpdate{
		Status:        models.WorkItemStatusFailed,
		ErrorMessage:  message,
		ErrorCategory: string(kind),
	}
}
