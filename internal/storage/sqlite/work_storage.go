package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
)

const itemColumns = `id, job_id, service_id, step_index, status, scroll_id,
	stac_catalogs, operation, results, total_items_size, output_item_sizes,
	retry_count, pod_name, error_message, sort_key, created_at, updated_at`

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var status string
	var scrollID, stacJSON, operation, resultsJSON, sizesJSON, podName, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&item.ID, &item.JobID, &item.ServiceID, &item.StepIndex, &status,
		&scrollID, &stacJSON, &operation, &resultsJSON, &item.TotalItemsSize,
		&sizesJSON, &item.RetryCount, &podName, &errorMessage, &item.SortKey,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.Status = models.WorkItemStatus(status)
	item.ScrollID = scrollID.String
	item.Operation = operation.String
	item.PodName = podName.String
	item.ErrorMessage = errorMessage.String
	item.CreatedAt = unixToTime(createdAt)
	item.UpdatedAt = unixToTime(updatedAt)

	if stacJSON.Valid && stacJSON.String != "" {
		json.Unmarshal([]byte(stacJSON.String), &item.StacCatalogs)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		json.Unmarshal([]byte(resultsJSON.String), &item.Results)
	}
	if sizesJSON.Valid && sizesJSON.String != "" {
		json.Unmarshal([]byte(sizesJSON.String), &item.OutputItemSizes)
	}
	return &item, nil
}

func insertWorkItem(ctx context.Context, tx *sql.Tx, item *models.WorkItem) (int64, error) {
	stacJSON, err := json.Marshal(item.StacCatalogs)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	res, err := tx.ExecContext(ctx, `
		INSERT INTO work_items (job_id, service_id, step_index, status, scroll_id,
			stac_catalogs, operation, retry_count, sort_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.JobID, item.ServiceID, item.StepIndex, string(item.Status),
		nullString(item.ScrollID), string(stacJSON), nullString(item.Operation),
		item.RetryCount, item.SortKey, item.CreatedAt.Unix(), item.UpdatedAt.Unix())
	if err != nil {
		return 0, err
	}
	item.ID, _ = res.LastInsertId()
	return item.ID, nil
}

const stepColumns = `id, job_id, step_index, service_id, operation,
	expected_count, created_count, successful_count, failed_count,
	aggregated_output, is_batched, is_sequential, max_batch_inputs,
	max_batch_bytes, progress_weight, is_complete, created_at, updated_at`

func scanStep(row rowScanner) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	var aggregated, batched, sequential, complete int
	var createdAt, updatedAt int64

	err := row.Scan(&step.ID, &step.JobID, &step.StepIndex, &step.ServiceID,
		&step.Operation, &step.ExpectedCount, &step.CreatedCount,
		&step.SuccessfulCount, &step.FailedCount, &aggregated, &batched,
		&sequential, &step.MaxBatchInputs, &step.MaxBatchBytes,
		&step.ProgressWeight, &complete, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow step: %w", err)
	}

	step.AggregatedOutput = aggregated != 0
	step.IsBatched = batched != 0
	step.IsSequential = sequential != 0
	step.IsComplete = complete != 0
	step.CreatedAt = unixToTime(createdAt)
	step.UpdatedAt = unixToTime(updatedAt)
	return &step, nil
}

// GetWorkflowSteps returns a job's steps ordered by step index
func (s *JobStorage) GetWorkflowSteps(ctx context.Context, jobID string) ([]*models.WorkflowStep, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE job_id = ? ORDER BY step_index", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetWorkflowStep returns one step by (job, index)
func (s *JobStorage) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE job_id = ? AND step_index = ?",
		jobID, stepIndex)
	return scanStep(row)
}

// UpdateStepExpected sets the expected item count once the first page of CMR
// results reports the total hits.
func (s *JobStorage) UpdateStepExpected(ctx context.Context, jobID string, stepIndex, expected int) error {
	_, err := s.db.DB().ExecContext(ctx, `
		UPDATE workflow_steps SET expected_count = ?, updated_at = strftime('%s', 'now')
		WHERE job_id = ? AND step_index = ?`,
		expected, jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("failed to update expected count: %w", err)
	}
	return nil
}

// CloseWorkflowStep marks a step complete and freezes its expected count at
// what was actually created. Called for steps starved of inputs by an
// upstream step that finished without outputs.
func (s *JobStorage) CloseWorkflowStep(ctx context.Context, jobID string, stepIndex int) error {
	_, err := s.db.DB().ExecContext(ctx, `
		UPDATE workflow_steps SET is_complete = 1, expected_count = created_count,
			updated_at = strftime('%s', 'now')
		WHERE job_id = ? AND step_index = ?`,
		jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("failed to close workflow step: %w", err)
	}
	return nil
}

// GetWorkItem loads one work item by id
func (s *JobStorage) GetWorkItem(ctx context.Context, id int64) (*models.WorkItem, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	return scanWorkItem(row)
}

// GetWorkItemsForStep returns a step's items ordered by sort key
func (s *JobStorage) GetWorkItemsForStep(ctx context.Context, jobID string, stepIndex int) ([]*models.WorkItem, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE job_id = ? AND step_index = ? ORDER BY sort_key, id",
		jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to load work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// claimableStatuses are the job states whose items may be handed to workers
const claimableStatuses = "'accepted', 'previewing', 'running'"

// ClaimNextWorkItem picks the fairest ready item for a service and marks it
// running in one transaction. Fairness is strictly oldest last_worked first,
// ties broken by username and then item id. Sequential steps are
// single-flight: a ready item is skipped while a sibling is running. The
// concurrency check shares the transaction so concurrent claims cannot both
// pass it.
func (s *JobStorage) ClaimNextWorkItem(ctx context.Context, serviceID, podName string, concurrencyLimit int) (*interfaces.ClaimedWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if concurrencyLimit > 0 {
		var running int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM work_items WHERE service_id = ? AND status = 'running'",
			serviceID).Scan(&running)
		if err != nil {
			return nil, fmt.Errorf("failed to count running work: %w", err)
		}
		if running >= concurrencyLimit {
			return nil, nil
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT uw.job_id, j.num_input_granules FROM user_work uw
		JOIN jobs j ON j.job_id = uw.job_id
		WHERE uw.service_id = ? AND uw.ready_count > 0
		  AND j.status IN (`+claimableStatuses+`)
		ORDER BY uw.last_worked ASC, uw.username ASC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user work: %w", err)
	}

	type candidate struct {
		jobID    string
		granules int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.jobID, &c.granules); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		row := tx.QueryRowContext(ctx, `
			SELECT `+prefixed("w", itemColumns)+` FROM work_items w
			JOIN workflow_steps s ON s.job_id = w.job_id AND s.step_index = w.step_index
			WHERE w.job_id = ? AND w.service_id = ? AND w.status = 'ready'
			  AND (s.is_sequential = 0 OR NOT EXISTS (
				SELECT 1 FROM work_items r
				WHERE r.job_id = w.job_id AND r.step_index = w.step_index
				  AND r.status = 'running'))
			ORDER BY w.sort_key, w.id LIMIT 1`, c.jobID, serviceID)
		item, err := scanWorkItem(row)
		if err == interfaces.ErrNotFound {
			continue // Sequential step blocked; try the next job
		}
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET status = 'running', pod_name = ?, updated_at = ?
			WHERE id = ?`, podName, now.Unix(), item.ID); err != nil {
			return nil, fmt.Errorf("failed to mark item running: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_work SET ready_count = ready_count - 1,
				running_count = running_count + 1, last_worked = ?
			WHERE job_id = ? AND service_id = ?`, now.Unix(), c.jobID, serviceID); err != nil {
			return nil, fmt.Errorf("failed to update user work: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}

		item.Status = models.WorkItemStatusRunning
		item.PodName = podName
		item.UpdatedAt = now

		maxGranules := c.granules
		if s.granuleCap > 0 && (maxGranules == 0 || maxGranules > s.granuleCap) {
			maxGranules = s.granuleCap
		}
		return &interfaces.ClaimedWork{Item: item, MaxCmrGranules: maxGranules}, nil
	}

	return nil, nil // No work available
}

// CompleteWorkItem applies a worker's terminal report in one transaction:
// the item update, the user work counters, the step counters, and the step
// output queue all change together or not at all.
func (s *JobStorage) CompleteWorkItem(ctx context.Context, id int64, update *models.WorkItemUpdate) (*interfaces.CompletionResult, error) {
	if !models.WorkItemStatus(update.Status).IsTerminal() {
		return nil, fmt.Errorf("completion status must be terminal, got %q", update.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if err != nil {
		return nil, err
	}
	if item.Status.IsTerminal() {
		return nil, interfaces.ErrAlreadyTerminal
	}
	priorStatus := item.Status

	resultsJSON, _ := json.Marshal(update.Results)
	sizesJSON, _ := json.Marshal(update.OutputItemSizes)
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, results = ?, total_items_size = ?,
			output_item_sizes = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(update.Status), string(resultsJSON), update.TotalItemsSize,
		string(sizesJSON), nullString(update.ErrorMessage), now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update work item: %w", err)
	}

	// Counter updates
	if priorStatus == models.WorkItemStatusRunning {
		_, err = tx.ExecContext(ctx, `
			UPDATE user_work SET running_count = MAX(running_count - 1, 0)
			WHERE job_id = ? AND service_id = ?`, item.JobID, item.ServiceID)
	} else if priorStatus == models.WorkItemStatusReady {
		_, err = tx.ExecContext(ctx, `
			UPDATE user_work SET ready_count = MAX(ready_count - 1, 0)
			WHERE job_id = ? AND service_id = ?`, item.JobID, item.ServiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user work: %w", err)
	}

	counterColumn := ""
	switch update.Status {
	case models.WorkItemStatusSuccessful:
		counterColumn = "successful_count"
	case models.WorkItemStatusFailed:
		counterColumn = "failed_count"
	}
	if counterColumn != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_steps SET `+counterColumn+` = `+counterColumn+` + 1,
				updated_at = strftime('%s', 'now')
			WHERE job_id = ? AND step_index = ?`, item.JobID, item.StepIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to update step counters: %w", err)
		}
	}

	// Queue outputs for the next step's batching
	for i, catalog := range update.Results {
		var size int64
		if i < len(update.OutputItemSizes) {
			size = update.OutputItemSizes[i]
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_outputs (job_id, step_index, catalog_url, size_bytes)
			VALUES (?, ?, ?, ?)`, item.JobID, item.StepIndex, catalog, size); err != nil {
			return nil, fmt.Errorf("failed to queue step output: %w", err)
		}
	}

	var ignoreErrors int
	if err := tx.QueryRowContext(ctx,
		"SELECT ignore_errors FROM jobs WHERE job_id = ?", item.JobID).Scan(&ignoreErrors); err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	stepRow := tx.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE job_id = ? AND step_index = ?",
		item.JobID, item.StepIndex)
	step, err := scanStep(stepRow)
	if err != nil {
		return nil, err
	}

	stepTerminal := step.IsTerminalUnder(ignoreErrors != 0)
	if stepTerminal && !step.IsComplete {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps SET is_complete = 1, updated_at = strftime('%s', 'now')
			WHERE id = ?`, step.ID); err != nil {
			return nil, fmt.Errorf("failed to mark step complete: %w", err)
		}
		step.IsComplete = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	item.Status = update.Status
	item.Results = update.Results
	item.TotalItemsSize = update.TotalItemsSize
	item.OutputItemSizes = update.OutputItemSizes
	item.ErrorMessage = update.ErrorMessage
	item.UpdatedAt = now

	s.logger.Debug().
		Str("jobID", item.JobID).
		Int64("workItemID", item.ID).
		Str("status", string(update.Status)).
		Bool("stepTerminal", stepTerminal).
		Msg("Work item completed")

	return &interfaces.CompletionResult{
		Item:         item,
		Step:         step,
		StepTerminal: stepTerminal,
	}, nil
}

// RequeueWorkItem puts a failed or stale item back to ready with an
// incremented retry count. An item that already reached a terminal status
// stays put; reopening it would undo a recorded outcome.
func (s *JobStorage) RequeueWorkItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return interfaces.ErrAlreadyTerminal
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE work_items SET status = 'ready', retry_count = retry_count + 1,
			pod_name = NULL, error_message = NULL, updated_at = strftime('%s', 'now')
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue work item: %w", err)
	}

	runningDelta := 0
	if item.Status == models.WorkItemStatusRunning {
		runningDelta = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE user_work SET ready_count = ready_count + 1,
			running_count = MAX(running_count - ?, 0)
		WHERE job_id = ? AND service_id = ?`, runningDelta, item.JobID, item.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to update user work: %w", err)
	}

	return tx.Commit()
}

// CreateWorkItems inserts new items for an existing step, bumping the step's
// created counter and the user work ready count.
func (s *JobStorage) CreateWorkItems(ctx context.Context, items []*models.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	type key struct {
		jobID     string
		serviceID string
	}
	ready := make(map[key]int)
	created := make(map[string]map[int]int)

	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}

		// No item may be created for a terminal step
		var complete int
		err := tx.QueryRowContext(ctx,
			"SELECT is_complete FROM workflow_steps WHERE job_id = ? AND step_index = ?",
			item.JobID, item.StepIndex).Scan(&complete)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no workflow step (%s, %d) for new work item", item.JobID, item.StepIndex)
		}
		if err != nil {
			return err
		}
		if complete != 0 {
			return fmt.Errorf("workflow step (%s, %d) is terminal; cannot add work items", item.JobID, item.StepIndex)
		}

		if _, err := insertWorkItem(ctx, tx, item); err != nil {
			return fmt.Errorf("failed to insert work item: %w", err)
		}
		if item.Status == models.WorkItemStatusReady {
			ready[key{item.JobID, item.ServiceID}]++
		}
		if created[item.JobID] == nil {
			created[item.JobID] = make(map[int]int)
		}
		created[item.JobID][item.StepIndex]++
	}

	for k, n := range ready {
		res, err := tx.ExecContext(ctx, `
			UPDATE user_work SET ready_count = ready_count + ?
			WHERE job_id = ? AND service_id = ?`, n, k.jobID, k.serviceID)
		if err != nil {
			return fmt.Errorf("failed to update user work: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO user_work (job_id, service_id, username, ready_count,
					running_count, is_async, last_worked)
				SELECT job_id, ?, username, ?, 0, is_async, strftime('%s', 'now')
				FROM jobs WHERE job_id = ?`, k.serviceID, n, k.jobID)
			if err != nil {
				return fmt.Errorf("failed to insert user work: %w", err)
			}
		}
	}

	for jobID, steps := range created {
		for stepIndex, n := range steps {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_steps SET created_count = created_count + ?
				WHERE job_id = ? AND step_index = ?`, n, jobID, stepIndex); err != nil {
				return fmt.Errorf("failed to update step created count: %w", err)
			}
		}
	}

	return tx.Commit()
}

// AppendStepOutputs queues catalog URLs for the next step's batching
func (s *JobStorage) AppendStepOutputs(ctx context.Context, jobID string, stepIndex int, outputs []models.StepOutput) error {
	if len(outputs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, out := range outputs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_outputs (job_id, step_index, catalog_url, size_bytes)
			VALUES (?, ?, ?, ?)`, jobID, stepIndex, out.CatalogURL, out.SizeBytes); err != nil {
			return fmt.Errorf("failed to queue step output: %w", err)
		}
	}
	return tx.Commit()
}

// DrainStepOutputs returns up to max pending outputs of a step in completion
// order and marks them consumed. max <= 0 drains everything.
func (s *JobStorage) DrainStepOutputs(ctx context.Context, jobID string, stepIndex int, max int) ([]models.StepOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, job_id, step_index, catalog_url, size_bytes
		FROM step_outputs WHERE job_id = ? AND step_index = ? AND batched = 0
		ORDER BY id`
	args := []interface{}{jobID, stepIndex}
	if max > 0 {
		query += " LIMIT ?"
		args = append(args, max)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step outputs: %w", err)
	}

	var outputs []models.StepOutput
	for rows.Next() {
		var out models.StepOutput
		if err := rows.Scan(&out.ID, &out.JobID, &out.StepIndex, &out.CatalogURL, &out.SizeBytes); err != nil {
			rows.Close()
			return nil, err
		}
		outputs = append(outputs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, out := range outputs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE step_outputs SET batched = 1 WHERE id = ?", out.ID); err != nil {
			return nil, fmt.Errorf("failed to mark output batched: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return outputs, nil
}

// CountPendingStepOutputs counts undrained outputs for a step
func (s *JobStorage) CountPendingStepOutputs(ctx context.Context, jobID string, stepIndex int) (int, error) {
	var count int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM step_outputs
		WHERE job_id = ? AND step_index = ? AND batched = 0`, jobID, stepIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count step outputs: %w", err)
	}
	return count, nil
}

// sweepJobItems cancels every non-terminal item of a job and zeroes its user
// work counters. Runs inside the caller's transaction.
func sweepJobItems(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = 'canceled', updated_at = strftime('%s', 'now')
		WHERE job_id = ? AND status IN ('ready', 'queued', 'running')`, jobID)
	if err != nil {
		return 0, err
	}
	swept, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		UPDATE user_work SET ready_count = 0, running_count = 0 WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, err
	}
	return int(swept), nil
}

// CancelJobItems sweeps a job's non-terminal work items to canceled
func (s *JobStorage) CancelJobItems(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	swept, err := sweepJobItems(ctx, tx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep work items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if swept > 0 {
		s.logger.Info().Str("jobID", jobID).Int("swept", swept).Msg("Canceled job work items")
	}
	return swept, nil
}

// AvailableWorkItems counts ready items for a service across runnable jobs
func (s *JobStorage) AvailableWorkItems(ctx context.Context, serviceID string) (int, error) {
	var count int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items w
		JOIN jobs j ON j.job_id = w.job_id
		WHERE w.service_id = ? AND w.status = 'ready'
		  AND j.status IN (`+claimableStatuses+`)`, serviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count available work: %w", err)
	}
	return count, nil
}

// StaleWorkItems returns running items not updated within the cutoff
func (s *JobStorage) StaleWorkItems(ctx context.Context, olderThanMinutes, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute).Unix()

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE status = 'running' AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// prefixed qualifies every column in a comma-separated list with a table
// alias, for joined queries.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
