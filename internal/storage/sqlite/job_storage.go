package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}

// JobStorage implements SQLite persistence for the job hierarchy
type JobStorage struct {
	db         *SQLiteDB
	logger     arbor.ILogger
	granuleCap int

	// mu serializes claim and completion transactions; SQLite has a single
	// writer and the claim is a read-modify-write.
	mu sync.Mutex

	providerMu    sync.RWMutex
	providerCache map[string]string // job id -> provider id
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, granuleCap int, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:            db,
		logger:        logger,
		granuleCap:    granuleCap,
		providerCache: make(map[string]string),
	}
}

// CreateJobBundle persists the job, its workflow steps, initial work items,
// and user work rows in one transaction.
func (s *JobStorage) CreateJobBundle(ctx context.Context, bundle *interfaces.JobBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertJob(ctx, tx, bundle.Job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	for _, step := range bundle.Steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return fmt.Errorf("failed to insert step %d: %w", step.StepIndex, err)
		}
	}
	for _, item := range bundle.Items {
		if err := item.Validate(); err != nil {
			return err
		}
		if _, err := insertWorkItem(ctx, tx, item); err != nil {
			return fmt.Errorf("failed to insert work item: %w", err)
		}
	}
	for _, uw := range bundle.UserWork {
		if err := insertUserWork(ctx, tx, uw); err != nil {
			return fmt.Errorf("failed to insert user work: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job bundle: %w", err)
	}

	s.logger.Info().
		Str("jobID", bundle.Job.JobID).
		Int("steps", len(bundle.Steps)).
		Int("workItems", len(bundle.Items)).
		Msg("Job bundle created")
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	messagesJSON, err := json.Marshal(job.Messages)
	if err != nil {
		return err
	}
	collectionsJSON, err := json.Marshal(job.CollectionIDs)
	if err != nil {
		return err
	}
	linksJSON, err := json.Marshal(job.Links)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, request_id, username, status, progress, message,
			messages, original_request, is_async, num_input_granules, collection_ids,
			ignore_errors, destination_url, service_name, provider_id, links,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.RequestID, job.Username, string(job.Status), job.Progress,
		job.Message, string(messagesJSON), job.OriginalRequest, boolToInt(job.IsAsync),
		job.NumInputGranules, string(collectionsJSON), boolToInt(job.IgnoreErrors),
		job.DestinationURL, job.ServiceName, job.ProviderID, string(linksJSON),
		job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	return err
}

func insertStep(ctx context.Context, tx *sql.Tx, step *models.WorkflowStep) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (job_id, step_index, service_id, operation,
			expected_count, created_count, successful_count, failed_count,
			aggregated_output, is_batched, is_sequential, max_batch_inputs,
			max_batch_bytes, progress_weight, is_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.JobID, step.StepIndex, step.ServiceID, step.Operation,
		step.ExpectedCount, step.CreatedCount, step.SuccessfulCount, step.FailedCount,
		boolToInt(step.AggregatedOutput), boolToInt(step.IsBatched),
		boolToInt(step.IsSequential), step.MaxBatchInputs, step.MaxBatchBytes,
		step.ProgressWeight, boolToInt(step.IsComplete))
	if err != nil {
		return err
	}
	step.ID, _ = res.LastInsertId()
	return nil
}

func insertUserWork(ctx context.Context, tx *sql.Tx, uw *models.UserWork) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_work (job_id, service_id, username, ready_count,
			running_count, is_async, last_worked)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uw.JobID, uw.ServiceID, uw.Username, uw.ReadyCount, uw.RunningCount,
		boolToInt(uw.IsAsync), uw.LastWorked.Unix())
	if err != nil {
		return err
	}
	uw.ID, _ = res.LastInsertId()
	return nil
}

const jobColumns = `job_id, request_id, username, status, progress, message,
	messages, original_request, is_async, num_input_granules, collection_ids,
	ignore_errors, destination_url, service_name, provider_id, links,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status, messagesJSON, collectionsJSON, linksJSON string
	var message, originalRequest, destinationURL, serviceName, providerID sql.NullString
	var isAsync, ignoreErrors int
	var createdAt, updatedAt int64

	err := row.Scan(&job.JobID, &job.RequestID, &job.Username, &status, &job.Progress,
		&message, &messagesJSON, &originalRequest, &isAsync, &job.NumInputGranules,
		&collectionsJSON, &ignoreErrors, &destinationURL, &serviceName, &providerID,
		&linksJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.Message = message.String
	job.OriginalRequest = originalRequest.String
	job.IsAsync = isAsync != 0
	job.IgnoreErrors = ignoreErrors != 0
	job.DestinationURL = destinationURL.String
	job.ServiceName = serviceName.String
	job.ProviderID = providerID.String
	job.CreatedAt = unixToTime(createdAt)
	job.UpdatedAt = unixToTime(updatedAt)

	if messagesJSON != "" {
		json.Unmarshal([]byte(messagesJSON), &job.Messages)
	}
	if collectionsJSON != "" {
		json.Unmarshal([]byte(collectionsJSON), &job.CollectionIDs)
	}
	if linksJSON != "" {
		json.Unmarshal([]byte(linksJSON), &job.Links)
	}
	return &job, nil
}

// GetJob loads a job with its labels
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job.Labels, err = s.labelsForJob(ctx, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobForUser loads a job only when it belongs to the user
func (s *JobStorage) GetJobForUser(ctx context.Context, jobID, username string) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ? AND username = ?", jobID, username)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job.Labels, err = s.labelsForJob(ctx, jobID); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs pages a user's jobs newest-first and returns the total count
func (s *JobStorage) ListJobs(ctx context.Context, username string, limit, offset int) ([]*models.Job, int, error) {
	if limit <= 0 {
		limit = 10
	}

	var total int
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE username = ?", username).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE username = ? ORDER BY created_at DESC, job_id LIMIT ? OFFSET ?",
		username, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// ProviderOf returns the provider id for a job, cached after first lookup
func (s *JobStorage) ProviderOf(ctx context.Context, jobID string) (string, error) {
	s.providerMu.RLock()
	if provider, ok := s.providerCache[jobID]; ok {
		s.providerMu.RUnlock()
		return provider, nil
	}
	s.providerMu.RUnlock()

	var provider sql.NullString
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT provider_id FROM jobs WHERE job_id = ?", jobID).Scan(&provider)
	if err == sql.ErrNoRows {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up provider: %w", err)
	}

	s.providerMu.Lock()
	s.providerCache[jobID] = provider.String
	s.providerMu.Unlock()
	return provider.String, nil
}

// TransitionJob moves a job through the status machine. Canceling a job also
// sweeps its non-terminal work items in the same transaction.
func (s *JobStorage) TransitionJob(ctx context.Context, jobID string, to models.JobStatus, message string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if err := job.Transition(to, message); err != nil {
		return nil, err
	}

	messagesJSON, _ := json.Marshal(job.Messages)
	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, message = ?, messages = ?, updated_at = ? WHERE job_id = ?",
		string(job.Status), job.Message, string(messagesJSON), job.UpdatedAt.Unix(), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	if to == models.JobStatusCanceled {
		if _, err := sweepJobItems(ctx, tx, jobID); err != nil {
			return nil, fmt.Errorf("failed to cancel work items: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.logger.Info().
		Str("jobID", jobID).
		Str("status", string(to)).
		Msg("Job status changed")
	return job, nil
}

// UpdateJobProgress writes a new progress value, never lowering it
func (s *JobStorage) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET progress = MAX(progress, ?), updated_at = strftime('%s', 'now') WHERE job_id = ?",
		progress, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// AddJobLinks appends output artifact links to the job
func (s *JobStorage) AddJobLinks(ctx context.Context, jobID string, links []models.RelatedLink) error {
	if len(links) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var linksJSON sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT links FROM jobs WHERE job_id = ?", jobID).Scan(&linksJSON)
	if err == sql.ErrNoRows {
		return interfaces.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read links: %w", err)
	}

	var existing []models.RelatedLink
	if linksJSON.Valid && linksJSON.String != "" {
		json.Unmarshal([]byte(linksJSON.String), &existing)
	}
	existing = append(existing, links...)
	merged, err := json.Marshal(existing)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET links = ?, updated_at = strftime('%s', 'now') WHERE job_id = ?",
		string(merged), jobID)
	if err != nil {
		return fmt.Errorf("failed to write links: %w", err)
	}
	return tx.Commit()
}

// SetLabelsForJob replaces the job's label set atomically. Values are
// normalized and deduplicated per username.
func (s *JobStorage) SetLabelsForJob(ctx context.Context, jobID, username string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM jobs_labels WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}

	seen := make(map[string]bool, len(labels))
	for _, raw := range labels {
		value := models.NormalizeLabel(raw)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO labels (username, value) VALUES (?, ?)",
			username, value); err != nil {
			return fmt.Errorf("failed to insert label: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO jobs_labels (job_id, label_id)
			SELECT ?, id FROM labels WHERE username = ? AND value = ?`,
			jobID, username, value); err != nil {
			return fmt.Errorf("failed to attach label: %w", err)
		}
	}

	return tx.Commit()
}

func (s *JobStorage) labelsForJob(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT l.value FROM labels l
		JOIN jobs_labels jl ON jl.label_id = l.id
		WHERE jl.job_id = ? ORDER BY l.value`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		labels = append(labels, v)
	}
	return labels, rows.Err()
}

// DeleteUserWorkForJob removes the fair-scheduling rows on job finalization
func (s *JobStorage) DeleteUserWorkForJob(ctx context.Context, jobID string) error {
	_, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM user_work WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete user work: %w", err)
	}
	return nil
}

// ReapUserWork removes fair-scheduling rows whose jobs reached a terminal
// status. Normally finalization deletes them; the reaper catches strays.
func (s *JobStorage) ReapUserWork(ctx context.Context) (int, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM user_work WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE status IN ('canceled', 'successful', 'complete_with_errors', 'failed'))`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap user work: %w", err)
	}
	reaped, _ := res.RowsAffected()
	return int(reaped), nil
}

// Close closes the underlying database
func (s *JobStorage) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
