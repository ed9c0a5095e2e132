package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "job_hierarchy", up: migrateV1},
		{version: 2, name: "user_work_and_outputs", up: migrateV2},
		{version: 3, name: "labels", up: migrateV3},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the job, workflow step, and work item tables
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			username TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			messages JSON,
			original_request TEXT,
			is_async INTEGER NOT NULL DEFAULT 1,
			num_input_granules INTEGER NOT NULL DEFAULT 0,
			collection_ids JSON,
			ignore_errors INTEGER NOT NULL DEFAULT 0,
			destination_url TEXT,
			service_name TEXT,
			provider_id TEXT,
			links JSON,
			created_at INTEGER DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			step_index INTEGER NOT NULL,
			service_id TEXT NOT NULL,
			operation JSON NOT NULL,
			expected_count INTEGER NOT NULL DEFAULT 0,
			created_count INTEGER NOT NULL DEFAULT 0,
			successful_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			aggregated_output INTEGER NOT NULL DEFAULT 0,
			is_batched INTEGER NOT NULL DEFAULT 0,
			is_sequential INTEGER NOT NULL DEFAULT 0,
			max_batch_inputs INTEGER NOT NULL DEFAULT 0,
			max_batch_bytes INTEGER NOT NULL DEFAULT 0,
			progress_weight REAL NOT NULL DEFAULT 1.0,
			is_complete INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER DEFAULT (strftime('%s', 'now')),
			UNIQUE(job_id, step_index)
		)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			service_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			status TEXT NOT NULL,
			scroll_id TEXT,
			stac_catalogs JSON,
			operation JSON,
			results JSON,
			total_items_size INTEGER NOT NULL DEFAULT 0,
			output_item_sizes JSON,
			retry_count INTEGER NOT NULL DEFAULT 0,
			pod_name TEXT,
			error_message TEXT,
			sort_key INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(service_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_job_step ON work_items(job_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_stale ON work_items(status, updated_at)`,
	}

	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 creates the fair-scheduling and step output tables
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS user_work (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			service_id TEXT NOT NULL,
			username TEXT NOT NULL,
			ready_count INTEGER NOT NULL DEFAULT 0,
			running_count INTEGER NOT NULL DEFAULT 0,
			is_async INTEGER NOT NULL DEFAULT 1,
			last_worked INTEGER DEFAULT (strftime('%s', 'now')),
			UNIQUE(job_id, service_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_work_claim ON user_work(service_id, last_worked)`,

		`CREATE TABLE IF NOT EXISTS step_outputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			step_index INTEGER NOT NULL,
			catalog_url TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			batched INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_outputs_pending ON step_outputs(job_id, step_index, batched)`,
	}

	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 creates the label tables
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS labels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER DEFAULT (strftime('%s', 'now')),
			UNIQUE(username, value)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs_labels (
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			label_id INTEGER NOT NULL REFERENCES labels(id),
			UNIQUE(job_id, label_id)
		)`,
	}

	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
