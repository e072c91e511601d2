package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ErrScheduleNotFound is returned when a scheduled job row is not found
var ErrScheduleNotFound = errors.New("scheduled job not found")

// ScheduledJob is a persisted recurring job registration
type ScheduledJob struct {
	JobType     string
	Queue       string
	CronExpr    string
	Description string
	Payload     json.RawMessage
	NextRunAt   time.Time
	LastRunAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertScheduledJob registers a recurring job, keyed by job type.
// Re-registration on worker restart updates cadence and payload in place,
// so repeated calls never create duplicate entries.
func (db *DB) UpsertScheduledJob(ctx context.Context, sj *ScheduledJob) error {
	if sj.Payload == nil {
		sj.Payload = json.RawMessage(`{}`)
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (job_type, queue, cron_expr, description, payload, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_type) DO UPDATE SET
			queue = EXCLUDED.queue,
			cron_expr = EXCLUDED.cron_expr,
			description = EXCLUDED.description,
			payload = EXCLUDED.payload,
			next_run_at = CASE
				WHEN scheduled_jobs.cron_expr <> EXCLUDED.cron_expr THEN EXCLUDED.next_run_at
				ELSE scheduled_jobs.next_run_at
			END,
			updated_at = NOW()
	`, sj.JobType, sj.Queue, sj.CronExpr, sj.Description, []byte(sj.Payload), sj.NextRunAt)
	if err != nil {
		log.Error().Err(err).Str("job_type", sj.JobType).Msg("Failed to upsert scheduled job")
		return fmt.Errorf("failed to upsert scheduled job: %w", err)
	}

	return nil
}

// PruneScheduledJobs removes registrations whose job type is no longer in
// the static registry (e.g. after a deploy that retires a recurring job)
func (db *DB) PruneScheduledJobs(ctx context.Context, keepTypes []string) (int, error) {
	result, err := db.client.ExecContext(ctx, `
		DELETE FROM scheduled_jobs WHERE NOT (job_type = ANY($1))
	`, pq.Array(keepTypes))
	if err != nil {
		return 0, fmt.Errorf("failed to prune scheduled jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// GetDueScheduledJobs retrieves registrations whose next run time has passed
func (db *DB) GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT job_type, queue, cron_expr, description, payload,
		       next_run_at, last_run_at, created_at, updated_at
		FROM scheduled_jobs
		WHERE next_run_at <= $1
		ORDER BY next_run_at ASC
	`, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query due scheduled jobs")
		return nil, fmt.Errorf("failed to get due scheduled jobs: %w", err)
	}
	defer rows.Close()

	due := make([]*ScheduledJob, 0)
	for rows.Next() {
		sj := &ScheduledJob{}
		var lastRun sql.NullTime
		var payload []byte

		err := rows.Scan(
			&sj.JobType, &sj.Queue, &sj.CronExpr, &sj.Description, &payload,
			&sj.NextRunAt, &lastRun, &sj.CreatedAt, &sj.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}

		sj.Payload = payload
		if lastRun.Valid {
			sj.LastRunAt = lastRun.Time
		}

		due = append(due, sj)
	}

	return due, rows.Err()
}

// AdvanceScheduledJob records a trigger and moves the next run time forward
func (db *DB) AdvanceScheduledJob(ctx context.Context, jobType string, ranAt, nextRun time.Time) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = $1, next_run_at = $2, updated_at = NOW()
		WHERE job_type = $3
	`, ranAt, nextRun, jobType)
	if err != nil {
		log.Error().Err(err).Str("job_type", jobType).Msg("Failed to advance scheduled job")
		return fmt.Errorf("failed to advance scheduled job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrScheduleNotFound
	}

	return nil
}
