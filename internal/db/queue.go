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

// ErrDuplicateJob is returned when an enqueue collides with an in-flight job
// carrying the same dedupe key
var ErrDuplicateJob = errors.New("duplicate in-flight job")

// ErrJobNotFound is returned when a job ID does not exist
var ErrJobNotFound = errors.New("job not found")

// JobQueue is the PostgreSQL implementation of the durable job queue.
// The jobs table doubles as broker: claiming uses row-level locking so a
// dequeued job is delivered to exactly one consumer.
type JobQueue struct {
	db *sql.DB
}

// NewJobQueue creates a PostgreSQL job queue
func NewJobQueue(db *sql.DB) *JobQueue {
	return &JobQueue{db: db}
}

// Execute runs a database operation in a transaction
func (q *JobQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Job represents a persisted job record
type Job struct {
	ID            string
	Queue         string
	Type          string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	MaxAttempts   int
	DedupeKey     string
	RunAfter      time.Time
	Result        json.RawMessage
	Error         string
	ErrorCategory string
	StartedAt     time.Time
	CompletedAt   time.Time
	CreatedAt     time.Time
}

const jobColumns = `id, queue, type, payload, status, attempts, max_attempts,
	dedupe_key, run_after, result, error, error_category,
	started_at, completed_at, created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var dedupeKey, errMsg, errCategory sql.NullString
	var result []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Queue, &job.Type, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &dedupeKey, &job.RunAfter,
		&result, &errMsg, &errCategory, &startedAt, &completedAt, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.DedupeKey = dedupeKey.String
	job.Error = errMsg.String
	job.ErrorCategory = errCategory.String
	job.Result = result
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}

	return &job, nil
}

// InsertJob persists a new pending job. The insert is the enqueue: there is
// no separate broker submission that could be lost on crash.
func (q *JobQueue) InsertJob(ctx context.Context, job *Job) error {
	if job.Payload == nil {
		job.Payload = json.RawMessage(`{}`)
	}

	var dedupeKey any
	if job.DedupeKey != "" {
		dedupeKey = job.DedupeKey
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, queue, type, payload, status, attempts, max_attempts,
			dedupe_key, run_after, created_at
		) VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8)
	`, job.ID, job.Queue, job.Type, []byte(job.Payload),
		job.MaxAttempts, dedupeKey, job.RunAfter, job.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// ClaimNext claims the next due job on a queue using row-level locking.
// The status flip to running, the attempt increment and started_at all land
// in the same transaction as the claim, so a crash mid-handler always leaves
// an accurate running record behind. Returns nil when no job is due.
func (q *JobQueue) ClaimNext(ctx context.Context, queue string) (*Job, error) {
	var job *Job

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		// FOR UPDATE SKIP LOCKED lets concurrent workers each claim
		// different rows without blocking on one another
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE queue = $1
			  AND status IN ('pending', 'retrying')
			  AND run_after <= NOW()
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, queue)

		claimed, err := scanJob(row)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query job: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'running', attempts = attempts + 1, started_at = $1
			WHERE id = $2
		`, now, claimed.ID)
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}

		claimed.Status = "running"
		claimed.Attempts++
		claimed.StartedAt = now
		job = claimed

		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil // No jobs available
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

// GetJob retrieves a job by ID
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// GetInflightByDedupeKey retrieves the in-flight job holding a dedupe key
// on a queue, if any
func (q *JobQueue) GetInflightByDedupeKey(ctx context.Context, queue, dedupeKey string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE queue = $1 AND dedupe_key = $2
		  AND status IN ('pending', 'running', 'retrying')
	`, queue, dedupeKey)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by dedupe key: %w", err)
	}

	return job, nil
}

// MarkCompleted records a successful job outcome
func (q *JobQueue) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $1, completed_at = $2,
			error = NULL, error_category = NULL
		WHERE id = $3
	`, []byte(result), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// MarkRetrying schedules a failed job for another attempt after a backoff delay
func (q *JobQueue) MarkRetrying(ctx context.Context, jobID string, errMsg, errCategory string, backoff time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying', error = $1, error_category = NULLIF($2, ''),
			run_after = $3
		WHERE id = $4
	`, errMsg, errCategory, time.Now().UTC().Add(backoff), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job retrying: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure, no further automatic retries
func (q *JobQueue) MarkFailed(ctx context.Context, jobID string, errMsg, errCategory string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $1, error_category = NULLIF($2, ''),
			completed_at = $3
		WHERE id = $4
	`, errMsg, errCategory, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// StuckJob is the subset of job fields the detector needs
type StuckJob struct {
	ID          string
	Queue       string
	Type        string
	Status      string
	Attempts    int
	MaxAttempts int
	StartedAt   time.Time
}

// FindStuck returns jobs left running/retrying past the given cutoff, with no
// active consumer attached (typically after a process crash)
func (q *JobQueue) FindStuck(ctx context.Context, cutoff time.Time) ([]StuckJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, queue, type, status, attempts, max_attempts, started_at
		FROM jobs
		WHERE status IN ('running', 'retrying')
		  AND started_at IS NOT NULL
		  AND started_at < $1
		ORDER BY started_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", err)
	}
	defer rows.Close()

	var stuck []StuckJob
	for rows.Next() {
		var s StuckJob
		if err := rows.Scan(&s.ID, &s.Queue, &s.Type, &s.Status, &s.Attempts, &s.MaxAttempts, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stuck job: %w", err)
		}
		stuck = append(stuck, s)
	}

	return stuck, rows.Err()
}

// ResetToPending heals a stuck job so it is picked up again. Attempts are
// deliberately left unchanged: this is recovery, not a retry.
func (q *JobQueue) ResetToPending(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', started_at = NULL, run_after = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to reset job to pending: %w", err)
	}
	return nil
}

// CleanQueues trims completed/failed records older than the retention window.
// Pending, running and retrying records are never touched.
func (q *JobQueue) CleanQueues(ctx context.Context, retention time.Duration) (queuesCleaned, jobsRemoved int, err error) {
	cutoff := time.Now().UTC().Add(-retention)

	rows, err := q.db.QueryContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1
		RETURNING queue
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to clean queues: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return 0, 0, fmt.Errorf("failed to scan cleaned queue: %w", err)
		}
		seen[queue] = struct{}{}
		jobsRemoved++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	if jobsRemoved > 0 {
		log.Info().
			Int("jobs_removed", jobsRemoved).
			Int("queues_cleaned", len(seen)).
			Msg("Trimmed finished job records")
	}

	return len(seen), jobsRemoved, nil
}

// QueueCounts returns per-queue job counts grouped by status, for the ops API
func (q *JobQueue) QueueCounts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue, status, COUNT(*)
		FROM jobs
		GROUP BY queue, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var queue, status string
		var n int
		if err := rows.Scan(&queue, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		if counts[queue] == nil {
			counts[queue] = make(map[string]int)
		}
		counts[queue][status] = n
	}

	return counts, rows.Err()
}
