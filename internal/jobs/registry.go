package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rs/zerolog/log"
)

// ErrUnknownQueue is returned when an enqueue names a queue outside the
// fixed registered set
var ErrUnknownQueue = errors.New("unknown queue")

// ErrDuplicateJob aliases the store-level dedupe error so callers only need
// this package's sentinels
var ErrDuplicateJob = db.ErrDuplicateJob

// Registry owns enqueue and cleanup for the fixed set of logical queues.
// Every producer (API routes, scheduler ticks, the roadmap processor) goes
// through it, so queue-name validation happens in exactly one place.
type Registry struct {
	store     JobStore
	known     map[Queue]struct{}
	retention time.Duration
}

// NewRegistry creates a queue registry over the given job store
func NewRegistry(store JobStore) *Registry {
	if store == nil {
		panic("job store is required")
	}

	known := make(map[Queue]struct{}, len(KnownQueues))
	for _, q := range KnownQueues {
		known[q] = struct{}{}
	}

	return &Registry{
		store:     store,
		known:     known,
		retention: QueueRetention,
	}
}

// IsKnownQueue reports whether the queue name is registered
func (r *Registry) IsKnownQueue(queue Queue) bool {
	_, ok := r.known[queue]
	return ok
}

// Enqueue validates the queue name and durably records a new pending job.
// An unknown queue fails fast at the call site. A dedupe-key collision with
// a job still in flight returns the existing job alongside ErrDuplicateJob.
func (r *Registry) Enqueue(ctx context.Context, queue Queue, jobType string, payload any, opts *EnqueueOptions) (*db.Job, error) {
	if _, ok := r.known[queue]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	maxAttempts := DefaultMaxAttempts
	var dedupeKey string
	var delay time.Duration
	if opts != nil {
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
		dedupeKey = opts.DedupeKey
		delay = opts.Delay
	}

	now := time.Now().UTC()
	job := &db.Job{
		ID:          uuid.New().String(),
		Queue:       string(queue),
		Type:        jobType,
		Payload:     raw,
		Status:      string(JobStatusPending),
		MaxAttempts: maxAttempts,
		DedupeKey:   dedupeKey,
		RunAfter:    now.Add(delay),
		CreatedAt:   now,
	}

	if err := r.store.InsertJob(ctx, job); err != nil {
		if errors.Is(err, db.ErrDuplicateJob) {
			log.Debug().
				Str("queue", string(queue)).
				Str("type", jobType).
				Str("dedupe_key", dedupeKey).
				Msg("Enqueue deduplicated against in-flight job")
			existing, lookupErr := r.store.GetInflightByDedupeKey(ctx, string(queue), dedupeKey)
			if lookupErr != nil {
				// The holder finished between insert and lookup; the caller
				// still learns this enqueue was a duplicate
				return nil, ErrDuplicateJob
			}
			return existing, ErrDuplicateJob
		}
		return nil, err
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("queue", string(queue)).
		Str("type", jobType).
		Dur("delay", delay).
		Msg("Job enqueued")

	return job, nil
}

// CleanAllQueues trims finished broker entries past the retention window.
// Administrative operation, not part of the steady-state loop; jobs still
// pending, running or retrying are never removed.
func (r *Registry) CleanAllQueues(ctx context.Context) (*CleanResult, error) {
	span := sentry.StartSpan(ctx, "jobs.clean_all_queues")
	defer span.Finish()

	queuesCleaned, jobsRemoved, err := r.store.CleanQueues(ctx, r.retention)
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return nil, fmt.Errorf("failed to clean queues: %w", err)
	}

	return &CleanResult{QueuesCleaned: queuesCleaned, JobsRemoved: jobsRemoved}, nil
}

// QueueCounts exposes the per-queue status counts for the ops API
func (r *Registry) QueueCounts(ctx context.Context) (map[string]map[string]int, error) {
	return r.store.QueueCounts(ctx)
}
