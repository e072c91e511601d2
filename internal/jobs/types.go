package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus represents the persisted lifecycle status of a job.
// Transitions only ever follow pending -> running -> {completed | retrying -> running | failed}.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// Queue is a named logical channel of related job types
type Queue string

const (
	QueueContent   Queue = "content"
	QueueSEO       Queue = "seo"
	QueueGSC       Queue = "gsc"
	QueueSite      Queue = "site"
	QueueDomain    Queue = "domain"
	QueueAnalytics Queue = "analytics"
	QueueABTest    Queue = "abtest"
	QueueSync      Queue = "sync"
	QueueAds       Queue = "ads"
	QueueMicrosite Queue = "microsite"
	QueueSocial    Queue = "social"
)

// KnownQueues is the fixed registered queue set. Enqueueing to any other
// name is a hard error, never a silent drop.
var KnownQueues = []Queue{
	QueueContent, QueueSEO, QueueGSC, QueueSite, QueueDomain,
	QueueAnalytics, QueueABTest, QueueSync, QueueAds,
	QueueMicrosite, QueueSocial,
}

// Error categories recorded alongside a failure so operators can tell
// "blocked by policy" from "crashed"
const (
	ErrorCategoryPaused      = "paused"
	ErrorCategoryUnknownType = "unknown_type"
	ErrorCategoryStuck       = "stuck_timeout"
)

const (
	// DefaultMaxAttempts is the retry budget applied when an enqueue
	// does not override it
	DefaultMaxAttempts = 3

	// StuckJobTimeout is how long a job may sit in running/retrying before
	// the detector reclaims it. Must stay comfortably above the longest
	// legitimate handler duration to avoid double-executing healthy jobs.
	StuckJobTimeout = 15 * time.Minute

	// QueueRetention is how long finished job records are kept before
	// CleanAllQueues trims them
	QueueRetention = 72 * time.Hour
)

// JobContext is what a handler sees of the job it is running
type JobContext struct {
	ID           string
	Type         string
	Queue        Queue
	Payload      json.RawMessage
	AttemptsMade int
}

// JobResult is the handler contract's return value. Returning Success=false
// follows the same retry/fail path as returning an error, except for the
// paused category which fails terminally without burning retries.
type JobResult struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCategory string          `json:"errorCategory,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// HandlerFunc implements a single job type's business logic. Opaque to the
// scheduling core: it is invoked by type name and its internals are its own.
type HandlerFunc func(ctx context.Context, job *JobContext) (*JobResult, error)

// HandlerMap maps job type names to handlers within one queue
type HandlerMap map[string]HandlerFunc

// RetryPolicy controls the backoff applied between attempts
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the exponential backoff used unless a worker
// config overrides it
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     15 * time.Minute,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before the given attempt number is retried
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	for i := 1; i < attempts; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	return backoff
}

// WorkerConfig declares one queue subscription for a worker process.
// Passed uniformly to every worker pool so the per-queue tuning lives in
// exactly one place.
type WorkerConfig struct {
	Queue       Queue
	Concurrency int
	RateLimit   float64 // dequeues per second, 0 = unlimited
	RateBurst   int
	RetryPolicy RetryPolicy
}

// EnqueueOptions tune a single enqueue call
type EnqueueOptions struct {
	Delay       time.Duration // schedule the first attempt into the future
	DedupeKey   string        // at most one in-flight job per (queue, key)
	MaxAttempts int           // override DefaultMaxAttempts
}

// RoadmapResult summarises one roadmap tick for logging and alerting.
// It has no lifecycle beyond the tick that produced it.
type RoadmapResult struct {
	SitesProcessed int
	TasksQueued    int
	Errors         []string
}

// StuckResult summarises one stuck-job reconciliation pass
type StuckResult struct {
	Healed            int
	PermanentlyFailed int
}

// CleanResult summarises an administrative queue cleanup
type CleanResult struct {
	QueuesCleaned int
	JobsRemoved   int
}
