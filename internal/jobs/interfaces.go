package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/pause"
)

// JobStore defines the durable queue operations needed by the registry,
// the worker pool and the stuck-job detector
type JobStore interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
	InsertJob(ctx context.Context, job *db.Job) error
	ClaimNext(ctx context.Context, queue string) (*db.Job, error)
	GetJob(ctx context.Context, jobID string) (*db.Job, error)
	GetInflightByDedupeKey(ctx context.Context, queue, dedupeKey string) (*db.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error
	MarkRetrying(ctx context.Context, jobID string, errMsg, errCategory string, backoff time.Duration) error
	MarkFailed(ctx context.Context, jobID string, errMsg, errCategory string) error
	FindStuck(ctx context.Context, cutoff time.Time) ([]db.StuckJob, error)
	ResetToPending(ctx context.Context, jobID string) error
	CleanQueues(ctx context.Context, retention time.Duration) (queuesCleaned, jobsRemoved int, err error)
	QueueCounts(ctx context.Context) (map[string]map[string]int, error)
}

// SiteStore defines the site reads and writes the roadmap processor needs
type SiteStore interface {
	ListWorkableSites(ctx context.Context) ([]*db.Site, error)
	CountRecentSiteCreations(ctx context.Context, window time.Duration) (int, error)
}

// ScheduleStore defines the recurring-schedule persistence the scheduler needs
type ScheduleStore interface {
	UpsertScheduledJob(ctx context.Context, sj *db.ScheduledJob) error
	PruneScheduledJobs(ctx context.Context, keepTypes []string) (int, error)
	GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*db.ScheduledJob, error)
	AdvanceScheduledJob(ctx context.Context, jobType string, ranAt, nextRun time.Time) error
}

// PauseChecker is the gate consulted before autonomous operations
type PauseChecker interface {
	CanExecute(ctx context.Context, feature string) pause.Decision
	MaxSitesPerHour(ctx context.Context) (int, error)
}
