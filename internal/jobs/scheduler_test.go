//go:build unit || !integration

package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerValidation(t *testing.T) {
	registry := NewRegistry(newMemoryStore())

	assert.PanicsWithValue(t, "schedule store is required", func() {
		NewScheduler(nil, registry)
	})
	assert.PanicsWithValue(t, "registry is required", func() {
		NewScheduler(newStubScheduleStore(), nil)
	})
}

func TestScheduledJobDefinitionsAreValid(t *testing.T) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	seen := make(map[string]struct{})
	registry := NewRegistry(newMemoryStore())

	for _, def := range scheduledJobDefinitions {
		t.Run(def.JobType, func(t *testing.T) {
			_, dup := seen[def.JobType]
			assert.False(t, dup, "duplicate job type")
			seen[def.JobType] = struct{}{}

			_, err := parser.Parse(def.CronExpr)
			assert.NoError(t, err)
			assert.True(t, registry.IsKnownQueue(def.Queue))
			assert.NotEmpty(t, def.Description)
		})
	}
}

func TestInitializeScheduledJobsIsIdempotent(t *testing.T) {
	store := newStubScheduleStore()
	scheduler := NewScheduler(store, NewRegistry(newMemoryStore()))
	ctx := context.Background()

	require.NoError(t, scheduler.InitializeScheduledJobs(ctx))
	assert.Len(t, store.rows, len(scheduledJobDefinitions))

	firstRuns := make(map[string]time.Time)
	for jobType, row := range store.rows {
		firstRuns[jobType] = row.NextRunAt
	}

	// Re-registration on restart must not move pending run times
	require.NoError(t, scheduler.InitializeScheduledJobs(ctx))
	assert.Len(t, store.rows, len(scheduledJobDefinitions))
	for jobType, row := range store.rows {
		assert.Equal(t, firstRuns[jobType], row.NextRunAt, jobType)
	}
}

func TestInitializeScheduledJobsPrunesStaleRows(t *testing.T) {
	store := newStubScheduleStore()
	store.rows["RETIRED_JOB"] = &db.ScheduledJob{
		JobType:   "RETIRED_JOB",
		Queue:     string(QueueSite),
		CronExpr:  "0 0 * * *",
		NextRunAt: time.Now().UTC().Add(time.Hour),
	}

	scheduler := NewScheduler(store, NewRegistry(newMemoryStore()))
	require.NoError(t, scheduler.InitializeScheduledJobs(context.Background()))

	_, exists := store.rows["RETIRED_JOB"]
	assert.False(t, exists)
}

func TestTriggerDueEnqueuesAndAdvances(t *testing.T) {
	jobStore := newMemoryStore()
	registry := NewRegistry(jobStore)
	store := newStubScheduleStore()
	scheduler := NewScheduler(store, registry)
	ctx := context.Background()

	require.NoError(t, scheduler.InitializeScheduledJobs(ctx))

	// Force one definition due
	due := store.rows["QUEUE_CLEAN"]
	scheduledFor := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	due.NextRunAt = scheduledFor

	now := time.Now().UTC()
	require.NoError(t, scheduler.triggerDue(ctx, now))

	queued := jobStore.jobsInQueue(string(QueueSite))
	require.Len(t, queued, 1)
	assert.Equal(t, "QUEUE_CLEAN", queued[0].Type)
	assert.Equal(t, fmt.Sprintf("QUEUE_CLEAN:%d", scheduledFor.Unix()), queued[0].DedupeKey)

	// next_run_at advanced past now
	assert.True(t, store.rows["QUEUE_CLEAN"].NextRunAt.After(now))
	assert.Equal(t, now, store.rows["QUEUE_CLEAN"].LastRunAt)
}

func TestTriggerDueToleratesDuplicate(t *testing.T) {
	jobStore := newMemoryStore()
	registry := NewRegistry(jobStore)
	store := newStubScheduleStore()
	scheduler := NewScheduler(store, registry)
	ctx := context.Background()

	require.NoError(t, scheduler.InitializeScheduledJobs(ctx))

	scheduledFor := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	store.rows["ANALYTICS_ROLLUP"].NextRunAt = scheduledFor

	require.NoError(t, scheduler.triggerDue(ctx, time.Now().UTC()))

	// Simulate a crash between enqueue and advance: the row is due again
	// with the same scheduled time
	store.rows["ANALYTICS_ROLLUP"].NextRunAt = scheduledFor

	require.NoError(t, scheduler.triggerDue(ctx, time.Now().UTC()))

	// The dedupe key absorbed the re-fire
	assert.Len(t, jobStore.jobsInQueue(string(QueueAnalytics)), 1)
	assert.True(t, store.rows["ANALYTICS_ROLLUP"].NextRunAt.After(time.Now().UTC()))
}

func TestGetScheduledJobsReturnsCopy(t *testing.T) {
	scheduler := NewScheduler(newStubScheduleStore(), NewRegistry(newMemoryStore()))

	defs := scheduler.GetScheduledJobs()
	require.NotEmpty(t, defs)
	defs[0].JobType = "MUTATED"

	assert.NotEqual(t, "MUTATED", scheduler.GetScheduledJobs()[0].JobType)
}
