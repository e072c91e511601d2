//go:build unit || !integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertScheduledJobDefaultsPayload(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := &DB{client: sqlDB}
	nextRun := time.Now().UTC().Add(time.Hour)

	mock.ExpectExec("INSERT INTO scheduled_jobs").
		WithArgs("SEO_AUDIT_SWEEP", "seo", "0 3 * * 1", "Weekly SEO audit sweep",
			[]byte(`{}`), nextRun).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = database.UpsertScheduledJob(context.Background(), &ScheduledJob{
		JobType:     "SEO_AUDIT_SWEEP",
		Queue:       "seo",
		CronExpr:    "0 3 * * 1",
		Description: "Weekly SEO audit sweep",
		NextRunAt:   nextRun,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneScheduledJobsReturnsRemovedCount(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := &DB{client: sqlDB}

	mock.ExpectExec("DELETE FROM scheduled_jobs").
		WillReturnResult(sqlmock.NewResult(0, 2))

	pruned, err := database.PruneScheduledJobs(context.Background(), []string{"SEO_AUDIT_SWEEP", "QUEUE_CLEAN"})
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
}

func TestGetDueScheduledJobsScansNullLastRun(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := &DB{client: sqlDB}
	now := time.Now().UTC()

	mock.ExpectQuery("FROM scheduled_jobs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_type", "queue", "cron_expr", "description", "payload",
			"next_run_at", "last_run_at", "created_at", "updated_at",
		}).
			AddRow("QUEUE_CLEAN", "site", "0 4 * * *", "Daily queue trim",
				[]byte(`{}`), now.Add(-time.Minute), nil, now, now).
			AddRow("ANALYTICS_ROLLUP", "analytics", "30 2 * * *", "Nightly analytics rollup",
				[]byte(`{"window":"24h"}`), now.Add(-time.Second), now.Add(-24*time.Hour), now, now))

	due, err := database.GetDueScheduledJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 2)

	assert.Equal(t, "QUEUE_CLEAN", due[0].JobType)
	assert.True(t, due[0].LastRunAt.IsZero())
	assert.Equal(t, "ANALYTICS_ROLLUP", due[1].JobType)
	assert.False(t, due[1].LastRunAt.IsZero())
}

func TestAdvanceScheduledJobUnknownType(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	database := &DB{client: sqlDB}
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE scheduled_jobs").
		WithArgs(now, now.Add(time.Hour), "RETIRED_JOB").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = database.AdvanceScheduledJob(context.Background(), "RETIRED_JOB", now, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}
