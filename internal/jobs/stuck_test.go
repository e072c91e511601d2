//go:build unit || !integration

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDetectorValidation(t *testing.T) {
	assert.PanicsWithValue(t, "job store is required", func() {
		NewDetector(nil, nil)
	})
	assert.NotPanics(t, func() {
		NewDetector(newMemoryStore(), nil)
	})
}

// strandJob claims a job and backdates its start so it looks abandoned
func strandJob(t *testing.T, store *memoryStore, registry *Registry, queue Queue, jobType string, opts *EnqueueOptions) string {
	t.Helper()
	ctx := context.Background()

	queued, err := registry.Enqueue(ctx, queue, jobType, nil, opts)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, string(queue))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	store.mu.Lock()
	store.jobs[queued.ID].StartedAt = time.Now().UTC().Add(-StuckJobTimeout - time.Minute)
	store.mu.Unlock()

	return queued.ID
}

func TestDetectStuckJobsHealsWithBudgetLeft(t *testing.T) {
	store := newMemoryStore()
	registry := NewRegistry(store)
	alerter := &recordingAlerter{}
	detector := NewDetector(store, alerter)
	ctx := context.Background()

	jobID := strandJob(t, store, registry, QueueContent, "CONTENT_GENERATE", nil)

	result, err := detector.DetectStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Healed)
	assert.Equal(t, 0, result.PermanentlyFailed)

	healed, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(JobStatusPending), healed.Status)
	// The crashed attempt stays charged; only the claim state is cleared
	assert.Equal(t, 1, healed.Attempts)
	assert.True(t, healed.StartedAt.IsZero())

	assert.Equal(t, 1, alerter.calls)
	assert.Equal(t, 1, alerter.healed)
}

func TestDetectStuckJobsFailsExhausted(t *testing.T) {
	store := newMemoryStore()
	registry := NewRegistry(store)
	alerter := &recordingAlerter{}
	detector := NewDetector(store, alerter)
	ctx := context.Background()

	jobID := strandJob(t, store, registry, QueueSync, "SYNC_PRODUCTS", &EnqueueOptions{MaxAttempts: 1})

	result, err := detector.DetectStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Healed)
	assert.Equal(t, 1, result.PermanentlyFailed)

	failed, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(JobStatusFailed), failed.Status)
	assert.Equal(t, ErrorCategoryStuck, failed.ErrorCategory)
	assert.Contains(t, failed.Error, "stuck-job timeout")

	assert.Equal(t, 1, alerter.failed)
}

func TestDetectStuckJobsIgnoresRecentRunning(t *testing.T) {
	store := newMemoryStore()
	registry := NewRegistry(store)
	detector := NewDetector(store, nil)
	ctx := context.Background()

	queued, err := registry.Enqueue(ctx, QueueSEO, "SEO_AUDIT", nil, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx, string(QueueSEO))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	result, err := detector.DetectStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Healed)
	assert.Equal(t, 0, result.PermanentlyFailed)

	still, err := store.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, string(JobStatusRunning), still.Status)
}

func TestDetectStuckJobsNoAlertWhenClean(t *testing.T) {
	alerter := &recordingAlerter{}
	detector := NewDetector(newMemoryStore(), alerter)

	result, err := detector.DetectStuckJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Healed+result.PermanentlyFailed)
	assert.Equal(t, 0, alerter.calls)
}

func TestHealedStuckJobIsReclaimable(t *testing.T) {
	store := newMemoryStore()
	registry := NewRegistry(store)
	detector := NewDetector(store, nil)
	ctx := context.Background()

	jobID := strandJob(t, store, registry, QueueContent, "CONTENT_GENERATE", nil)

	_, err := detector.DetectStuckJobs(ctx)
	require.NoError(t, err)

	reclaimed, err := store.ClaimNext(ctx, string(QueueContent))
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, jobID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}
