//go:build unit || !integration

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/pause"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSite(id string) *db.Site {
	return &db.Site{
		ID:             id,
		Name:           "Site " + id,
		Slug:           "site-" + id,
		Status:         db.SiteStatusActive,
		LastSEOAuditAt: time.Now().UTC(),
		LastSyncedAt:   time.Now().UTC(),
	}
}

func newTestRoadmap(sites *stubSiteStore, store *memoryStore, pauser *stubPauser) *RoadmapProcessor {
	return NewRoadmapProcessor(sites, NewRegistry(store), pauser)
}

func TestNewRoadmapProcessorValidation(t *testing.T) {
	sites := &stubSiteStore{}
	registry := NewRegistry(newMemoryStore())
	pauser := newStubPauser()

	assert.PanicsWithValue(t, "site store is required", func() {
		NewRoadmapProcessor(nil, registry, pauser)
	})
	assert.PanicsWithValue(t, "registry is required", func() {
		NewRoadmapProcessor(sites, nil, pauser)
	})
	assert.PanicsWithValue(t, "pause checker is required", func() {
		NewRoadmapProcessor(sites, registry, nil)
	})
}

func TestRoadmapDecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		site      *db.Site
		wantQueue Queue
		wantType  string
	}{
		{
			name:      "draft queues site creation",
			site:      &db.Site{ID: "a", Status: db.SiteStatusDraft},
			wantQueue: QueueSite,
			wantType:  TypeSiteCreate,
		},
		{
			name:      "content_pending queues content generation",
			site:      &db.Site{ID: "b", Status: db.SiteStatusContentPending},
			wantQueue: QueueContent,
			wantType:  TypeContentGenerate,
		},
		{
			name:      "gsc_pending queues search console submission",
			site:      &db.Site{ID: "c", Status: db.SiteStatusGSCPending},
			wantQueue: QueueGSC,
			wantType:  TypeGSCSubmit,
		},
		{
			name: "active with stale audit queues seo audit",
			site: &db.Site{
				ID:             "d",
				Status:         db.SiteStatusActive,
				LastSEOAuditAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
				LastSyncedAt:   time.Now().UTC(),
			},
			wantQueue: QueueSEO,
			wantType:  TypeSEOAudit,
		},
		{
			name: "active with stale sync queues product sync",
			site: &db.Site{
				ID:             "e",
				Status:         db.SiteStatusActive,
				LastSEOAuditAt: time.Now().UTC(),
				LastSyncedAt:   time.Now().UTC().Add(-25 * time.Hour),
			},
			wantQueue: QueueSync,
			wantType:  TypeSyncProducts,
		},
		{
			name: "active with ads enabled queues ads sync",
			site: func() *db.Site {
				s := activeSite("f")
				s.AdsEnabled = true
				return s
			}(),
			wantQueue: QueueAds,
			wantType:  TypeAdsSync,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			rp := newTestRoadmap(&stubSiteStore{sites: []*db.Site{tt.site}}, store, newStubPauser())

			result, err := rp.ProcessAllSiteRoadmaps(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, result.SitesProcessed)
			assert.Equal(t, 1, result.TasksQueued)
			assert.Empty(t, result.Errors)

			queued := store.jobsInQueue(string(tt.wantQueue))
			require.Len(t, queued, 1)
			assert.Equal(t, tt.wantType, queued[0].Type)
			assert.Contains(t, string(queued[0].Payload), tt.site.ID)
		})
	}
}

func TestRoadmapFreshActiveSiteIsNoOp(t *testing.T) {
	store := newMemoryStore()
	rp := newTestRoadmap(&stubSiteStore{sites: []*db.Site{activeSite("a")}}, store, newStubPauser())

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.SitesProcessed)
	assert.Equal(t, 0, result.TasksQueued)
	assert.Empty(t, result.Errors)
}

func TestRoadmapPartialFailure(t *testing.T) {
	store := newMemoryStore()
	sites := &stubSiteStore{sites: []*db.Site{
		{ID: "site-a", Status: db.SiteStatusContentPending},
		{ID: "site-b", Status: db.SiteStatusGSCPending},
		{ID: "site-c", Status: db.SiteStatusContentPending},
	}}

	// site-b's enqueue fails at the store level
	failing := &failOnTypeStore{memoryStore: store, failType: TypeGSCSubmit}
	rp := NewRoadmapProcessor(sites, NewRegistry(failing), newStubPauser())

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.SitesProcessed)
	assert.Equal(t, 2, result.TasksQueued)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "site-b")

	// Both content sites still got their jobs
	assert.Len(t, store.jobsInQueue(string(QueueContent)), 2)
}

// failOnTypeStore rejects inserts of one job type
type failOnTypeStore struct {
	*memoryStore
	failType string
}

func (f *failOnTypeStore) InsertJob(ctx context.Context, job *db.Job) error {
	if job.Type == f.failType {
		return errors.New("insert rejected")
	}
	return f.memoryStore.InsertJob(ctx, job)
}

func TestRoadmapPauseBlocksFeature(t *testing.T) {
	store := newMemoryStore()
	pauser := newStubPauser()
	pauser.denied[pause.FeatureContentGeneration] = "feature enableContentGeneration is disabled"

	sites := &stubSiteStore{sites: []*db.Site{
		{ID: "a", Status: db.SiteStatusContentPending},
		{ID: "b", Status: db.SiteStatusGSCPending},
	}}
	rp := newTestRoadmap(sites, store, pauser)

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	require.NoError(t, err)

	// A blocked feature is a skip, not an error
	assert.Equal(t, 1, result.TasksQueued)
	assert.Empty(t, result.Errors)
	assert.Empty(t, store.jobsInQueue(string(QueueContent)))
	assert.Len(t, store.jobsInQueue(string(QueueGSC)), 1)
}

func TestRoadmapSiteCreationCap(t *testing.T) {
	store := newMemoryStore()
	pauser := newStubPauser()
	pauser.maxPerHour = 2

	sites := &stubSiteStore{sites: []*db.Site{
		{ID: "a", Status: db.SiteStatusDraft},
		{ID: "b", Status: db.SiteStatusDraft},
		{ID: "c", Status: db.SiteStatusDraft},
	}}
	rp := newTestRoadmap(sites, store, pauser)

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.TasksQueued)
	assert.Len(t, store.jobsInQueue(string(QueueSite)), 2)
}

func TestRoadmapSiteCreationCapAlreadySpent(t *testing.T) {
	store := newMemoryStore()
	pauser := newStubPauser()
	pauser.maxPerHour = 3

	sites := &stubSiteStore{
		sites:           []*db.Site{{ID: "a", Status: db.SiteStatusDraft}},
		recentCreations: 3,
	}
	rp := newTestRoadmap(sites, store, pauser)

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.TasksQueued)
	assert.Empty(t, store.jobsInQueue(string(QueueSite)))
}

func TestRoadmapDedupeAcrossTicks(t *testing.T) {
	store := newMemoryStore()
	sites := &stubSiteStore{sites: []*db.Site{{ID: "a", Status: db.SiteStatusContentPending}}}
	rp := newTestRoadmap(sites, store, newStubPauser())
	ctx := context.Background()

	first, err := rp.ProcessAllSiteRoadmaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TasksQueued)

	// Same state on the next tick: the dedupe key absorbs the re-decision
	second, err := rp.ProcessAllSiteRoadmaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TasksQueued)
	assert.Empty(t, second.Errors)
	assert.Len(t, store.jobsInQueue(string(QueueContent)), 1)
}

func TestRoadmapOverlappingTickSkipped(t *testing.T) {
	store := newMemoryStore()
	rp := newTestRoadmap(&stubSiteStore{}, store, newStubPauser())

	require.True(t, rp.inFlight.CompareAndSwap(false, true))
	defer rp.inFlight.Store(false)

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	assert.Nil(t, result)
	assert.ErrorIs(t, err, errTickInFlight)
}

func TestRoadmapListFailure(t *testing.T) {
	sites := &stubSiteStore{listErr: errors.New("connection reset")}
	rp := newTestRoadmap(sites, newMemoryStore(), newStubPauser())

	result, err := rp.ProcessAllSiteRoadmaps(context.Background())
	assert.Nil(t, result)
	assert.Error(t, err)
}
