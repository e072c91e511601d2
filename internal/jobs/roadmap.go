package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/pause"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job types the roadmap processor queues
const (
	TypeSiteCreate      = "SITE_CREATE"
	TypeContentGenerate = "CONTENT_GENERATE"
	TypeGSCSubmit       = "GSC_SUBMIT"
	TypeSEOAudit        = "SEO_AUDIT"
	TypeSyncProducts    = "SYNC_PRODUCTS"
	TypeAdsSync         = "ADS_SYNC"
)

// Maintenance cadences for active sites
const (
	seoAuditInterval    = 7 * 24 * time.Hour
	productSyncInterval = 24 * time.Hour
	adsSyncInterval     = 24 * time.Hour
)

// roadmapParallelism bounds concurrent per-site evaluation within one tick
const roadmapParallelism = 8

// RoadmapProcessor drives each site forward through its lifecycle without
// human input. Every tick it inspects all workable sites, decides the next
// action per site from status and timestamps alone, and queues the
// corresponding jobs. Decisions are derived from current state, never from
// remembered plans; a restarted process picks up exactly where the data says.
type RoadmapProcessor struct {
	sites    SiteStore
	registry *Registry
	pauser   PauseChecker
	interval time.Duration

	inFlight atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRoadmapProcessor creates a roadmap processor
func NewRoadmapProcessor(sites SiteStore, registry *Registry, pauser PauseChecker) *RoadmapProcessor {
	if sites == nil {
		panic("site store is required")
	}
	if registry == nil {
		panic("registry is required")
	}
	if pauser == nil {
		panic("pause checker is required")
	}

	return &RoadmapProcessor{
		sites:    sites,
		registry: registry,
		pauser:   pauser,
		interval: 5 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// Run processes all roadmaps once immediately, then on every interval tick.
// Blocks until Stop or context cancellation.
func (rp *RoadmapProcessor) Run(ctx context.Context) {
	rp.wg.Add(1)
	defer rp.wg.Done()

	log.Info().Dur("interval", rp.interval).Msg("Starting roadmap processor")

	rp.tick(ctx)

	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stopCh:
			log.Debug().Msg("Roadmap processor received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Msg("Roadmap processor context cancelled")
			return
		case <-ticker.C:
			rp.tick(ctx)
		}
	}
}

// Stop stops the processing loop
func (rp *RoadmapProcessor) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCh) })
	rp.wg.Wait()
}

func (rp *RoadmapProcessor) tick(ctx context.Context) {
	result, err := rp.ProcessAllSiteRoadmaps(ctx)
	if err != nil {
		if errors.Is(err, errTickInFlight) {
			log.Warn().Msg("Previous roadmap tick still running, skipping")
			return
		}
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Roadmap tick failed")
		return
	}

	if result.TasksQueued == 0 && len(result.Errors) == 0 {
		log.Debug().Int("sites", result.SitesProcessed).Msg("Roadmap tick made no changes")
		return
	}

	log.Info().
		Int("sites", result.SitesProcessed).
		Int("tasks_queued", result.TasksQueued).
		Int("errors", len(result.Errors)).
		Msg("Roadmap tick complete")
}

// errTickInFlight signals that an earlier tick has not finished yet
var errTickInFlight = errors.New("roadmap processing already in progress")

// ProcessAllSiteRoadmaps evaluates every workable site and queues its next
// actions. One failing site never aborts the sweep; its error is collected
// and the remaining sites still get processed.
func (rp *RoadmapProcessor) ProcessAllSiteRoadmaps(ctx context.Context) (*RoadmapResult, error) {
	if !rp.inFlight.CompareAndSwap(false, true) {
		return nil, errTickInFlight
	}
	defer rp.inFlight.Store(false)

	span := sentry.StartSpan(ctx, "roadmap.process_all")
	defer span.Finish()

	sites, err := rp.sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workable sites: %w", err)
	}

	// The creation budget for this tick is computed once up front so that
	// parallel site evaluation cannot overshoot the hourly cap
	creationBudget, budgetErr := rp.siteCreationBudget(ctx)

	result := &RoadmapResult{SitesProcessed: len(sites)}
	if budgetErr != nil {
		result.Errors = append(result.Errors, budgetErr.Error())
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(roadmapParallelism)

	for _, site := range sites {
		if site.Status == db.SiteStatusDraft {
			// Serialize draft handling against the shared budget
			queued, errMsg := rp.processDraft(ctx, site, &creationBudget)
			result.TasksQueued += queued
			if errMsg != "" {
				result.Errors = append(result.Errors, errMsg)
			}
			continue
		}

		site := site
		g.Go(func() error {
			queued, errs := rp.processSite(ctx, site)

			mu.Lock()
			result.TasksQueued += queued
			result.Errors = append(result.Errors, errs...)
			mu.Unlock()

			// Per-site failures are accumulated, never propagated, so one
			// site cannot abort the sweep
			return nil
		})
	}

	_ = g.Wait()
	return result, nil
}

// siteCreationBudget computes how many sites may still be created this hour
func (rp *RoadmapProcessor) siteCreationBudget(ctx context.Context) (int, error) {
	limit, err := rp.pauser.MaxSitesPerHour(ctx)
	if err != nil {
		return 0, fmt.Errorf("site creation cap unavailable: %v", err)
	}
	if limit <= 0 {
		return int(^uint(0) >> 1), nil
	}

	recent, err := rp.sites.CountRecentSiteCreations(ctx, time.Hour)
	if err != nil {
		return 0, fmt.Errorf("recent site creation count unavailable: %v", err)
	}
	if recent >= limit {
		return 0, nil
	}
	return limit - recent, nil
}

// processDraft handles a draft site subject to the creation budget
func (rp *RoadmapProcessor) processDraft(ctx context.Context, site *db.Site, budget *int) (int, string) {
	if decision := rp.pauser.CanExecute(ctx, pause.FeatureSiteCreation); !decision.Allowed {
		log.Debug().Str("site_id", site.ID).Str("reason", decision.Reason).Msg("Site creation blocked")
		return 0, ""
	}
	if *budget <= 0 {
		log.Debug().Str("site_id", site.ID).Msg("Hourly site creation cap reached, deferring")
		return 0, ""
	}

	queued, err := rp.enqueueFor(ctx, site, QueueSite, TypeSiteCreate, dailyPeriod())
	if err != nil {
		return 0, fmt.Sprintf("site %s: %v", site.ID, err)
	}
	if queued {
		*budget--
		return 1, ""
	}
	return 0, ""
}

// processSite decides and queues the next actions for one non-draft site
func (rp *RoadmapProcessor) processSite(ctx context.Context, site *db.Site) (int, []string) {
	type action struct {
		feature string
		queue   Queue
		jobType string
		period  string
	}

	var actions []action
	now := time.Now().UTC()

	switch site.Status {
	case db.SiteStatusContentPending:
		actions = append(actions, action{pause.FeatureContentGeneration, QueueContent, TypeContentGenerate, dailyPeriod()})
	case db.SiteStatusGSCPending:
		actions = append(actions, action{pause.FeatureGSCIntegration, QueueGSC, TypeGSCSubmit, dailyPeriod()})
	case db.SiteStatusActive:
		if site.LastSEOAuditAt.IsZero() || now.Sub(site.LastSEOAuditAt) > seoAuditInterval {
			actions = append(actions, action{pause.FeatureSEOAudits, QueueSEO, TypeSEOAudit, weeklyPeriod()})
		}
		if site.LastSyncedAt.IsZero() || now.Sub(site.LastSyncedAt) > productSyncInterval {
			actions = append(actions, action{pause.FeatureProductSync, QueueSync, TypeSyncProducts, dailyPeriod()})
		}
		if site.AdsEnabled {
			actions = append(actions, action{pause.FeatureAdCampaigns, QueueAds, TypeAdsSync, dailyPeriod()})
		}
	default:
		return 0, nil
	}

	queuedCount := 0
	var errs []string
	for _, a := range actions {
		if decision := rp.pauser.CanExecute(ctx, a.feature); !decision.Allowed {
			log.Debug().
				Str("site_id", site.ID).
				Str("type", a.jobType).
				Str("reason", decision.Reason).
				Msg("Roadmap action blocked")
			continue
		}

		queued, err := rp.enqueueFor(ctx, site, a.queue, a.jobType, a.period)
		if err != nil {
			errs = append(errs, fmt.Sprintf("site %s: %v", site.ID, err))
			continue
		}
		if queued {
			queuedCount++
		}
	}

	return queuedCount, errs
}

// enqueueFor queues one roadmap job for a site. The dedupe key covers the
// site, the job type and the period, so re-evaluating the same state within
// the period is a no-op rather than a duplicate.
func (rp *RoadmapProcessor) enqueueFor(ctx context.Context, site *db.Site, queue Queue, jobType, period string) (bool, error) {
	dedupeKey := fmt.Sprintf("roadmap:%s:%s:%s", site.ID, jobType, period)

	_, err := rp.registry.Enqueue(ctx, queue, jobType, map[string]string{"siteId": site.ID}, &EnqueueOptions{DedupeKey: dedupeKey})
	if errors.Is(err, ErrDuplicateJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log.Info().
		Str("site_id", site.ID).
		Str("queue", string(queue)).
		Str("type", jobType).
		Msg("Roadmap job queued")
	return true, nil
}

func dailyPeriod() string {
	return time.Now().UTC().Format("2006-01-02")
}

func weeklyPeriod() string {
	year, week := time.Now().UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
