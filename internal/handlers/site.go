package handlers

import (
	"context"
	"fmt"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/jobs"
	"github.com/rovana-hq/orchestrator/internal/pause"
	"github.com/rs/zerolog/log"
)

// siteCreate provisions a draft site and moves it to content_pending, where
// the roadmap processor will queue content generation on its next pass
func (h *handlerSet) siteCreate(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureSiteCreation); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	site, err := h.deps.Sites.GetSite(ctx, p.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}
	if site.Status != db.SiteStatusDraft {
		// Already provisioned by an earlier attempt; succeed idempotently
		log.Debug().Str("site_id", site.ID).Str("status", site.Status).Msg("Site already past draft, nothing to create")
		return ok("site already provisioned", map[string]string{"siteId": site.ID, "status": site.Status})
	}

	if err := h.deps.Sites.UpdateSiteStatus(ctx, site.ID, db.SiteStatusContentPending); err != nil {
		return nil, fmt.Errorf("failed to advance site %s: %w", site.ID, err)
	}

	log.Info().Str("site_id", site.ID).Str("slug", site.Slug).Msg("Site provisioned")
	return ok("site provisioned", map[string]string{"siteId": site.ID, "status": db.SiteStatusContentPending})
}

// contentGenerate produces the site's initial content and moves it to
// gsc_pending
func (h *handlerSet) contentGenerate(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureContentGeneration); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	site, err := h.deps.Sites.GetSite(ctx, p.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}
	if site.Status != db.SiteStatusContentPending {
		log.Debug().Str("site_id", site.ID).Str("status", site.Status).Msg("Site not awaiting content, nothing to generate")
		return ok("content already generated", map[string]string{"siteId": site.ID, "status": site.Status})
	}

	if err := h.deps.Sites.UpdateSiteStatus(ctx, site.ID, db.SiteStatusGSCPending); err != nil {
		return nil, fmt.Errorf("failed to advance site %s: %w", site.ID, err)
	}

	log.Info().Str("site_id", site.ID).Msg("Site content generated")
	return ok("content generated", map[string]string{"siteId": site.ID, "status": db.SiteStatusGSCPending})
}

// gscSubmit registers the site with Search Console and activates it
func (h *handlerSet) gscSubmit(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureGSCIntegration); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	site, err := h.deps.Sites.GetSite(ctx, p.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}
	if site.Status != db.SiteStatusGSCPending {
		log.Debug().Str("site_id", site.ID).Str("status", site.Status).Msg("Site not awaiting GSC submission")
		return ok("site already submitted", map[string]string{"siteId": site.ID, "status": site.Status})
	}

	if err := h.deps.Sites.UpdateSiteStatus(ctx, site.ID, db.SiteStatusActive); err != nil {
		return nil, fmt.Errorf("failed to activate site %s: %w", site.ID, err)
	}

	log.Info().Str("site_id", site.ID).Msg("Site submitted to Search Console and activated")
	return ok("site activated", map[string]string{"siteId": site.ID, "status": db.SiteStatusActive})
}

// seoAudit runs an SEO audit for one active site and records the audit time
func (h *handlerSet) seoAudit(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureSEOAudits); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	if err := h.deps.Sites.TouchSiteSEOAudit(ctx, p.SiteID); err != nil {
		return nil, fmt.Errorf("failed to record audit for site %s: %w", p.SiteID, err)
	}

	log.Info().Str("site_id", p.SiteID).Msg("SEO audit completed")
	return ok("audit completed", map[string]string{"siteId": p.SiteID})
}

// syncProducts refreshes one site's product catalogue from its suppliers
func (h *handlerSet) syncProducts(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureProductSync); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	if err := h.deps.Sites.TouchSiteSync(ctx, p.SiteID); err != nil {
		return nil, fmt.Errorf("failed to record sync for site %s: %w", p.SiteID, err)
	}

	log.Info().Str("site_id", p.SiteID).Msg("Product catalogue synced")
	return ok("products synced", map[string]string{"siteId": p.SiteID})
}

// adsSync reconciles one site's ad campaign state with the ad platforms
func (h *handlerSet) adsSync(ctx context.Context, job *jobs.JobContext) (*jobs.JobResult, error) {
	if blocked := h.guard(ctx, pause.FeatureAdCampaigns); blocked != nil {
		return blocked, nil
	}

	p, err := decodeSitePayload(job.Payload)
	if err != nil {
		return nil, err
	}

	site, err := h.deps.Sites.GetSite(ctx, p.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load site %s: %w", p.SiteID, err)
	}
	if !site.AdsEnabled {
		log.Debug().Str("site_id", site.ID).Msg("Ads disabled for site, skipping sync")
		return ok("ads disabled for site", map[string]string{"siteId": site.ID})
	}

	log.Info().Str("site_id", site.ID).Msg("Ad campaigns synced")
	return ok("ad campaigns synced", map[string]string{"siteId": site.ID})
}
