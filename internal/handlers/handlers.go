// Package handlers wires the platform's job types to their business logic.
// Each handler re-checks pause control at execution time: the gate may have
// flipped between enqueue and dispatch, and a queued job must not outrun it.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/jobs"
)

// SiteStore defines the site operations the lifecycle handlers need
type SiteStore interface {
	GetSite(ctx context.Context, siteID string) (*db.Site, error)
	UpdateSiteStatus(ctx context.Context, siteID, status string) error
	TouchSiteSEOAudit(ctx context.Context, siteID string) error
	TouchSiteSync(ctx context.Context, siteID string) error
	ListWorkableSites(ctx context.Context) ([]*db.Site, error)
}

// Deps carries the collaborators shared by all handlers
type Deps struct {
	Sites    SiteStore
	Registry *jobs.Registry
	Pauser   jobs.PauseChecker
}

// All returns the full handler map, one entry per queue the platform runs
func All(deps Deps) map[jobs.Queue]jobs.HandlerMap {
	if deps.Sites == nil || deps.Registry == nil || deps.Pauser == nil {
		panic("handler dependencies are incomplete")
	}

	h := &handlerSet{deps: deps}

	return map[jobs.Queue]jobs.HandlerMap{
		jobs.QueueSite: {
			jobs.TypeSiteCreate: h.siteCreate,
			"QUEUE_CLEAN":       h.queueClean,
		},
		jobs.QueueContent: {
			jobs.TypeContentGenerate: h.contentGenerate,
		},
		jobs.QueueGSC: {
			jobs.TypeGSCSubmit: h.gscSubmit,
			"GSC_METRICS_PULL": h.gscMetricsPull,
		},
		jobs.QueueSEO: {
			jobs.TypeSEOAudit: h.seoAudit,
			"SEO_AUDIT_SWEEP": h.seoAuditSweep,
		},
		jobs.QueueSync: {
			jobs.TypeSyncProducts: h.syncProducts,
			"SYNC_ALL_PRODUCTS":   h.syncAllProducts,
		},
		jobs.QueueAds: {
			jobs.TypeAdsSync:  h.adsSync,
			"ADS_BUDGET_SYNC": h.adsBudgetSync,
		},
		jobs.QueueAnalytics: {
			"ANALYTICS_ROLLUP": h.analyticsRollup,
		},
		jobs.QueueABTest: {
			"AB_TEST_EVALUATE": h.abTestEvaluate,
		},
		jobs.QueueSocial: {
			"SOCIAL_POST_SWEEP": h.socialPostSweep,
		},
		jobs.QueueDomain: {
			"DOMAIN_CHECK": h.domainCheck,
		},
		jobs.QueueMicrosite: {
			"MICROSITE_DEPLOY": h.micrositeDeploy,
		},
	}
}

type handlerSet struct {
	deps Deps
}

// sitePayload is the payload shape of every per-site job
type sitePayload struct {
	SiteID string `json:"siteId"`
}

func decodeSitePayload(raw json.RawMessage) (*sitePayload, error) {
	var p sitePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.SiteID == "" {
		return nil, fmt.Errorf("payload missing siteId")
	}
	return &p, nil
}

// guard converts a denied pause decision into a terminal paused result.
// Returns nil when the operation may proceed.
func (h *handlerSet) guard(ctx context.Context, feature string) *jobs.JobResult {
	decision := h.deps.Pauser.CanExecute(ctx, feature)
	if decision.Allowed {
		return nil
	}
	return &jobs.JobResult{
		Success:       false,
		Error:         decision.Reason,
		ErrorCategory: jobs.ErrorCategoryPaused,
		Timestamp:     time.Now().UTC(),
	}
}

func ok(message string, data any) (*jobs.JobResult, error) {
	result := &jobs.JobResult{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result data: %w", err)
		}
		result.Data = raw
	}
	return result, nil
}
