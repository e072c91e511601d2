// Package pause implements the platform-wide kill switch consulted before
// any autonomous operation runs. It can stop everything globally, with a
// recorded actor and reason, or disable individual features by name.
package pause

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rs/zerolog/log"
)

// Feature names recognised by the platform settings record
const (
	FeatureSiteCreation      = "enableSiteCreation"
	FeatureContentGeneration = "enableContentGeneration"
	FeatureGSCIntegration    = "enableGSCIntegration"
	FeatureSEOAudits         = "enableSEOAudits"
	FeatureProductSync       = "enableProductSync"
	FeatureAdCampaigns       = "enableAdCampaigns"
	FeatureSocialPosts       = "enableSocialPosts"
	FeatureAnalyticsRollup   = "enableAnalyticsRollup"
	FeatureABTests           = "enableABTests"
	FeatureMicrosites        = "enableMicrosites"
	FeatureDomainChecks      = "enableDomainChecks"
)

// Decision is the outcome of a pause-control check
type Decision struct {
	Allowed bool
	Reason  string
}

// SettingsProvider supplies the platform settings record
type SettingsProvider interface {
	GetPlatformSettings(ctx context.Context) (*db.PlatformSettings, error)
}

// DefaultCacheTTL bounds how stale a cached settings read may be. An
// operation started just after a pause flag flips may still complete;
// anything longer than a few seconds must see the new flag.
const DefaultCacheTTL = 5 * time.Second

// Control gates autonomous operations on the platform settings record.
// Reads are cached per instance with a short TTL; there is no package-level
// state, so each process owns its own staleness window.
type Control struct {
	provider SettingsProvider
	ttl      time.Duration

	mu        sync.Mutex
	cached    *db.PlatformSettings
	fetchedAt time.Time
}

// NewControl creates a pause control backed by the given settings provider
func NewControl(provider SettingsProvider, ttl time.Duration) *Control {
	if provider == nil {
		panic("settings provider is required")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Control{provider: provider, ttl: ttl}
}

// CanExecute reports whether the named autonomous feature may run right now.
// A failed settings read fails closed: no autonomous work proceeds on a
// guess about platform state.
func (c *Control) CanExecute(ctx context.Context, feature string) Decision {
	settings, err := c.settings(ctx)
	if err != nil {
		log.Error().Err(err).Str("feature", feature).Msg("Pause check failed, denying operation")
		return Decision{Allowed: false, Reason: "platform settings unavailable"}
	}

	if settings.Paused {
		reason := fmt.Sprintf("platform paused by %s: %s", orUnknown(settings.PausedBy), orUnknown(settings.PauseReason))
		return Decision{Allowed: false, Reason: reason}
	}

	if enabled, ok := settings.Features[feature]; ok && !enabled {
		return Decision{Allowed: false, Reason: fmt.Sprintf("feature %s is disabled", feature)}
	}

	return Decision{Allowed: true}
}

// MaxSitesPerHour returns the configured cap on autonomous site creations,
// zero meaning no cap
func (c *Control) MaxSitesPerHour(ctx context.Context) (int, error) {
	settings, err := c.settings(ctx)
	if err != nil {
		return 0, err
	}
	return settings.MaxSitesPerHour, nil
}

// Invalidate drops the cached settings so the next check re-reads the store
func (c *Control) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *Control) settings(ctx context.Context) (*db.PlatformSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	settings, err := c.provider.GetPlatformSettings(ctx)
	if err != nil {
		// Deliberately do not serve the stale value here: a read failure
		// means platform state is unknown, and unknown means stop.
		return nil, err
	}

	c.cached = settings
	c.fetchedAt = time.Now()

	return settings, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
