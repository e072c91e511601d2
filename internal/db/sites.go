package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSiteNotFound is returned when a site does not exist
var ErrSiteNotFound = errors.New("site not found")

// Site lifecycle states. The roadmap processor walks each site from draft
// through to active and schedules ongoing maintenance from there.
const (
	SiteStatusDraft          = "draft"
	SiteStatusContentPending = "content_pending"
	SiteStatusGSCPending     = "gsc_pending"
	SiteStatusActive         = "active"
	SiteStatusPaused         = "paused"
	SiteStatusArchived       = "archived"
)

// Site represents a tenant storefront site
type Site struct {
	ID             string
	Name           string
	Slug           string
	Status         string
	AdsEnabled     bool
	LastSEOAuditAt time.Time
	LastSyncedAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func scanSite(row interface{ Scan(...any) error }) (*Site, error) {
	site := &Site{}
	var lastAudit, lastSynced sql.NullTime

	err := row.Scan(
		&site.ID, &site.Name, &site.Slug, &site.Status, &site.AdsEnabled,
		&lastAudit, &lastSynced, &site.CreatedAt, &site.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastAudit.Valid {
		site.LastSEOAuditAt = lastAudit.Time
	}
	if lastSynced.Valid {
		site.LastSyncedAt = lastSynced.Time
	}

	return site, nil
}

const siteColumns = `id, name, slug, status, ads_enabled,
	last_seo_audit_at, last_synced_at, created_at, updated_at`

// CreateSite inserts a new site record
func (db *DB) CreateSite(ctx context.Context, site *Site) error {
	_, err := db.client.ExecContext(ctx, `
		INSERT INTO sites (id, name, slug, status, ads_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, site.ID, site.Name, site.Slug, site.Status, site.AdsEnabled)
	if err != nil {
		log.Error().Err(err).Str("site_id", site.ID).Msg("Failed to create site")
		return fmt.Errorf("failed to create site: %w", err)
	}

	return nil
}

// GetSite retrieves a site by ID
func (db *DB) GetSite(ctx context.Context, siteID string) (*Site, error) {
	row := db.client.QueryRowContext(ctx, `
		SELECT `+siteColumns+` FROM sites WHERE id = $1
	`, siteID)

	site, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	return site, nil
}

// ListWorkableSites returns all sites not in a terminal or paused state,
// in creation order. This is the roadmap processor's scan set.
func (db *DB) ListWorkableSites(ctx context.Context) ([]*Site, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT `+siteColumns+`
		FROM sites
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC
	`, SiteStatusPaused, SiteStatusArchived)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query workable sites")
		return nil, fmt.Errorf("failed to list workable sites: %w", err)
	}
	defer rows.Close()

	sites := make([]*Site, 0)
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}

	return sites, rows.Err()
}

// UpdateSiteStatus advances a site through its lifecycle
func (db *DB) UpdateSiteStatus(ctx context.Context, siteID, status string) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE sites SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, siteID)
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Str("status", status).Msg("Failed to update site status")
		return fmt.Errorf("failed to update site status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSiteNotFound
	}

	return nil
}

// TouchSiteSEOAudit records a completed SEO audit
func (db *DB) TouchSiteSEOAudit(ctx context.Context, siteID string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE sites SET last_seo_audit_at = NOW(), updated_at = NOW() WHERE id = $1
	`, siteID)
	if err != nil {
		return fmt.Errorf("failed to record SEO audit: %w", err)
	}
	return nil
}

// TouchSiteSync records a completed catalog sync
func (db *DB) TouchSiteSync(ctx context.Context, siteID string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE sites SET last_synced_at = NOW(), updated_at = NOW() WHERE id = $1
	`, siteID)
	if err != nil {
		return fmt.Errorf("failed to record site sync: %w", err)
	}
	return nil
}

// CountRecentSiteCreations counts SITE_CREATE jobs enqueued within the window.
// The roadmap processor uses this to honour the max-sites-per-hour cap.
func (db *DB) CountRecentSiteCreations(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := db.client.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE type = 'SITE_CREATE' AND created_at > NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent site creations: %w", err)
	}
	return count, nil
}
