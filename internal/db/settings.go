package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSettingsUnavailable is returned when the platform settings row cannot be read
var ErrSettingsUnavailable = errors.New("platform settings unavailable")

// PlatformSettings is the singleton record holding the global pause flag,
// per-feature kill switches and numeric rate caps. The orchestration core
// only ever reads it; mutation is an administrative action.
type PlatformSettings struct {
	Paused          bool
	PauseReason     string
	PausedBy        string
	PausedAt        time.Time
	Features        map[string]bool
	MaxSitesPerHour int
	UpdatedAt       time.Time
}

// GetPlatformSettings reads the singleton settings row
func (db *DB) GetPlatformSettings(ctx context.Context) (*PlatformSettings, error) {
	settings := &PlatformSettings{}
	var pauseReason, pausedBy sql.NullString
	var pausedAt sql.NullTime
	var features []byte

	err := db.client.QueryRowContext(ctx, `
		SELECT paused, pause_reason, paused_by, paused_at, features,
		       max_sites_per_hour, updated_at
		FROM platform_settings
		WHERE id = TRUE
	`).Scan(
		&settings.Paused, &pauseReason, &pausedBy, &pausedAt,
		&features, &settings.MaxSitesPerHour, &settings.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read platform settings")
		return nil, fmt.Errorf("%w: %v", ErrSettingsUnavailable, err)
	}

	settings.PauseReason = pauseReason.String
	settings.PausedBy = pausedBy.String
	if pausedAt.Valid {
		settings.PausedAt = pausedAt.Time
	}

	settings.Features = make(map[string]bool)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &settings.Features); err != nil {
			log.Warn().Err(err).Msg("Failed to deserialise feature flags")
			settings.Features = map[string]bool{}
		}
	}

	return settings, nil
}

// SetGlobalPause flips the global pause flag, recording who paused and why
func (db *DB) SetGlobalPause(ctx context.Context, paused bool, reason, actor string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE platform_settings
		SET paused = $1,
		    pause_reason = NULLIF($2, ''),
		    paused_by = NULLIF($3, ''),
		    paused_at = CASE WHEN $1 THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE id = TRUE
	`, paused, reason, actor)
	if err != nil {
		log.Error().Err(err).Bool("paused", paused).Msg("Failed to update global pause flag")
		return fmt.Errorf("failed to update global pause flag: %w", err)
	}

	log.Info().
		Bool("paused", paused).
		Str("reason", reason).
		Str("actor", actor).
		Msg("Global pause flag updated")

	return nil
}

// SetFeatureFlag enables or disables a single autonomous feature
func (db *DB) SetFeatureFlag(ctx context.Context, feature string, enabled bool) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE platform_settings
		SET features = jsonb_set(features, ARRAY[$1::text], to_jsonb($2::boolean), true),
		    updated_at = NOW()
		WHERE id = TRUE
	`, feature, enabled)
	if err != nil {
		log.Error().Err(err).Str("feature", feature).Msg("Failed to update feature flag")
		return fmt.Errorf("failed to update feature flag %s: %w", feature, err)
	}

	return nil
}
