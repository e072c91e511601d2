package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	// Otherwise use the individual components
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	// Validate required fields
	if config.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if config.Port == "" {
		return nil, fmt.Errorf("database port is required")
	}
	if config.User == "" {
		return nil, fmt.Errorf("database user is required")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 20
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialize schema
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	// If DATABASE_URL is provided, use it with default config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config := &Config{
			DatabaseURL:  url,
			MaxIdleConns: 20,
			MaxOpenConns: 50,
			MaxLifetime:  20 * time.Minute,
		}

		client, err := sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL via DATABASE_URL: %w", err)
		}

		client.SetMaxOpenConns(config.MaxOpenConns)
		client.SetMaxIdleConns(config.MaxIdleConns)
		client.SetConnMaxLifetime(config.MaxLifetime)

		if err := client.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping PostgreSQL via DATABASE_URL: %w", err)
		}

		if err := setupSchema(client); err != nil {
			return nil, fmt.Errorf("failed to setup schema: %w", err)
		}

		return &DB{client: client, config: config}, nil
	}

	config := &Config{
		Host:         os.Getenv("POSTGRES_HOST"),
		Port:         os.Getenv("POSTGRES_PORT"),
		User:         os.Getenv("POSTGRES_USER"),
		Password:     os.Getenv("POSTGRES_PASSWORD"),
		Database:     os.Getenv("POSTGRES_DB"),
		SSLMode:      os.Getenv("POSTGRES_SSL_MODE"),
		MaxIdleConns: 20,
		MaxOpenConns: 50,
		MaxLifetime:  20 * time.Minute,
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "rovana_orchestrator"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Jobs table is both the durable job store and the broker substrate:
	// workers claim rows directly with FOR UPDATE SKIP LOCKED.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			dedupe_key TEXT,
			run_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			result JSONB,
			error TEXT,
			error_category TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	// Optimised index for worker job claiming
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_claim_order
		ON jobs (queue, run_after)
		WHERE status IN ('pending', 'retrying')
	`)
	if err != nil {
		return fmt.Errorf("failed to create job claim index: %w", err)
	}

	// At most one in-flight job per (queue, dedupe_key)
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_inflight
		ON jobs (queue, dedupe_key)
		WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'running', 'retrying')
	`)
	if err != nil {
		return fmt.Errorf("failed to create dedupe index: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_stuck
		ON jobs (started_at)
		WHERE status IN ('running', 'retrying')
	`)
	if err != nil {
		return fmt.Errorf("failed to create stuck-job index: %w", err)
	}

	// Recurring schedule registry, upserted by job type at startup
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			job_type TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			next_run_at TIMESTAMPTZ NOT NULL,
			last_run_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create scheduled_jobs table: %w", err)
	}

	// Singleton settings row: global pause flag, per-feature kill switches
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS platform_settings (
			id BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason TEXT,
			paused_by TEXT,
			paused_at TIMESTAMPTZ,
			features JSONB NOT NULL DEFAULT '{}'::jsonb,
			max_sites_per_hour INTEGER NOT NULL DEFAULT 10,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create platform_settings table: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO platform_settings (id) VALUES (TRUE)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to seed platform_settings row: %w", err)
	}

	// Tenant sites, scanned by the roadmap processor
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sites (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			ads_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			last_seo_audit_at TIMESTAMPTZ,
			last_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sites table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sites_status ON sites(status)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sites status index: %w", err)
	}

	// Notify workers on insert so dispatch loops can wake immediately
	return setupNotifyTrigger(db)
}

// setupNotifyTrigger installs the LISTEN/NOTIFY trigger for new jobs
func setupNotifyTrigger(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_new_job() RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify('new_jobs', NEW.queue);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trg_jobs_notify ON jobs
	`)
	if err != nil {
		return fmt.Errorf("failed to drop existing notify trigger: %w", err)
	}

	_, err = db.Exec(`
		CREATE TRIGGER trg_jobs_notify
		AFTER INSERT ON jobs
		FOR EACH ROW EXECUTE FUNCTION notify_new_job()
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify trigger: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying sql.DB instance
func (db *DB) GetDB() *sql.DB {
	return db.client
}
