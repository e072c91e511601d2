package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rovana-hq/orchestrator/internal/api"
	"github.com/rovana-hq/orchestrator/internal/auth"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/handlers"
	"github.com/rovana-hq/orchestrator/internal/jobs"
	"github.com/rovana-hq/orchestrator/internal/notifications"
	"github.com/rovana-hq/orchestrator/internal/observability"
	"github.com/rovana-hq/orchestrator/internal/pause"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "dev"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port for the ops API
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter

	WorkerQueues     string // Comma separated queue names this process consumes, empty means all
	Concurrency      int    // Dispatch goroutines per queue
	SchedulerEnabled bool   // Run the scheduled-job trigger loop (one process only)
	RoadmapEnabled   bool   // Run the autonomous roadmap processor
	DetectorEnabled  bool   // Run the stuck-job detector

	SlackToken   string // Bot token for ops alerts
	SlackChannel string // Channel ID for ops alerts
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		WorkerQueues:         os.Getenv("WORKER_QUEUES"),
		Concurrency:          getEnvInt("WORKER_CONCURRENCY", defaultConcurrency()),
		SchedulerEnabled:     getEnvWithDefault("SCHEDULER_ENABLED", "false") == "true",
		RoadmapEnabled:       getEnvWithDefault("ROADMAP_ENABLED", "true") == "true",
		DetectorEnabled:      getEnvWithDefault("STUCK_DETECTOR_ENABLED", "true") == "true",
		SlackToken:           os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:         os.Getenv("SLACK_OPS_CHANNEL"),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "rovana-orchestrator",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL, retrying through transient startup failures
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	pgDB, err := db.InitFromEnvWithRetry(startupCtx)
	startupCancel()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	queue := db.NewJobQueue(pgDB.GetDB())
	registry := jobs.NewRegistry(queue)
	pauseCtl := pause.NewControl(pgDB, pause.DefaultCacheTTL)
	alerter := notifications.NewSlackAlerter(config.SlackToken, config.SlackChannel)

	handlerMaps := handlers.All(handlers.Deps{
		Sites:    pgDB,
		Registry: registry,
		Pauser:   pauseCtl,
	})

	configs, err := workerConfigs(config, handlerMaps)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid worker queue configuration")
	}

	log.Info().
		Int("queues", len(configs)).
		Int("concurrency_per_queue", config.Concurrency).
		Str("environment", config.Env).
		Msg("Configuring worker pool")

	workerPool := jobs.NewWorkerPool(queue, pgDB.GetConfig(), configs, handlerMaps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerPool.Start(ctx)
	defer workerPool.Stop()

	scheduler := jobs.NewScheduler(pgDB, registry)
	if err := scheduler.InitializeScheduledJobs(ctx); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
	}
	if config.SchedulerEnabled {
		go scheduler.Run(ctx)
		defer scheduler.Stop()
	}

	if config.RoadmapEnabled {
		roadmap := jobs.NewRoadmapProcessor(pgDB, registry, pauseCtl)
		go roadmap.Run(ctx)
		defer roadmap.Stop()
	}

	if config.DetectorEnabled {
		detector := jobs.NewDetector(queue, alerter)
		go detector.Run(ctx)
		defer detector.Stop()
	}

	// Ops API
	apiHandler := api.NewHandler(registry, scheduler, pgDB, pauseCtl, alerter, pgDB.GetDB(), version)

	if authConfig := auth.NewConfigFromEnv(); authConfig.Enabled() {
		apiHandler.Auth = auth.Middleware(auth.NewJWKSValidator(authConfig))
		log.Info().Str("issuer", authConfig.Issuer).Msg("Operator auth enforced on mutating endpoints")
	} else {
		log.Warn().Msg("Operator auth not configured, mutating endpoints are open")
	}

	handler := observability.WrapHandler(apiHandler.Routes(), obsProviders)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down...")

		// Stop claiming before the HTTP surface goes away, so in-flight work
		// drains while the process can still report health
		workerPool.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Str("version", version).Msg("Starting ops server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Worker stopped")
}

// workerConfigs builds the queue subscriptions from WORKER_QUEUES, defaulting
// to every known queue
func workerConfigs(config *Config, handlerMaps map[jobs.Queue]jobs.HandlerMap) ([]jobs.WorkerConfig, error) {
	queues := jobs.KnownQueues
	if raw := strings.TrimSpace(config.WorkerQueues); raw != "" {
		queues = nil
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			queues = append(queues, jobs.Queue(name))
		}
	}

	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	} else if concurrency > 20 {
		concurrency = 20
	}

	configs := make([]jobs.WorkerConfig, 0, len(queues))
	for _, q := range queues {
		if _, ok := handlerMaps[q]; !ok {
			return nil, errors.New("unknown queue in WORKER_QUEUES: " + string(q))
		}

		cfg := jobs.WorkerConfig{
			Queue:       q,
			Concurrency: concurrency,
			RetryPolicy: jobs.DefaultRetryPolicy(),
		}

		// External API queues are throttled to respect provider quotas
		switch q {
		case jobs.QueueGSC, jobs.QueueAds, jobs.QueueSocial:
			cfg.RateLimit = getEnvFloat("EXTERNAL_QUEUE_RATE_LIMIT", 2)
			cfg.RateBurst = 1
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}

// defaultConcurrency scales dispatch goroutines per queue by environment
func defaultConcurrency() int {
	switch os.Getenv("APP_ENV") {
	case "production":
		return 5
	case "staging":
		return 3
	default:
		return 2
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

// getEnvFloat retrieves an environment variable as a float or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "rovana-orchestrator").
			Logger()
	}
}
