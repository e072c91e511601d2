package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rs/zerolog/log"
)

// ScheduledJobDefinition describes one recurring platform job. The set of
// definitions is fixed at compile time; the database only carries their
// run bookkeeping.
type ScheduledJobDefinition struct {
	JobType     string
	Queue       Queue
	CronExpr    string
	Description string
	Payload     map[string]any
}

// scheduledJobDefinitions is the platform cadence. Times are UTC.
var scheduledJobDefinitions = []ScheduledJobDefinition{
	{
		JobType:     "SYNC_ALL_PRODUCTS",
		Queue:       QueueSync,
		CronExpr:    "0 */6 * * *",
		Description: "Refresh supplier product catalogues across all active sites",
	},
	{
		JobType:     "ANALYTICS_ROLLUP",
		Queue:       QueueAnalytics,
		CronExpr:    "15 1 * * *",
		Description: "Aggregate daily traffic and conversion metrics",
	},
	{
		JobType:     "SEO_AUDIT_SWEEP",
		Queue:       QueueSEO,
		CronExpr:    "30 2 * * *",
		Description: "Queue SEO audits for sites whose last audit is overdue",
	},
	{
		JobType:     "GSC_METRICS_PULL",
		Queue:       QueueGSC,
		CronExpr:    "45 3 * * *",
		Description: "Pull Search Console impressions and click data",
	},
	{
		JobType:     "ADS_BUDGET_SYNC",
		Queue:       QueueAds,
		CronExpr:    "0 4 * * *",
		Description: "Reconcile ad campaign budgets and pause overspent campaigns",
	},
	{
		JobType:     "SOCIAL_POST_SWEEP",
		Queue:       QueueSocial,
		CronExpr:    "0 */4 * * *",
		Description: "Publish queued social posts that have reached their slot",
	},
	{
		JobType:     "AB_TEST_EVALUATE",
		Queue:       QueueABTest,
		CronExpr:    "0 5 * * *",
		Description: "Evaluate running A/B tests and promote significant winners",
	},
	{
		JobType:     "QUEUE_CLEAN",
		Queue:       QueueSite,
		CronExpr:    "0 6 * * *",
		Description: "Trim completed and failed jobs past the retention window",
	},
}

// Scheduler registers the static definitions in the database and, on the
// designated process, converts due definitions into queued jobs. Only one
// process may run the loop; the role is assigned by deployment config, not
// elected.
type Scheduler struct {
	store    ScheduleStore
	registry *Registry

	parser   cron.Parser
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over the given schedule store and registry
func NewScheduler(store ScheduleStore, registry *Registry) *Scheduler {
	if store == nil {
		panic("schedule store is required")
	}
	if registry == nil {
		panic("registry is required")
	}

	return &Scheduler{
		store:    store,
		registry: registry,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stopCh:   make(chan struct{}),
	}
}

// GetScheduledJobs returns the static definition registry
func (s *Scheduler) GetScheduledJobs() []ScheduledJobDefinition {
	defs := make([]ScheduledJobDefinition, len(scheduledJobDefinitions))
	copy(defs, scheduledJobDefinitions)
	return defs
}

// InitializeScheduledJobs upserts every definition and prunes rows whose
// definition no longer exists. Safe to run on every startup.
func (s *Scheduler) InitializeScheduledJobs(ctx context.Context) error {
	span := sentry.StartSpan(ctx, "scheduler.initialize")
	defer span.Finish()

	now := time.Now().UTC()
	keep := make([]string, 0, len(scheduledJobDefinitions))

	for _, def := range scheduledJobDefinitions {
		schedule, err := s.parser.Parse(def.CronExpr)
		if err != nil {
			return fmt.Errorf("invalid cron expression for %s: %w", def.JobType, err)
		}

		var payload json.RawMessage
		if def.Payload != nil {
			raw, err := json.Marshal(def.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload for %s: %w", def.JobType, err)
			}
			payload = raw
		}

		err = s.store.UpsertScheduledJob(ctx, &db.ScheduledJob{
			JobType:     def.JobType,
			Queue:       string(def.Queue),
			CronExpr:    def.CronExpr,
			Description: def.Description,
			Payload:     payload,
			NextRunAt:   schedule.Next(now),
		})
		if err != nil {
			return fmt.Errorf("failed to register scheduled job %s: %w", def.JobType, err)
		}
		keep = append(keep, def.JobType)
	}

	pruned, err := s.store.PruneScheduledJobs(ctx, keep)
	if err != nil {
		return fmt.Errorf("failed to prune stale scheduled jobs: %w", err)
	}
	if pruned > 0 {
		log.Info().Int("pruned", pruned).Msg("Removed stale scheduled job registrations")
	}

	log.Info().Int("count", len(keep)).Msg("Scheduled jobs registered")
	return nil
}

// Run starts the trigger loop. Blocks until Stop or context cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	log.Info().Msg("Starting scheduler loop")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Debug().Msg("Scheduler received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Msg("Scheduler context cancelled")
			return
		case <-ticker.C:
			if err := s.triggerDue(ctx, time.Now().UTC()); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Stop stops the trigger loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// triggerDue enqueues one job per due definition and advances next_run_at.
// The dedupe key is derived from the trigger time, so a crash between enqueue
// and advance re-runs as a harmless duplicate rather than a double fire.
func (s *Scheduler) triggerDue(ctx context.Context, now time.Time) error {
	due, err := s.store.GetDueScheduledJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load due scheduled jobs: %w", err)
	}

	for _, sj := range due {
		schedule, err := s.parser.Parse(sj.CronExpr)
		if err != nil {
			// A row with an unparseable expression would stay due forever;
			// skip it but surface loudly
			sentry.CaptureException(fmt.Errorf("scheduled job %s has invalid cron expr %q: %w", sj.JobType, sj.CronExpr, err))
			log.Error().Str("job_type", sj.JobType).Str("cron", sj.CronExpr).Msg("Skipping scheduled job with invalid cron expression")
			continue
		}

		dedupeKey := fmt.Sprintf("%s:%d", sj.JobType, sj.NextRunAt.Unix())
		var payload any
		if len(sj.Payload) > 0 {
			payload = json.RawMessage(sj.Payload)
		}

		_, err = s.registry.Enqueue(ctx, Queue(sj.Queue), sj.JobType, payload, &EnqueueOptions{DedupeKey: dedupeKey})
		if err != nil && !errors.Is(err, ErrDuplicateJob) {
			log.Error().Err(err).Str("job_type", sj.JobType).Msg("Failed to enqueue scheduled job")
			continue
		}
		if errors.Is(err, ErrDuplicateJob) {
			log.Debug().Str("job_type", sj.JobType).Msg("Scheduled trigger already enqueued")
		} else {
			log.Info().
				Str("job_type", sj.JobType).
				Str("queue", sj.Queue).
				Time("scheduled_for", sj.NextRunAt).
				Msg("Scheduled job triggered")
		}

		if err := s.store.AdvanceScheduledJob(ctx, sj.JobType, now, schedule.Next(now)); err != nil {
			return fmt.Errorf("failed to advance scheduled job %s: %w", sj.JobType, err)
		}
	}

	return nil
}
