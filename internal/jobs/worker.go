package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// errNoJobs signals an empty claim so the dispatch loop can back off
var errNoJobs = errors.New("no jobs available")

// WorkerPool subscribes to a set of queues and dispatches claimed jobs to
// their type-keyed handlers. Each subscription runs its configured number of
// claim/dispatch goroutines, so per-queue running jobs never exceed the
// configured concurrency within this process.
type WorkerPool struct {
	store    JobStore
	dbConfig *db.Config
	configs  []WorkerConfig
	handlers map[Queue]HandlerMap

	stopCh   chan struct{}
	stopOnce sync.Once
	notifyCh chan struct{}
	wg       sync.WaitGroup
	inFlight sync.WaitGroup
	stopping atomic.Bool
	grace    time.Duration
}

// NewWorkerPool creates a worker pool from per-queue subscription configs
// and a per-queue handler map
func NewWorkerPool(store JobStore, dbConfig *db.Config, configs []WorkerConfig, handlers map[Queue]HandlerMap) *WorkerPool {
	if store == nil {
		panic("job store is required")
	}
	if len(configs) == 0 {
		panic("at least one queue subscription is required")
	}
	for _, cfg := range configs {
		if cfg.Concurrency < 1 {
			panic(fmt.Sprintf("queue %s: concurrency must be at least 1", cfg.Queue))
		}
		if _, ok := handlers[cfg.Queue]; !ok {
			panic(fmt.Sprintf("queue %s: no handler map registered", cfg.Queue))
		}
	}

	return &WorkerPool{
		store:    store,
		dbConfig: dbConfig,
		configs:  configs,
		handlers: handlers,
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1), // Buffer of 1 to prevent blocking
		grace:    30 * time.Second,
	}
}

// SetShutdownGrace overrides how long Stop waits for in-flight handlers
func (wp *WorkerPool) SetShutdownGrace(d time.Duration) {
	wp.grace = d
}

// Start launches the dispatch goroutines for every subscription
func (wp *WorkerPool) Start(ctx context.Context) {
	total := 0
	for _, cfg := range wp.configs {
		total += cfg.Concurrency
	}
	log.Info().
		Int("queues", len(wp.configs)).
		Int("dispatchers", total).
		Msg("Starting worker pool")

	for _, cfg := range wp.configs {
		var limiter *rate.Limiter
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}

		for i := 0; i < cfg.Concurrency; i++ {
			wp.wg.Add(1)
			go wp.dispatchLoop(ctx, cfg, limiter, i)
		}
	}

	if wp.dbConfig != nil {
		wp.wg.Add(1)
		go wp.listenForNotifications(ctx)
	}
}

// Stop stops the pool: no new claims, then a bounded grace wait for
// in-flight handlers. Handlers that overrun the grace period are abandoned
// mid-running and reclaimed later by the stuck-job detector.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.stopping.Store(true)
		log.Debug().Msg("Stopping worker pool")
		close(wp.stopCh)

		done := make(chan struct{})
		go func() {
			wp.wg.Wait()
			wp.inFlight.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Debug().Msg("Worker pool stopped")
		case <-time.After(wp.grace):
			log.Warn().
				Dur("grace", wp.grace).
				Msg("Shutdown grace period elapsed, abandoning in-flight jobs")
		}
	})
}

// dispatchLoop claims and processes jobs for one queue subscription
func (wp *WorkerPool) dispatchLoop(ctx context.Context, cfg WorkerConfig, limiter *rate.Limiter, workerID int) {
	defer wp.wg.Done()

	log.Info().
		Str("queue", string(cfg.Queue)).
		Int("worker_id", workerID).
		Msg("Starting dispatcher")

	// Track consecutive no-job counts for backoff
	consecutiveNoJobs := 0
	maxSleep := 30 * time.Second
	baseSleep := 200 * time.Millisecond

	for {
		select {
		case <-wp.stopCh:
			log.Debug().Str("queue", string(cfg.Queue)).Int("worker_id", workerID).Msg("Dispatcher received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Str("queue", string(cfg.Queue)).Int("worker_id", workerID).Msg("Dispatcher context cancelled")
			return
		case <-wp.notifyCh:
			// Reset backoff when notified of new jobs
			consecutiveNoJobs = 0
		default:
			err := wp.processNext(ctx, cfg, limiter)
			switch {
			case err == nil:
				consecutiveNoJobs = 0
			case errors.Is(err, errNoJobs):
				consecutiveNoJobs++
				if consecutiveNoJobs == 1 || consecutiveNoJobs%10 == 0 {
					log.Debug().Str("queue", string(cfg.Queue)).Msg("Waiting for new jobs")
				}
				// Exponential backoff with a maximum
				sleepTime := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(min(consecutiveNoJobs, 10))))
				if sleepTime > maxSleep {
					sleepTime = maxSleep
				}

				select {
				case <-time.After(sleepTime):
				case <-wp.notifyCh:
					consecutiveNoJobs = 0
				case <-wp.stopCh:
					return
				case <-ctx.Done():
					return
				}
			default:
				// Infrastructure failure: stay alive, log, retry after a beat
				sentry.CaptureException(err)
				log.Error().Err(err).Str("queue", string(cfg.Queue)).Int("worker_id", workerID).Msg("Dispatcher error")
				select {
				case <-time.After(time.Second):
				case <-wp.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// processNext claims and dispatches at most one job
func (wp *WorkerPool) processNext(ctx context.Context, cfg WorkerConfig, limiter *rate.Limiter) error {
	// Rate limiting caps dequeues per window independent of concurrency,
	// to respect downstream third-party API quotas
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if wp.stopping.Load() {
		return errNoJobs
	}

	job, err := wp.store.ClaimNext(ctx, string(cfg.Queue))
	if err != nil {
		return fmt.Errorf("claim on queue %s: %w", cfg.Queue, err)
	}
	if job == nil {
		return errNoJobs
	}

	wp.inFlight.Add(1)
	defer wp.inFlight.Done()

	wp.dispatch(ctx, cfg, job)
	return nil
}

// dispatch routes a claimed job to its handler and records the outcome.
// Handler errors never propagate past this boundary: every outcome becomes
// a status transition on the job record.
func (wp *WorkerPool) dispatch(ctx context.Context, cfg WorkerConfig, job *db.Job) {
	handler, ok := wp.handlers[cfg.Queue][job.Type]
	if !ok {
		// Deployment/version mismatch, not a transient error: retrying an
		// unknown type can never succeed on this process
		log.Error().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Str("type", job.Type).
			Msg("No handler registered for job type, failing terminally")
		wp.recordFailure(ctx, job, "no handler registered for type "+job.Type, ErrorCategoryUnknownType, false)
		return
	}

	ctx, span := observability.StartJobSpan(ctx, observability.JobSpanInfo{
		JobID:   job.ID,
		Queue:   job.Queue,
		Type:    job.Type,
		Attempt: job.Attempts,
	})
	defer span.End()

	start := time.Now()
	result, err := wp.invoke(ctx, job, handler)
	duration := time.Since(start)

	switch {
	case err == nil && result != nil && result.Success:
		wp.recordSuccess(ctx, job, result)
	case err == nil && result != nil && result.ErrorCategory == ErrorCategoryPaused:
		// Policy-blocked, not a bug: fail terminally without burning the
		// retry budget on a gate that will not open by itself
		log.Info().
			Str("job_id", job.ID).
			Str("type", job.Type).
			Str("reason", result.Error).
			Msg("Job blocked by pause control")
		wp.recordFailure(ctx, job, result.Error, ErrorCategoryPaused, false)
	default:
		msg := "handler reported failure"
		if err != nil {
			msg = err.Error()
		} else if result != nil && result.Error != "" {
			msg = result.Error
		}
		category := ""
		if result != nil {
			category = result.ErrorCategory
		}
		wp.recordFailure(ctx, job, msg, category, job.Attempts < job.MaxAttempts)
	}

	status := string(JobStatusCompleted)
	if err != nil || result == nil || !result.Success {
		status = string(JobStatusFailed)
	}
	observability.RecordJob(ctx, observability.JobMetrics{
		Queue:    job.Queue,
		Type:     job.Type,
		Status:   status,
		Duration: duration,
	})
}

// invoke runs the handler, converting panics into errors
func (wp *WorkerPool) invoke(ctx context.Context, job *db.Job, handler HandlerFunc) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in job handler")
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, &JobContext{
		ID:           job.ID,
		Type:         job.Type,
		Queue:        Queue(job.Queue),
		Payload:      job.Payload,
		AttemptsMade: job.Attempts,
	})
}

func (wp *WorkerPool) recordSuccess(ctx context.Context, job *db.Job, result *JobResult) {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to encode job result")
		raw = json.RawMessage(`{"success":true}`)
	}

	if err := wp.store.MarkCompleted(ctx, job.ID, raw); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
		return
	}

	log.Info().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("type", job.Type).
		Int("attempts", job.Attempts).
		Msg("Job completed")
}

func (wp *WorkerPool) recordFailure(ctx context.Context, job *db.Job, errMsg, category string, retryable bool) {
	if retryable {
		backoff := wp.retryPolicy(Queue(job.Queue)).Backoff(job.Attempts)
		if err := wp.store.MarkRetrying(ctx, job.ID, errMsg, category, backoff); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job retrying")
			return
		}

		log.Warn().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Str("type", job.Type).
			Int("attempts", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("backoff", backoff).
			Str("error", errMsg).
			Msg("Job failed, will retry")
		return
	}

	if err := wp.store.MarkFailed(ctx, job.ID, errMsg, category); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}

	log.Error().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("type", job.Type).
		Int("attempts", job.Attempts).
		Str("error_category", category).
		Str("error", errMsg).
		Msg("Job failed permanently")
}

func (wp *WorkerPool) retryPolicy(queue Queue) RetryPolicy {
	for _, cfg := range wp.configs {
		if cfg.Queue == queue {
			if cfg.RetryPolicy.InitialBackoff > 0 {
				return cfg.RetryPolicy
			}
			break
		}
	}
	return DefaultRetryPolicy()
}

// listenForNotifications wakes dispatchers as soon as new jobs are inserted,
// instead of waiting out the polling backoff
func (wp *WorkerPool) listenForNotifications(ctx context.Context) {
	defer wp.wg.Done()

	eventCallback := func(_ *pq.Notification) {
		// Notify dispatchers of new jobs (non-blocking)
		select {
		case wp.notifyCh <- struct{}{}:
		default:
			// Channel already has notification pending
		}
	}

	listener := pq.NewListener(wp.dbConfig.ConnectionString(),
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Database notification error")
			}
		})

	if err := listener.Listen("new_jobs"); err != nil {
		log.Error().Err(err).Msg("Failed to start listening for notifications")
		return
	}
	defer listener.Close()

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; pq.Listener reconnects internally
				log.Warn().Msg("Database notification connection lost")
				continue
			}
			eventCallback(n)
		case <-time.After(90 * time.Second):
			// Check connection is alive
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Database notification ping failed")
			}
		}
	}
}
