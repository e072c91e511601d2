package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// StuckAlerter receives a notification when stuck jobs were reconciled.
// Optional; a nil alerter disables notifications.
type StuckAlerter interface {
	NotifyStuckJobs(ctx context.Context, healed, permanentlyFailed int)
}

// Detector finds jobs stranded mid-running by worker crashes or abandoned
// shutdowns and puts them back into a consistent state. The stuck cutoff sits
// well above normal handler duration, so a slow job is never mistaken for a
// dead one.
type Detector struct {
	store    JobStore
	alerter  StuckAlerter
	timeout  time.Duration
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDetector creates a stuck-job detector. alerter may be nil.
func NewDetector(store JobStore, alerter StuckAlerter) *Detector {
	if store == nil {
		panic("job store is required")
	}

	return &Detector{
		store:    store,
		alerter:  alerter,
		timeout:  StuckJobTimeout,
		interval: 10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// Run sweeps for stuck jobs on every interval tick. Blocks until Stop or
// context cancellation.
func (d *Detector) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	log.Info().
		Dur("interval", d.interval).
		Dur("timeout", d.timeout).
		Msg("Starting stuck-job detector")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			log.Debug().Msg("Stuck-job detector received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Msg("Stuck-job detector context cancelled")
			return
		case <-ticker.C:
			if _, err := d.DetectStuckJobs(ctx); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Stuck-job sweep failed")
			}
		}
	}
}

// Stop stops the sweep loop
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// DetectStuckJobs reconciles jobs that started running longer ago than the
// stuck cutoff. Jobs with retry budget left go back to pending with their
// attempt count untouched; the crashed attempt was charged when it was
// claimed. Exhausted jobs fail terminally with a synthetic error.
func (d *Detector) DetectStuckJobs(ctx context.Context) (*StuckResult, error) {
	span := sentry.StartSpan(ctx, "jobs.detect_stuck")
	defer span.Finish()

	cutoff := time.Now().UTC().Add(-d.timeout)
	stuck, err := d.store.FindStuck(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}

	result := &StuckResult{}
	for _, job := range stuck {
		if job.Attempts < job.MaxAttempts {
			if err := d.store.ResetToPending(ctx, job.ID); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reset stuck job")
				continue
			}
			result.Healed++
			log.Warn().
				Str("job_id", job.ID).
				Str("queue", job.Queue).
				Str("type", job.Type).
				Int("attempts", job.Attempts).
				Time("started_at", job.StartedAt).
				Msg("Stuck job reset to pending")
			continue
		}

		errMsg := fmt.Sprintf("exceeded stuck-job timeout of %s", d.timeout)
		if err := d.store.MarkFailed(ctx, job.ID, errMsg, ErrorCategoryStuck); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stuck job")
			continue
		}
		result.PermanentlyFailed++
		log.Error().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Str("type", job.Type).
			Int("attempts", job.Attempts).
			Msg("Stuck job failed permanently")
	}

	if result.Healed > 0 || result.PermanentlyFailed > 0 {
		log.Info().
			Int("healed", result.Healed).
			Int("permanently_failed", result.PermanentlyFailed).
			Msg("Stuck jobs reconciled")
		if d.alerter != nil {
			d.alerter.NotifyStuckJobs(ctx, result.Healed, result.PermanentlyFailed)
		}
	}

	return result, nil
}
