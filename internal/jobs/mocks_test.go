//go:build unit || !integration

package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/pause"
)

// The production queue must satisfy the store contract the pool and
// registry are built against
var _ JobStore = (*db.JobQueue)(nil)

// memoryStore is an in-memory JobStore for unit tests. It mirrors the
// transition semantics of the Postgres queue closely enough to exercise the
// registry, worker pool, scheduler and detector without a database.
type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*db.Job

	insertErr error
	claimErr  error
	markErr   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*db.Job)}
}

func (m *memoryStore) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	return fn(nil)
}

func (m *memoryStore) InsertJob(ctx context.Context, job *db.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return m.insertErr
	}

	if job.DedupeKey != "" {
		for _, existing := range m.jobs {
			if existing.Queue == job.Queue && existing.DedupeKey == job.DedupeKey && isInflight(existing.Status) {
				return db.ErrDuplicateJob
			}
		}
	}

	clone := *job
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.jobs[job.ID] = &clone
	return nil
}

func isInflight(status string) bool {
	switch status {
	case string(JobStatusPending), string(JobStatusRunning), string(JobStatusRetrying):
		return true
	}
	return false
}

func (m *memoryStore) ClaimNext(ctx context.Context, queue string) (*db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return nil, m.claimErr
	}

	now := time.Now().UTC()
	var candidates []*db.Job
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		if job.Status != string(JobStatusPending) && job.Status != string(JobStatusRetrying) {
			continue
		}
		if !job.RunAfter.IsZero() && job.RunAfter.After(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	job := candidates[0]
	job.Status = string(JobStatusRunning)
	job.Attempts++
	job.StartedAt = now

	clone := *job
	return &clone, nil
}

func (m *memoryStore) GetInflightByDedupeKey(ctx context.Context, queue, dedupeKey string) (*db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Queue == queue && job.DedupeKey == dedupeKey && isInflight(job.Status) {
			clone := *job
			return &clone, nil
		}
	}
	return nil, db.ErrJobNotFound
}

func (m *memoryStore) GetJob(ctx context.Context, jobID string) (*db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, db.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (m *memoryStore) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markErr != nil {
		return m.markErr
	}

	job, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	job.Status = string(JobStatusCompleted)
	job.Result = result
	job.Error = ""
	job.ErrorCategory = ""
	job.CompletedAt = time.Now().UTC()
	return nil
}

func (m *memoryStore) MarkRetrying(ctx context.Context, jobID, errMsg, errCategory string, backoff time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markErr != nil {
		return m.markErr
	}

	job, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	job.Status = string(JobStatusRetrying)
	job.Error = errMsg
	job.ErrorCategory = errCategory
	job.RunAfter = time.Now().UTC().Add(backoff)
	return nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, jobID, errMsg, errCategory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markErr != nil {
		return m.markErr
	}

	job, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	job.Status = string(JobStatusFailed)
	job.Error = errMsg
	job.ErrorCategory = errCategory
	job.CompletedAt = time.Now().UTC()
	return nil
}

func (m *memoryStore) FindStuck(ctx context.Context, cutoff time.Time) ([]db.StuckJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stuck []db.StuckJob
	for _, job := range m.jobs {
		if job.Status != string(JobStatusRunning) {
			continue
		}
		if job.StartedAt.After(cutoff) {
			continue
		}
		stuck = append(stuck, db.StuckJob{
			ID:          job.ID,
			Queue:       job.Queue,
			Type:        job.Type,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			StartedAt:   job.StartedAt,
		})
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].ID < stuck[j].ID })
	return stuck, nil
}

func (m *memoryStore) ResetToPending(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	job.Status = string(JobStatusPending)
	job.StartedAt = time.Time{}
	return nil
}

func (m *memoryStore) CleanQueues(ctx context.Context, retention time.Duration) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	queues := make(map[string]struct{})
	removed := 0
	for id, job := range m.jobs {
		if job.Status != string(JobStatusCompleted) && job.Status != string(JobStatusFailed) {
			continue
		}
		if job.CompletedAt.After(cutoff) {
			continue
		}
		queues[job.Queue] = struct{}{}
		delete(m.jobs, id)
		removed++
	}
	return len(queues), removed, nil
}

func (m *memoryStore) QueueCounts(ctx context.Context) (map[string]map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]map[string]int)
	for _, job := range m.jobs {
		if counts[job.Queue] == nil {
			counts[job.Queue] = make(map[string]int)
		}
		counts[job.Queue][job.Status]++
	}
	return counts, nil
}

// jobsInQueue returns the stored jobs for a queue, ordered by creation time
func (m *memoryStore) jobsInQueue(queue string) []*db.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*db.Job
	for _, job := range m.jobs {
		if job.Queue == queue {
			clone := *job
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// stubPauser is a PauseChecker with scriptable decisions
type stubPauser struct {
	mu          sync.Mutex
	denied      map[string]string
	denyAll     string
	maxPerHour  int
	settingsErr error
}

func newStubPauser() *stubPauser {
	return &stubPauser{denied: make(map[string]string)}
}

func (p *stubPauser) CanExecute(ctx context.Context, feature string) pause.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settingsErr != nil {
		return pause.Decision{Allowed: false, Reason: "platform settings unavailable"}
	}
	if p.denyAll != "" {
		return pause.Decision{Allowed: false, Reason: p.denyAll}
	}
	if reason, ok := p.denied[feature]; ok {
		return pause.Decision{Allowed: false, Reason: reason}
	}
	return pause.Decision{Allowed: true}
}

func (p *stubPauser) MaxSitesPerHour(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.settingsErr != nil {
		return 0, p.settingsErr
	}
	return p.maxPerHour, nil
}

// stubSiteStore serves a fixed site list with scriptable failures
type stubSiteStore struct {
	mu              sync.Mutex
	sites           []*db.Site
	listErr         error
	recentCreations int
	countErr        error
}

func (s *stubSiteStore) ListWorkableSites(ctx context.Context) ([]*db.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*db.Site, len(s.sites))
	copy(out, s.sites)
	return out, nil
}

func (s *stubSiteStore) CountRecentSiteCreations(ctx context.Context, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.recentCreations, nil
}

// stubScheduleStore records scheduler persistence calls
type stubScheduleStore struct {
	mu       sync.Mutex
	rows     map[string]*db.ScheduledJob
	pruned   [][]string
	advanced map[string]time.Time
}

func newStubScheduleStore() *stubScheduleStore {
	return &stubScheduleStore{
		rows:     make(map[string]*db.ScheduledJob),
		advanced: make(map[string]time.Time),
	}
}

func (s *stubScheduleStore) UpsertScheduledJob(ctx context.Context, sj *db.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[sj.JobType]; ok && existing.CronExpr == sj.CronExpr {
		// next_run_at preserved when the cadence is unchanged
		clone := *sj
		clone.NextRunAt = existing.NextRunAt
		s.rows[sj.JobType] = &clone
		return nil
	}
	clone := *sj
	s.rows[sj.JobType] = &clone
	return nil
}

func (s *stubScheduleStore) PruneScheduledJobs(ctx context.Context, keepTypes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]struct{}, len(keepTypes))
	for _, t := range keepTypes {
		keep[t] = struct{}{}
	}

	pruned := 0
	for jobType := range s.rows {
		if _, ok := keep[jobType]; !ok {
			delete(s.rows, jobType)
			pruned++
		}
	}
	s.pruned = append(s.pruned, keepTypes)
	return pruned, nil
}

func (s *stubScheduleStore) GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*db.ScheduledJob
	for _, row := range s.rows {
		if !row.NextRunAt.After(now) {
			clone := *row
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].JobType < due[j].JobType })
	return due, nil
}

func (s *stubScheduleStore) AdvanceScheduledJob(ctx context.Context, jobType string, ranAt, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[jobType]
	if !ok {
		return db.ErrScheduleNotFound
	}
	row.LastRunAt = ranAt
	row.NextRunAt = nextRun
	s.advanced[jobType] = nextRun
	return nil
}

// recordingAlerter captures stuck-job notifications
type recordingAlerter struct {
	mu     sync.Mutex
	calls  int
	healed int
	failed int
}

func (a *recordingAlerter) NotifyStuckJobs(ctx context.Context, healed, permanentlyFailed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.healed += healed
	a.failed += permanentlyFailed
}
