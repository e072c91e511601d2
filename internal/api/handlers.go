// Package api exposes the orchestrator's operational HTTP surface: health,
// queue visibility and the platform pause switch. It carries no tenant-facing
// endpoints; those live in the marketplace application.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rovana-hq/orchestrator/internal/db"
	"github.com/rovana-hq/orchestrator/internal/jobs"
)

// QueueReader supplies per-queue status counts
type QueueReader interface {
	QueueCounts(ctx context.Context) (map[string]map[string]int, error)
}

// ScheduleReader supplies the static scheduled-job registry
type ScheduleReader interface {
	GetScheduledJobs() []jobs.ScheduledJobDefinition
}

// SettingsStore reads and mutates the platform settings record
type SettingsStore interface {
	GetPlatformSettings(ctx context.Context) (*db.PlatformSettings, error)
	SetGlobalPause(ctx context.Context, paused bool, reason, actor string) error
}

// PauseInvalidator drops any cached settings after a mutation
type PauseInvalidator interface {
	Invalidate()
}

// PauseNotifier announces pause state changes
type PauseNotifier interface {
	NotifyPauseChanged(ctx context.Context, paused bool, actor, reason string)
}

// Pinger verifies database connectivity for health checks
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler holds the ops API dependencies
type Handler struct {
	Queues    QueueReader
	Schedules ScheduleReader
	Settings  SettingsStore
	Pause     PauseInvalidator
	Notifier  PauseNotifier
	DB        Pinger
	Version   string

	// Auth, when set, wraps the mutating endpoints. Read-only endpoints
	// stay open for load balancers and dashboards.
	Auth func(http.Handler) http.Handler
}

// NewHandler creates an ops API handler
func NewHandler(queues QueueReader, schedules ScheduleReader, settings SettingsStore, pauseCtl PauseInvalidator, notifier PauseNotifier, database Pinger, version string) *Handler {
	return &Handler{
		Queues:    queues,
		Schedules: schedules,
		Settings:  settings,
		Pause:     pauseCtl,
		Notifier:  notifier,
		DB:        database,
		Version:   version,
	}
}

// Routes returns the ops API router with middleware applied
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/v1/queues", h.QueueStatus)
	mux.HandleFunc("/v1/scheduled-jobs", h.ScheduledJobs)

	protect := func(next http.HandlerFunc) http.Handler {
		if h.Auth == nil {
			return next
		}
		return h.Auth(next)
	}
	mux.Handle("/v1/platform/pause", protect(h.PausePlatform))
	mux.Handle("/v1/platform/resume", protect(h.ResumePlatform))

	return RequestIDMiddleware(LoggingMiddleware(mux))
}

// Health reports process and database health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			WriteUnhealthy(w, r, "orchestrator", err)
			return
		}
	}

	WriteHealthy(w, r, "orchestrator", h.Version)
}

// QueueStatus returns job counts per queue and status
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	counts, err := h.Queues.QueueCounts(r.Context())
	if err != nil {
		WriteError(w, r, err, http.StatusInternalServerError, ErrCodeDatabaseError)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{"queues": counts}, "")
}

// scheduledJobView is the wire shape of one scheduled-job definition
type scheduledJobView struct {
	JobType     string `json:"job_type"`
	Queue       string `json:"queue"`
	CronExpr    string `json:"cron_expr"`
	Description string `json:"description"`
}

// ScheduledJobs returns the static scheduled-job registry
func (h *Handler) ScheduledJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	defs := h.Schedules.GetScheduledJobs()
	views := make([]scheduledJobView, 0, len(defs))
	for _, def := range defs {
		views = append(views, scheduledJobView{
			JobType:     def.JobType,
			Queue:       string(def.Queue),
			CronExpr:    def.CronExpr,
			Description: def.Description,
		})
	}

	WriteSuccess(w, r, map[string]interface{}{"scheduled_jobs": views}, "")
}

// pauseRequest is the body of pause and resume calls
type pauseRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// PausePlatform halts all autonomous operations platform-wide
func (h *Handler) PausePlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, ok := h.decodePauseRequest(w, r, true)
	if !ok {
		return
	}

	if err := h.Settings.SetGlobalPause(r.Context(), true, req.Reason, req.Actor); err != nil {
		WriteError(w, r, err, http.StatusInternalServerError, ErrCodeDatabaseError)
		return
	}
	h.invalidateAndNotify(r.Context(), true, req.Actor, req.Reason)

	WriteSuccess(w, r, map[string]interface{}{"paused": true}, "Platform paused")
}

// ResumePlatform re-enables autonomous operations
func (h *Handler) ResumePlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	req, ok := h.decodePauseRequest(w, r, false)
	if !ok {
		return
	}

	if err := h.Settings.SetGlobalPause(r.Context(), false, "", req.Actor); err != nil {
		WriteError(w, r, err, http.StatusInternalServerError, ErrCodeDatabaseError)
		return
	}
	h.invalidateAndNotify(r.Context(), false, req.Actor, "")

	WriteSuccess(w, r, map[string]interface{}{"paused": false}, "Platform resumed")
}

func (h *Handler) decodePauseRequest(w http.ResponseWriter, r *http.Request, requireReason bool) (*pauseRequest, bool) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, r, "Invalid JSON body", http.StatusBadRequest, ErrCodeBadRequest)
		return nil, false
	}

	req.Actor = strings.TrimSpace(req.Actor)
	req.Reason = strings.TrimSpace(req.Reason)

	if req.Actor == "" {
		WriteErrorMessage(w, r, "actor is required", http.StatusBadRequest, ErrCodeValidation)
		return nil, false
	}
	if requireReason && req.Reason == "" {
		WriteErrorMessage(w, r, "reason is required", http.StatusBadRequest, ErrCodeValidation)
		return nil, false
	}

	return &req, true
}

func (h *Handler) invalidateAndNotify(ctx context.Context, paused bool, actor, reason string) {
	if h.Pause != nil {
		h.Pause.Invalidate()
	}
	if h.Notifier != nil {
		h.Notifier.NotifyPauseChanged(ctx, paused, actor, reason)
	}
}
