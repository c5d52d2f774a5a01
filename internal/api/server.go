package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"renderqueue/internal/config"
	"renderqueue/internal/models"
	"renderqueue/internal/ratelimit"
	"renderqueue/internal/store"
	"renderqueue/internal/telemetry"
	"renderqueue/internal/worker"
)

// Server wires HTTP handlers for producers and status pollers.
type Server struct {
	cfg     config.Config
	store   store.Store
	limiter *ratelimit.Limiter
	reaper  *worker.Reaper
	log     *zap.Logger
}

// New constructs the API server. limiter and reaper may be nil; the
// corresponding features are then disabled.
func New(cfg config.Config, st store.Store, limiter *ratelimit.Limiter, reaper *worker.Reaper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, store: st, limiter: limiter, reaper: reaper, log: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/stats", s.handleStats)
	r.Post("/admin/reap", s.handleReap)
	return r
}

type enqueueRequest struct {
	JobID       string          `json:"job_id"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

// jobView is the externally visible job shape. Lease internals such as the
// lock token stay private to the core.
type jobView struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrCode     *string    `json:"err_code,omitempty"`
	ErrMessage  *string    `json:"err_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func viewOf(j models.Job) jobView {
	return jobView{
		ID:          j.ID,
		OwnerID:     j.OwnerID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		ErrCode:     j.ErrCode,
		ErrMessage:  j.ErrMessage,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.OwnerID)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		ID:          req.JobID,
		OwnerID:     req.OwnerID,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if errors.Is(err, store.ErrDuplicateJob) {
		http.Error(w, "job_id already exists", http.StatusConflict)
		return
	}
	if err != nil {
		s.log.Error("enqueue failed", zap.String("job_id", req.JobID), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	job, err := s.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(st.Queued))
	writeJSON(w, http.StatusOK, st)
}

// handleReap triggers a stale-lease sweep outside the reaper's fixed period.
func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	if s.reaper == nil {
		http.Error(w, "reaper not configured", http.StatusNotImplemented)
		return
	}
	n, err := s.reaper.RunOnce(r.Context())
	if err != nil {
		http.Error(w, "reap failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
