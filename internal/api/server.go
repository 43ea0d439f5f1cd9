package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
	"ledger-opqueue/internal/ratelimit"
	"ledger-opqueue/internal/store"
	"ledger-opqueue/internal/telemetry"
)

// OperationQueue is the queue surface the API drives.
type OperationQueue interface {
	Enqueue(kind models.Kind, payload map[string]any, opts ...opqueue.EnqueueOption) (string, error)
	GetJob(id string) (models.Job, bool)
	JobsByStatus(status models.Status) []models.Job
	DeadLetters() []models.Job
	RetryDeadLetter(id string) bool
	DiscardDeadLetter(id string) bool
	PruneCompleted(olderThan time.Duration) int
	Stats() models.Stats
}

// AuditReader serves the persisted audit trail of a job.
type AuditReader interface {
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// History reads persisted job snapshots. Jobs pruned from memory can still be
// looked up there.
type History interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// DeadLetterMirror is the external copy of the dead-letter collection.
type DeadLetterMirror interface {
	Peek(ctx context.Context, count int64) ([]models.Job, error)
	Depth(ctx context.Context) (int64, error)
}

// Server wires HTTP handlers for submission and operator endpoints.
type Server struct {
	queue     OperationQueue
	audit     AuditReader
	history   History
	mirror    DeadLetterMirror
	limiter   ratelimit.Limiter
	log       *zap.Logger
	retention time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAudit enables GET /operations/{id}/audit.
func WithAudit(a AuditReader) Option {
	return func(s *Server) { s.audit = a }
}

// WithHistory makes GET /operations/{id} fall back to persisted snapshots
// and adds persisted counts to /stats.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithDeadLetterMirror enables GET /dead-letters/mirror.
func WithDeadLetterMirror(m DeadLetterMirror) Option {
	return func(s *Server) { s.mirror = m }
}

// WithLimiter rate limits POST /operations per tenant.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log.Named("api")
		}
	}
}

// WithRetention sets the default age for POST /operations/prune.
func WithRetention(d time.Duration) Option {
	return func(s *Server) { s.retention = d }
}

// New constructs the API server.
func New(q OperationQueue, opts ...Option) *Server {
	s := &Server{
		queue:     q,
		log:       zap.NewNop(),
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/operations", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListByStatus)
		r.Post("/prune", s.handlePrune)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/audit", s.handleAudit)
	})
	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", s.handleDeadLetters)
		r.Get("/mirror", s.handleDeadLetterMirror)
		r.Post("/{id}/retry", s.handleRetryDeadLetter)
		r.Delete("/{id}", s.handleDiscardDeadLetter)
	})
	r.Get("/stats", s.handleStats)
	return r
}

type enqueueRequest struct {
	Kind           models.Kind    `json:"kind"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type enqueueResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.Kind.Known() {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if s.limiter != nil {
		tenant := tenantFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.log.Error("rate limiter failed", zap.String("tenant", tenant), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var opts []opqueue.EnqueueOption
	if req.IdempotencyKey != "" {
		opts = append(opts, opqueue.WithIdempotencyKey(req.IdempotencyKey))
	}
	id, err := s.queue.Enqueue(req.Kind, req.Payload, opts...)
	switch {
	case errors.Is(err, opqueue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := enqueueResponse{ID: id}
	if job, ok := s.queue.GetJob(id); ok {
		resp.Status = job.Status
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := s.queue.GetJob(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.history.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		s.log.Error("read persisted job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read job")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleListByStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := models.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "status must be one of PENDING, PROCESSING, COMPLETED, DEAD")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.queue.JobsByStatus(status)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit trail not configured")
		return
	}
	trail, err := s.audit.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("read audit trail failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": trail})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	olderThan := s.retention
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		olderThan = d
	}
	n := s.queue.PruneCompleted(olderThan)
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.queue.DeadLetters()})
}

func (s *Server) handleDeadLetterMirror(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeError(w, http.StatusNotImplemented, "dead letter mirror not configured")
		return
	}
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	depth, err := s.mirror.Depth(r.Context())
	if err != nil {
		s.log.Error("read mirror depth failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "dead letter mirror unavailable")
		return
	}
	items, err := s.mirror.Peek(r.Context(), limit)
	if err != nil {
		s.log.Error("read mirror failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "dead letter mirror unavailable")
		return
	}
	if items == nil {
		items = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth, "items": items})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.RetryDeadLetter(id) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusPending)})
}

func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !s.queue.DiscardDeadLetter(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	models.Stats
	Persisted map[models.Status]int64 `json:"persisted,omitempty"`
}

// handleStats reports in-memory counts. Persisted counts are best effort and
// left out when the database cannot be read.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.queue.Stats()}
	if s.history != nil {
		counts, err := s.history.CountByStatus(r.Context())
		if err != nil {
			s.log.Warn("read persisted counts failed", zap.Error(err))
		} else {
			resp.Persisted = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
