package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/auth"
	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/logging"
	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/notify"
	"slack-ai-gateway/internal/orchestrator"
	"slack-ai-gateway/internal/ratelimit"
	"slack-ai-gateway/internal/store"
	"slack-ai-gateway/internal/telemetry"
)

// Orchestrator runs the command pipeline.
type Orchestrator interface {
	HandleCommand(ctx context.Context, cmd orchestrator.InboundCommand, resp notify.Responder) (orchestrator.Outcome, error)
}

// Limiter throttles commands per user.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// JobReader serves job status queries and records plain channel messages.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SaveMessage(ctx context.Context, m models.InboundMessage) error
}

// Broker is the queue surface needed for readiness and DLQ inspection.
type Broker interface {
	Ping(ctx context.Context) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Pool runs background work on a bounded set of goroutines.
type Pool interface {
	Submit(task func())
	WaitingQueueSize() int
}

// Responders builds requester responders.
type Responders interface {
	ForResponseURL(url string) notify.Responder
	ForThread(channel, threadTS string) notify.Responder
}

// Deps are the collaborators of the HTTP server. Limiter may be nil.
type Deps struct {
	Verifier     *auth.Verifier
	Orchestrator Orchestrator
	Limiter      Limiter
	Jobs         JobReader
	Broker       Broker
	Pool         Pool
	Responders   Responders
	Logger       zerolog.Logger
}

// Server wires HTTP handlers for the webhook gateway.
type Server struct {
	deps Deps
	// background is the root context of submitted work; it is not tied to
	// the request so accepted commands run to completion.
	background     context.Context
	commandTimeout time.Duration
	queueLimit     int
	now            func() time.Time
	logger         zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Server{
		deps:           deps,
		background:     context.Background(),
		commandTimeout: timeout,
		queueLimit:     cfg.BackgroundQueueLimit,
		now:            time.Now,
		logger:         deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Verifier.Middleware)
		r.Post("/slack/commands", s.handleCommand)
		r.Post("/slack/events", s.handleEvent)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Broker.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "queue broker unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type jobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Result map[string]any   `json:"result"`
	Error  *string          `json:"error,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("failed to load job")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	resp := jobResponse{JobID: job.ID, Status: job.Status, Error: job.ErrorDetail}
	if job.Status == models.StatusCompleted {
		resp.Result = job.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Broker.DLQPeek(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read dlq"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// submit hands fn to the pool with its own deadline. Panics are logged, not propagated.
func (s *Server) submit(name string, fn func(ctx context.Context)) {
	s.deps.Pool.Submit(func() {
		ctx, cancel := context.WithTimeout(s.background, s.commandTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("task", name).Bytes("stack", debug.Stack()).Msg("background task panicked")
			}
		}()
		fn(ctx)
	})
}

// saturated reports whether the waiting queue already holds queueLimit tasks.
func (s *Server) saturated() bool {
	return s.queueLimit > 0 && s.deps.Pool.WaitingQueueSize() >= s.queueLimit
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
