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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/nats"
	"github.com/mtr002/jobworks/internal/websocket"
)

const (
	correlationHeader = "X-Correlation-ID"
	defaultBatchLimit = 10
	maxListLimit      = 1000
)

type ctxKey struct{}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	r.Handle("/metrics", promhttp.Handler())
	if s.opts.Hub != nil {
		r.Get("/ws", websocket.Handler(s.opts.Hub))
	}

	r.Group(func(r chi.Router) {
		r.Use(correlationMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})
		r.Get("/stats", s.handleStats)
		r.Post("/batch", s.handleRunBatch)
		r.Post("/cleanup", s.handleCleanup)
	})

	return r
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(correlationHeader, correlationID)

		logger.WithCorrelationID(correlationID).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Received request")

		ctx := context.WithValue(r.Context(), ctxKey{}, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

type createJobRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       *time.Time      `json:"run_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	log := logger.WithCorrelationID(getCorrelationID(r.Context()))

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid JSON request")
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, interfaces.ErrEmptyType.Error())
		return
	}

	opts := interfaces.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		RunAt:       req.RunAt,
	}

	var (
		job *interfaces.Job
		err error
	)
	if s.opts.NATS != nil {
		job, err = s.submitViaNATS(r.Context(), req, opts)
	} else {
		job, err = s.opts.Manager.Enqueue(r.Context(), req.Type, req.Payload, opts)
	}
	if err != nil {
		log.Error().Err(err).Str("type", req.Type).Msg("Failed to submit job")
		writeStoreError(w, err)
		return
	}

	log.Info().Str("job_id", job.ID).Msg("Job submitted successfully")
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) submitViaNATS(ctx context.Context, req createJobRequest, opts interfaces.EnqueueOptions) (*interfaces.Job, error) {
	reply, err := s.opts.NATS.SubmitJob(ctx, &nats.JobSubmissionMessage{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt,
	})
	if err != nil {
		return nil, err
	}
	return s.opts.Manager.GetJob(ctx, reply.JobID)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.ListFilter{Status: interfaces.JobStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	list, err := s.opts.Manager.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []*interfaces.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.opts.Manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.opts.Manager.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Manager.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"total":  counts.Total(),
	})
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "batch execution is not enabled on this server")
		return
	}

	limit := defaultBatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	res, err := s.opts.Runner.RunBatch(r.Context(), limit)
	if err != nil {
		logger.WithCorrelationID(getCorrelationID(r.Context())).Error().Err(err).
			Int("processed", res.Processed).Msg("Batch failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cleanupRequest struct {
	Retention string `json:"retention"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	retention, err := time.ParseDuration(req.Retention)
	if err != nil || retention < 0 {
		writeError(w, http.StatusBadRequest, "retention must be a non-negative duration such as 168h")
		return
	}

	n, err := s.opts.Manager.Cleanup(r.Context(), retention)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, interfaces.ErrEmptyType), errors.Is(err, interfaces.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, interfaces.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to encode response")
	}
}
