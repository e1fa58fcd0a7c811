package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"document-job-queue/internal/health"
	"document-job-queue/internal/models"
	"document-job-queue/internal/queue"
	"document-job-queue/internal/ratelimit"
	"document-job-queue/internal/store"
	"document-job-queue/internal/telemetry"
)

// unavailableRetry is the retryAfter hint sent with 503 responses.
const unavailableRetry = 30 * time.Second

// Server wires HTTP handlers for the producer API.
type Server struct {
	queue          *queue.Manager
	health         *health.Monitor
	queues         []string
	enqueueTimeout time.Duration
	log            *slog.Logger
}

type Option func(*Server)

// WithEnqueueTimeout bounds admission plus insert for one request.
func WithEnqueueTimeout(d time.Duration) Option { return func(s *Server) { s.enqueueTimeout = d } }
func WithLogger(l *slog.Logger) Option          { return func(s *Server) { s.log = l } }

// New constructs the API server.
func New(mgr *queue.Manager, mon *health.Monitor, opts ...Option) *Server {
	s := &Server{
		queue:          mgr,
		health:         mon,
		queues:         []string{models.QueueOCR, models.QueueReport},
		enqueueTimeout: 3 * time.Second,
		log:            slog.Default(),
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

	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ocr/jobs", s.handleEnqueueOCR)
		r.Post("/reports/jobs", s.handleEnqueueReport)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/queue/stats", s.handleStats)
	})
	return r
}

type ocrRequest struct {
	models.OCRPayload
	Priority string `json:"priority,omitempty"`
}

type reportRequest struct {
	models.ReportPayload
	Priority string `json:"priority,omitempty"`
}

type envelope struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	Details    any    `json:"details,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

type enqueueData struct {
	JobID                   string        `json:"jobId"`
	Status                  string        `json:"status"`
	Priority                string        `json:"priority"`
	EstimatedProcessingTime int64         `json:"estimatedProcessingTime"`
	QueuePosition           int64         `json:"queuePosition"`
	Billing                 queue.Billing `json:"billing"`
	Existing                bool          `json:"existing,omitempty"`
}

type conflictData struct {
	JobID    string          `json:"jobId"`
	Status   models.JobState `json:"status"`
	Progress int             `json:"progress"`
}

type creditDetails struct {
	Required        float64 `json:"required"`
	IsSurgePeriod   bool    `json:"isSurgePeriod"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
}

func (s *Server) handleEnqueueOCR(w http.ResponseWriter, r *http.Request) {
	var req ocrRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.enqueue(w, r, req.OCRPayload, req.Priority)
}

func (s *Server) handleEnqueueReport(w http.ResponseWriter, r *http.Request) {
	req := reportRequest{ReportPayload: models.ReportPayload{Format: models.ReportPDF}}
	if !decodeBody(w, r, &req) {
		return
	}
	s.enqueue(w, r, req.ReportPayload, req.Priority)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, p models.Payload, priority string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.enqueueTimeout)
	defer cancel()

	res, err := s.queue.Enqueue(ctx, p, queue.EnqueueOptions{Priority: priority})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	if res.Existing && res.Job.State == models.StateActive {
		writeJSON(w, http.StatusConflict, envelope{
			Error: "Document is already being processed",
			Data:  conflictData{JobID: res.Job.ID, Status: res.Job.State, Progress: res.Job.Progress},
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: enqueueData{
		JobID:                   res.Job.ID,
		Status:                  "queued",
		Priority:                models.PriorityName(res.Priority),
		EstimatedProcessingTime: int64(res.EstimatedProcessingTime / time.Second),
		QueuePosition:           res.QueuePosition,
		Billing:                 res.Billing,
		Existing:                res.Existing,
	}})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	var (
		verr *queue.ValidationError
		adm  *queue.AdmissionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, envelope{Error: verr.Error(), Code: "VALIDATION_ERROR"})
	case errors.As(err, &adm) && adm.Reason == ratelimit.ReasonInsufficientCredits:
		writeJSON(w, http.StatusPaymentRequired, envelope{
			Error: "Insufficient credits",
			Code:  string(adm.Reason),
			Details: creditDetails{
				Required:        adm.Billing.CreditsRequired,
				IsSurgePeriod:   adm.Billing.IsSurgePeriod,
				SurgeMultiplier: adm.Billing.SurgeMultiplier,
			},
		})
	case errors.As(err, &adm):
		secs := retrySeconds(adm.RetryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, envelope{Error: string(adm.Reason), RetryAfter: &secs})
	default:
		s.log.Error("enqueue failed", slog.Any("error", err))
		s.writeUnavailable(w)
	}
}

func (s *Server) writeUnavailable(w http.ResponseWriter) {
	secs := retrySeconds(unavailableRetry)
	retryable := true
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusServiceUnavailable, envelope{Code: "QUEUE_UNAVAILABLE", Retryable: &retryable, RetryAfter: &secs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: job})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), id); err != nil {
		s.writeLookupError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "limit must be a positive integer", Code: "VALIDATION_ERROR"})
			return
		}
		limit = min(n, 1000)
	}
	logs, err := s.queue.Logs(r.Context(), id, limit)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if logs == nil {
		logs = []models.JobLogEntry{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: logs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, envelope{
			Error: fmt.Sprintf("job is %s and can no longer be cancelled", job.State),
			Code:  "INVALID_STATE",
		})
		return
	}
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: job})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), s.queues)
	if err != nil {
		s.log.Error("queue stats failed", slog.Any("error", err))
		s.writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "job not found", Code: "NOT_FOUND"})
		return
	}
	s.log.Error("job lookup failed", slog.Any("error", err))
	s.writeUnavailable(w)
}

// handleHealth serves the full report, one component, or a quick liveness answer.
// HEAD requests get the status header only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		status health.Status
		body   any
	)
	switch {
	case q.Get("quick") == "true":
		alive := s.health.QuickHealthCheck(ctx)
		status = health.Healthy
		if !alive {
			status = health.Unhealthy
		}
		body = map[string]any{"alive": alive, "status": status}
	case q.Get("component") != "":
		c, err := s.health.Check(ctx, q.Get("component"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error(), Code: "VALIDATION_ERROR"})
			return
		}
		status, body = c.Status, c
	default:
		rep := s.health.GetOverallHealth(ctx)
		status, body = rep.Status, rep
	}

	w.Header().Set("X-Health-Status", string(status))
	if r.Method == http.MethodHead {
		w.WriteHeader(status.HTTPStatus())
		return
	}
	writeJSON(w, status.HTTPStatus(), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid json: " + err.Error(), Code: "VALIDATION_ERROR"})
		return false
	}
	return true
}

func retrySeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
