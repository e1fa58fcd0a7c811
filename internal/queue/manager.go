// Package queue is the producer side of the job queue: admission, priority and singleton handling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"document-job-queue/internal/models"
	"document-job-queue/internal/ratelimit"
	"document-job-queue/internal/store"
	"document-job-queue/internal/telemetry"
)

const tracerName = "document-job-queue/internal/queue"

// Store is the subset of the job store the manager needs.
type Store interface {
	store.Jobs
	store.Stats
}

// Config is the enqueue policy.
type Config struct {
	RetryLimit int
	// MaxQueueDepth bounds waiting jobs per queue; zero disables the check.
	MaxQueueDepth      int64
	QueueFullRetry     time.Duration
	DefaultJobDuration time.Duration
	WorkerConcurrency  int
	// BaseCredits is the pre-surge price of one job, by queue.
	BaseCredits map[string]float64
	// SurgeBoost promotes jobs without an explicit priority to high during surge.
	SurgeBoost bool
}

// DefaultConfig mirrors the environment defaults.
var DefaultConfig = Config{
	RetryLimit:         3,
	MaxQueueDepth:      10000,
	QueueFullRetry:     30 * time.Second,
	DefaultJobDuration: 30 * time.Second,
	WorkerConcurrency:  4,
	BaseCredits:        map[string]float64{models.QueueOCR: 1, models.QueueReport: 2},
	SurgeBoost:         true,
}

// EnqueueOptions are per-call overrides.
type EnqueueOptions struct {
	// Priority is a named priority; empty lets the manager decide.
	Priority string
	// SingletonKey overrides the payload's dedupe key.
	SingletonKey string
	// NoSingleton disables deduplication for this job.
	NoSingleton bool
	StartAfter  time.Time
	RetryLimit  *int
}

// EnqueueResult describes the stored job. Existing is set when a live singleton answered the call.
type EnqueueResult struct {
	Job                     models.Job
	Existing                bool
	Priority                int
	QueuePosition           int64
	EstimatedProcessingTime time.Duration
	Billing                 Billing
}

// Manager admits jobs and writes them to the store.
type Manager struct {
	store   Store
	limiter *ratelimit.Limiter
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.log = l } }
func WithTracer(t trace.Tracer) Option      { return func(m *Manager) { m.tracer = t } }

func NewManager(st Store, limiter *ratelimit.Limiter, cfg Config, opts ...Option) *Manager {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.DefaultJobDuration <= 0 {
		cfg.DefaultJobDuration = DefaultConfig.DefaultJobDuration
	}
	if cfg.QueueFullRetry <= 0 {
		cfg.QueueFullRetry = DefaultConfig.QueueFullRetry
	}
	if cfg.BaseCredits == nil {
		cfg.BaseCredits = DefaultConfig.BaseCredits
	}
	m := &Manager{
		store:   st,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueRaw decodes raw as the payload registered for queue and enqueues it.
func (m *Manager) EnqueueRaw(ctx context.Context, queue string, raw json.RawMessage, opts EnqueueOptions) (EnqueueResult, error) {
	p, err := models.DecodePayload(queue, raw)
	if err != nil {
		return EnqueueResult{}, &ValidationError{Err: err}
	}
	return m.Enqueue(ctx, p, opts)
}

// Enqueue runs admission, picks a priority and stores the job. A live job with the same
// singleton key is returned as is, with Existing set, and the rate window is not consumed.
func (m *Manager) Enqueue(ctx context.Context, p models.Payload, opts EnqueueOptions) (res EnqueueResult, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.enqueue",
		trace.WithAttributes(
			attribute.String("queue.name", p.Queue()),
			attribute.String("queue.org_id", p.Organization()),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("queue.job_id", res.Job.ID), attribute.Bool("queue.existing", res.Existing))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := p.Validate(); err != nil {
		return EnqueueResult{}, &ValidationError{Err: err}
	}
	var explicit *int
	if opts.Priority != "" {
		v, err := models.ParsePriority(opts.Priority)
		if err != nil {
			return EnqueueResult{}, &ValidationError{Err: err}
		}
		explicit = &v
	}
	raw, err := models.EncodePayload(p)
	if err != nil {
		return EnqueueResult{}, &ValidationError{Err: err}
	}
	queue, org := p.Queue(), p.Organization()

	decision, err := m.limiter.CheckLimit(ctx, ratelimit.Request{OrgID: org, BaseCredits: m.cfg.BaseCredits[queue]})
	billing := Billing{CreditsRequired: decision.Required, IsSurgePeriod: decision.IsSurge, SurgeMultiplier: decision.Multiplier}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: admission: %w", ErrQueueUnavailable, err)
	}
	if !decision.Allowed {
		telemetry.AdmissionRejects.WithLabelValues(string(decision.Reason)).Inc()
		m.log.Info("enqueue rejected",
			slog.String("queue", queue), slog.String("org_id", org),
			slog.String("reason", string(decision.Reason)), slog.Duration("retry_after", decision.RetryAfter))
		return EnqueueResult{}, &AdmissionError{Reason: decision.Reason, RetryAfter: decision.RetryAfter, Billing: billing}
	}

	counts, err := m.store.CountByState(ctx, queue)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	if m.cfg.MaxQueueDepth > 0 && counts.Waiting() >= m.cfg.MaxQueueDepth {
		telemetry.AdmissionRejects.WithLabelValues(string(ReasonQueueFull)).Inc()
		return EnqueueResult{}, &AdmissionError{Reason: ReasonQueueFull, RetryAfter: m.cfg.QueueFullRetry, Billing: billing}
	}

	priority := models.PriorityNormal
	switch {
	case explicit != nil:
		priority = *explicit
	case decision.IsSurge && m.cfg.SurgeBoost:
		priority = models.PriorityHigh
	}

	key := opts.SingletonKey
	if key == "" && !opts.NoSingleton {
		key = p.DedupeKey()
	}
	retryLimit := m.cfg.RetryLimit
	if opts.RetryLimit != nil {
		retryLimit = *opts.RetryLimit
	}

	job, err := m.store.Insert(ctx, store.InsertParams{
		QueueName:    queue,
		OrgID:        org,
		Payload:      raw,
		Priority:     priority,
		RetryLimit:   retryLimit,
		StartAfter:   opts.StartAfter,
		SingletonKey: key,
	})
	existing := errors.Is(err, store.ErrDuplicateSingleton)
	if err != nil && !existing {
		return EnqueueResult{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	if existing {
		telemetry.DuplicateEnqueues.WithLabelValues(queue).Inc()
		m.log.Info("singleton job already live",
			slog.String("job_id", job.ID), slog.String("queue", queue), slog.String("state", string(job.State)))
	} else {
		telemetry.EnqueueCounter.WithLabelValues(queue, models.PriorityName(priority)).Inc()
		if err := m.limiter.IncrementCounter(ctx, org); err != nil {
			telemetry.SideEffectFailures.WithLabelValues("rate_limit_increment").Inc()
			m.log.Warn("rate limit increment failed", slog.String("org_id", org), slog.Any("error", err))
		}
		m.log.Info("job enqueued",
			slog.String("job_id", job.ID), slog.String("queue", queue), slog.String("org_id", org),
			slog.Int("priority", priority), slog.Bool("surge", decision.IsSurge))
	}

	position := counts.Waiting() + 1
	if existing && !job.State.Claimable() {
		position = 0
	}
	return EnqueueResult{
		Job:                     job,
		Existing:                existing,
		Priority:                job.Priority,
		QueuePosition:           position,
		EstimatedProcessingTime: m.estimate(ctx, queue, position),
		Billing:                 billing,
	}, nil
}

// estimate is the recent average runtime scaled by how many rounds of workers are ahead.
func (m *Manager) estimate(ctx context.Context, queue string, position int64) time.Duration {
	avg, ok, err := m.store.AverageDuration(ctx, queue, m.now().Add(-24*time.Hour))
	if err != nil {
		m.log.Debug("average duration unavailable", slog.String("queue", queue), slog.Any("error", err))
	}
	if err != nil || !ok || avg <= 0 {
		avg = m.cfg.DefaultJobDuration
	}
	rounds := float64(position)/float64(m.cfg.WorkerConcurrency) + 1
	return time.Duration(float64(avg) * rounds).Round(time.Second)
}

// GetJob returns a job for status polling.
func (m *Manager) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return models.Job{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return job, err
}

// Logs returns recent log rows for a job.
func (m *Manager) Logs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error) {
	return m.store.Logs(ctx, id, limit)
}

// Cancel cancels a job that has not been claimed yet.
func (m *Manager) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, err := m.store.Cancel(ctx, id)
	if err != nil {
		return job, err
	}
	m.log.Info("job cancelled", slog.String("job_id", id), slog.String("queue", job.QueueName))
	return job, nil
}

// QueueStats is the per-queue state breakdown.
type QueueStats struct {
	Queue   string             `json:"queue"`
	ByState models.StateCounts `json:"byState"`
	Waiting int64              `json:"waiting"`
}

// Stats counts jobs per state for each queue and refreshes the depth gauges.
func (m *Manager) Stats(ctx context.Context, queues []string) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		counts, err := m.store.CountByState(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
		}
		for _, st := range models.AllStates {
			telemetry.QueueDepthGauge.WithLabelValues(q, string(st)).Set(float64(counts[st]))
		}
		out = append(out, QueueStats{Queue: q, ByState: counts, Waiting: counts.Waiting()})
	}
	return out, nil
}
