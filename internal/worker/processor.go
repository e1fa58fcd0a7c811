package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"document-job-queue/internal/alert"
	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
	"document-job-queue/internal/telemetry"
)

const tracerName = "document-job-queue/internal/worker"

// Store is what the processor needs from the job store.
type Store interface {
	store.Jobs
	FindStalled(ctx context.Context, startedBefore, quietSince time.Time) ([]models.Job, error)
}

// Handler executes one claimed job and returns its output.
type Handler func(ctx context.Context, job models.Job, r Reporter) (any, error)

// Config controls the claim loop.
type Config struct {
	WorkerID      string
	Queues        []string
	Concurrency   int
	PollInterval  time.Duration
	PollJitter    time.Duration
	ShutdownGrace time.Duration
	// StalledThreshold enables the reaper when positive.
	StalledThreshold time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      Config
	store    Store
	handlers map[string]Handler
	alerter  alert.Alerter
	log      *slog.Logger
	tracer   trace.Tracer

	stopCh   chan struct{}
	abortCtx context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// Option configures a Processor.
type Option func(*Processor)

func WithAlerter(a alert.Alerter) Option { return func(p *Processor) { p.alerter = a } }
func WithLogger(l *slog.Logger) Option   { return func(p *Processor) { p.log = l } }
func WithTracer(t trace.Tracer) Option   { return func(p *Processor) { p.tracer = t } }

// NewProcessor creates a processor. An empty WorkerID falls back to the hostname and pid.
func NewProcessor(st Store, cfg Config, opts ...Option) *Processor {
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	abortCtx, abort := context.WithCancel(context.Background())
	p := &Processor{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		alerter:  alert.Nop{},
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		stopCh:   make(chan struct{}),
		abortCtx: abortCtx,
		abort:    abort,
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID identifies this process in claimed rows.
func (p *Processor) WorkerID() string { return p.cfg.WorkerID }

// RegisterHandler binds a handler to a queue.
func (p *Processor) RegisterHandler(queue string, handler Handler) {
	if queue == "" || handler == nil {
		return
	}
	p.handlers[queue] = handler
}

// Run claims and executes jobs until ctx is cancelled, then drains: in-flight jobs get
// ShutdownGrace to finish, after which they are cancelled and handed back to retry.
func (p *Processor) Run(ctx context.Context) error {
	queues := p.queues()
	if len(queues) == 0 {
		return errors.New("worker: no queues with registered handlers")
	}
	p.log.Info("worker starting",
		slog.String("worker_id", p.cfg.WorkerID),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Any("queues", queues))

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.claimLoop(queues, i)
	}
	if p.cfg.StalledThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	<-ctx.Done()
	p.drain()
	return nil
}

func (p *Processor) queues() []string {
	if len(p.cfg.Queues) == 0 {
		out := make([]string, 0, len(p.handlers))
		for q := range p.handlers {
			out = append(out, q)
		}
		return out
	}
	out := make([]string, 0, len(p.cfg.Queues))
	for _, q := range p.cfg.Queues {
		if _, ok := p.handlers[q]; ok {
			out = append(out, q)
		} else {
			p.log.Warn("no handler registered for queue, skipping", slog.String("queue", q))
		}
	}
	return out
}

func (p *Processor) drain() {
	p.log.Info("worker draining", slog.String("worker_id", p.cfg.WorkerID), slog.Duration("grace", p.cfg.ShutdownGrace))
	close(p.stopCh)
	defer p.abort()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		p.log.Info("worker stopped gracefully")
		return
	case <-timer.C:
	}

	ids := p.activeIDs()
	p.log.Warn("shutdown grace elapsed, cancelling active jobs", slog.Int("active", len(ids)))
	p.abort()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		// Handlers that ignore cancellation keep running; their rows go back to retry anyway.
		for _, id := range p.activeIDs() {
			p.release(id, "shutdown")
		}
	}
}

func (p *Processor) claimLoop(queues []string, offset int) {
	defer p.wg.Done()
	next := offset % len(queues)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		claimed := false
		for i := 0; i < len(queues); i++ {
			q := queues[(next+i)%len(queues)]
			job, err := p.store.ClaimNext(p.abortCtx, q, p.cfg.WorkerID)
			if err != nil {
				p.log.Error("claim failed", slog.String("queue", q), slog.Any("error", err))
				continue
			}
			if job == nil {
				continue
			}
			next = (next + i + 1) % len(queues)
			p.execute(*job)
			claimed = true
			break
		}
		if !claimed {
			p.sleep()
		}
	}
}

func (p *Processor) sleep() {
	d := p.cfg.PollInterval
	if p.cfg.PollJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.cfg.PollJitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stopCh:
	case <-t.C:
	}
}

func (p *Processor) execute(job models.Job) {
	ctx, cancel := context.WithCancel(p.abortCtx)
	defer cancel()
	p.track(job.ID, cancel)
	defer p.untrack(job.ID)

	ctx, span := p.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.queue", job.QueueName),
			attribute.String("job.org_id", job.OrgID),
			attribute.Int("job.retry_count", job.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.With(slog.String("job_id", job.ID), slog.String("queue", job.QueueName))
	rep := &reporter{store: p.store, job: job, log: log}
	rep.Log(ctx, models.LogInfo, "job started", map[string]any{
		"workerId": p.cfg.WorkerID, "attempt": job.RetryCount + 1,
	})

	start := time.Now()
	output, err := p.invoke(ctx, job, rep)
	telemetry.JobDuration.WithLabelValues(job.QueueName).Observe(time.Since(start).Seconds())

	// Final writes must survive the abort of the job context.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()

	if err != nil && p.abortCtx.Err() != nil {
		span.SetStatus(codes.Error, "aborted by shutdown")
		p.release(job.ID, "shutdown")
		return
	}

	if err == nil {
		p.complete(wctx, job, output, log)
		span.SetStatus(codes.Ok, "")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.fail(wctx, job, err, rep, log)
}

func (p *Processor) invoke(ctx context.Context, job models.Job, rep Reporter) (out any, err error) {
	handler, ok := p.handlers[job.QueueName]
	if !ok {
		return nil, fmt.Errorf("no handler registered for queue %q", job.QueueName)
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", slog.String("job_id", job.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, rep)
}

func (p *Processor) complete(ctx context.Context, job models.Job, output any, log *slog.Logger) {
	var raw json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			log.Error("marshal job output", slog.Any("error", err))
		} else {
			raw = b
		}
	}
	done, err := p.store.Complete(ctx, job.ID, raw)
	if err != nil {
		log.Error("complete job", slog.Any("error", err))
		return
	}
	telemetry.JobsCompleted.WithLabelValues(job.QueueName).Inc()
	if done.StartedOn != nil && done.CompletedOn != nil {
		log.Info("job completed", slog.Duration("duration", done.CompletedOn.Sub(*done.StartedOn)))
	}
}

type failureOutput struct {
	Classification
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

func (p *Processor) fail(ctx context.Context, job models.Job, cause error, rep *reporter, log *slog.Logger) {
	cls := Classify(cause)
	raw, _ := json.Marshal(failureOutput{Classification: cls, Error: cause.Error(), Attempt: job.RetryCount + 1})

	rep.Log(ctx, models.LogError, cause.Error(), map[string]any{
		"type": cls.Type, "code": cls.Code, "severity": cls.Severity, "retryable": cls.Retryable,
	})

	failed, err := p.store.Fail(ctx, job.ID, raw, cls.Retryable)
	if err != nil {
		log.Error("record job failure", slog.Any("error", err), slog.String("cause", cause.Error()))
		return
	}

	if failed.State == models.StateRetry {
		telemetry.JobsRetried.WithLabelValues(job.QueueName, string(cls.Type)).Inc()
		log.Warn("job failed, retry scheduled",
			slog.String("error", cause.Error()),
			slog.String("type", string(cls.Type)),
			slog.Int("retry_count", failed.RetryCount),
			slog.Time("start_after", failed.StartAfter))
	} else {
		telemetry.JobsFailed.WithLabelValues(job.QueueName, string(cls.Type)).Inc()
		log.Error("job failed permanently",
			slog.String("error", cause.Error()),
			slog.String("type", string(cls.Type)),
			slog.Int("retry_count", failed.RetryCount))
	}

	if cls.Severity == SeverityCritical {
		if err := p.alerter.Alert(ctx, alert.Alert{
			Severity:  string(cls.Severity),
			Component: "worker",
			Message:   fmt.Sprintf("%s: %s", cls.Type, cause.Error()),
			JobID:     job.ID,
			Queue:     job.QueueName,
			Attrs:     map[string]any{"worker_id": p.cfg.WorkerID},
		}); err != nil {
			telemetry.SideEffectFailures.WithLabelValues("alert").Inc()
			log.Warn("alert delivery failed", slog.Any("error", err))
		}
	}
}

func (p *Processor) release(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, id); err != nil {
		if !errors.Is(err, store.ErrClaimConflict) {
			p.log.Error("release job", slog.String("job_id", id), slog.Any("error", err))
		}
		return
	}
	telemetry.JobsReleased.WithLabelValues(reason).Inc()
	p.log.Info("job released to retry", slog.String("job_id", id), slog.String("reason", reason))
}

func (p *Processor) reaperLoop() {
	defer p.wg.Done()
	interval := max(p.cfg.StalledThreshold/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.ReleaseStalled(p.abortCtx); err != nil {
				p.log.Warn("stalled job sweep failed", slog.Any("error", err))
			}
		}
	}
}

// ReleaseStalled hands active jobs with no recent activity back to retry, skipping jobs this process runs.
func (p *Processor) ReleaseStalled(ctx context.Context) (int, error) {
	if p.cfg.StalledThreshold <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-p.cfg.StalledThreshold)
	stalled, err := p.store.FindStalled(ctx, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range stalled {
		if p.isActive(j.ID) {
			continue
		}
		p.release(j.ID, "stalled")
		n++
	}
	return n, nil
}

func (p *Processor) track(id string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[id] = cancel
	p.activeMu.Unlock()
}

func (p *Processor) untrack(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Processor) isActive(id string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[id]
	return ok
}

func (p *Processor) activeIDs() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
