// Package health aggregates job store, queue and application database status.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
	"document-job-queue/internal/telemetry"
)

// Status is a health tier. The zero value is not a valid status.
type Status string

const (
	Healthy   Status = "healthy"
	Warning   Status = "warning"
	Critical  Status = "critical"
	Unhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case Healthy:
		return 0
	case Warning:
		return 1
	case Critical:
		return 2
	default:
		return 3
	}
}

// HTTPStatus maps a tier onto the health endpoint's response code.
func (s Status) HTTPStatus() int {
	switch s {
	case Healthy, Warning:
		return http.StatusOK
	case Critical:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// Worst returns the most severe status, Healthy for none.
func Worst(statuses ...Status) Status {
	out := Healthy
	for _, s := range statuses {
		if s.rank() > out.rank() {
			out = s
		}
	}
	return out
}

// Component names.
const (
	ComponentQueueStorage = "queue-storage"
	ComponentQueue        = "queue"
	ComponentDatabase     = "database"
)

// Components lists every component in report order.
var Components = []string{ComponentQueueStorage, ComponentQueue, ComponentDatabase}

// ComponentHealth is the result of one check.
type ComponentHealth struct {
	Component      string         `json:"component"`
	Status         Status         `json:"status"`
	Message        string         `json:"message"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Details        map[string]any `json:"details,omitempty"`
	CheckedAt      time.Time      `json:"checkedAt"`
}

// Summary counts degraded components and suggests what to look at.
type Summary struct {
	CriticalIssues  int      `json:"criticalIssues"`
	Warnings        int      `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// Report is the composite health snapshot.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Summary    Summary                    `json:"summary"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Thresholds tune the classification of each check.
type Thresholds struct {
	LatencyWarning    time.Duration
	LatencyCritical   time.Duration
	PoolWarning       float64
	PoolCritical      float64
	BacklogWarning    int64
	BacklogCritical   int64
	ErrorRateWarning  float64
	ErrorRateCritical float64
	// StalledAfter is how long an active job may go without log activity; zero skips the check.
	StalledAfter time.Duration
	CheckTimeout time.Duration
}

var DefaultThresholds = Thresholds{
	LatencyWarning:    500 * time.Millisecond,
	LatencyCritical:   time.Second,
	PoolWarning:       0.7,
	PoolCritical:      0.9,
	BacklogWarning:    100,
	BacklogCritical:   500,
	ErrorRateWarning:  0.1,
	ErrorRateCritical: 0.25,
	StalledAfter:      15 * time.Minute,
	CheckTimeout:      5 * time.Second,
}

// QueueStore is the part of the job store the monitor reads.
type QueueStore interface {
	store.Pinger
	CountByState(ctx context.Context, queue string) (models.StateCounts, error)
	FindStalled(ctx context.Context, startedBefore, quietSince time.Time) ([]models.Job, error)
}

// Monitor runs health checks. It never writes.
type Monitor struct {
	queue    QueueStore
	database store.Pinger
	th       Thresholds
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(m *Monitor) { m.log = l } }

// NewMonitor builds a monitor. database may be the job store itself when there is no separate application database.
func NewMonitor(queue QueueStore, database store.Pinger, th Thresholds, opts ...Option) *Monitor {
	if th.CheckTimeout <= 0 {
		th.CheckTimeout = DefaultThresholds.CheckTimeout
	}
	m := &Monitor{queue: queue, database: database, th: th, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckQueueStorageHealth measures the round trip to the job store database and its pool pressure.
func (m *Monitor) CheckQueueStorageHealth(ctx context.Context) ComponentHealth {
	return m.probe(ctx, ComponentQueueStorage, m.queue)
}

// CheckDatabaseHealth runs the same probe against the primary application database.
func (m *Monitor) CheckDatabaseHealth(ctx context.Context) ComponentHealth {
	return m.probe(ctx, ComponentDatabase, m.database)
}

func (m *Monitor) probe(ctx context.Context, component string, p store.Pinger) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.th.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	elapsed := time.Since(start)
	h := ComponentHealth{
		Component:      component,
		ResponseTimeMs: elapsed.Milliseconds(),
		CheckedAt:      m.now(),
	}
	if err != nil {
		h.Status = Unhealthy
		h.Message = fmt.Sprintf("unreachable: %v", err)
		return h
	}

	pool := p.PoolStats()
	util := pool.Utilization()
	h.Details = map[string]any{
		"acquiredConnections": pool.Acquired,
		"idleConnections":     pool.Idle,
		"maxConnections":      pool.Max,
		"poolUtilization":     util,
	}

	latency := Healthy
	switch {
	case elapsed >= m.th.LatencyCritical:
		latency = Critical
	case elapsed >= m.th.LatencyWarning:
		latency = Warning
	}
	pressure := Healthy
	switch {
	case util >= m.th.PoolCritical:
		pressure = Critical
	case util >= m.th.PoolWarning:
		pressure = Warning
	}
	h.Status = Worst(latency, pressure)
	switch {
	case h.Status == Healthy:
		h.Message = "responding normally"
	case pressure.rank() >= latency.rank():
		h.Message = fmt.Sprintf("connection pool %.0f%% utilized", util*100)
	default:
		h.Message = fmt.Sprintf("slow response: %s", elapsed.Round(time.Millisecond))
	}
	return h
}

// CheckQueueHealth classifies backlog and error ratio independently and reports the worse.
// Stalled active jobs raise the result to at least a warning.
func (m *Monitor) CheckQueueHealth(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.th.CheckTimeout)
	defer cancel()

	start := time.Now()
	counts, err := m.queue.CountByState(ctx, "")
	h := ComponentHealth{Component: ComponentQueue, CheckedAt: m.now()}
	h.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		h.Status = Unhealthy
		h.Message = fmt.Sprintf("job store unreachable: %v", err)
		return h
	}

	backlog := counts.Waiting() + counts[models.StateActive]
	total := counts.Total()
	var errorRate float64
	if total > 0 {
		errorRate = float64(counts[models.StateFailed]) / float64(total)
	}

	backlogStatus := Healthy
	switch {
	case backlog >= m.th.BacklogCritical:
		backlogStatus = Critical
	case backlog >= m.th.BacklogWarning:
		backlogStatus = Warning
	}
	errorStatus := Healthy
	switch {
	case errorRate >= m.th.ErrorRateCritical:
		errorStatus = Critical
	case errorRate >= m.th.ErrorRateWarning:
		errorStatus = Warning
	}

	h.Details = map[string]any{
		"backlog":   backlog,
		"errorRate": errorRate,
		"byState":   counts,
		"total":     total,
	}
	h.Status = Worst(backlogStatus, errorStatus)

	if m.th.StalledAfter > 0 {
		cutoff := m.now().Add(-m.th.StalledAfter)
		stalled, err := m.queue.FindStalled(ctx, cutoff, cutoff)
		if err != nil {
			m.log.Warn("stalled job lookup failed", slog.Any("error", err))
		} else {
			h.Details["stalled"] = len(stalled)
			if len(stalled) > 0 {
				h.Status = Worst(h.Status, Warning)
			}
		}
	}

	switch {
	case h.Status == Healthy:
		h.Message = fmt.Sprintf("%d jobs in backlog", backlog)
	case errorStatus.rank() > backlogStatus.rank():
		h.Message = fmt.Sprintf("error rate %.1f%%", errorRate*100)
	case backlogStatus != Healthy:
		h.Message = fmt.Sprintf("backlog of %d jobs", backlog)
	default:
		h.Message = fmt.Sprintf("%v stalled active jobs", h.Details["stalled"])
	}
	return h
}

// GetOverallHealth runs every check concurrently and reports the worst status.
func (m *Monitor) GetOverallHealth(ctx context.Context) Report {
	results := make([]ComponentHealth, len(Components))
	var g errgroup.Group
	g.Go(func() error { results[0] = m.CheckQueueStorageHealth(ctx); return nil })
	g.Go(func() error { results[1] = m.CheckQueueHealth(ctx); return nil })
	g.Go(func() error { results[2] = m.CheckDatabaseHealth(ctx); return nil })
	_ = g.Wait()

	r := Report{
		Status:     Healthy,
		Components: make(map[string]ComponentHealth, len(results)),
		Timestamp:  m.now(),
	}
	r.Summary.Recommendations = []string{}
	for _, c := range results {
		r.Components[c.Component] = c
		r.Status = Worst(r.Status, c.Status)
		switch c.Status {
		case Critical, Unhealthy:
			r.Summary.CriticalIssues++
		case Warning:
			r.Summary.Warnings++
		}
		if rec, ok := recommendations[recKey{c.Component, c.Status}]; ok {
			r.Summary.Recommendations = append(r.Summary.Recommendations, rec)
		}
		telemetry.HealthStatus.WithLabelValues(c.Component).Set(float64(c.Status.rank()))
	}
	if r.Status != Healthy {
		m.log.Warn("health degraded",
			slog.String("status", string(r.Status)),
			slog.Int("critical", r.Summary.CriticalIssues),
			slog.Int("warnings", r.Summary.Warnings))
	}
	return r
}

// Check runs a single named component check.
func (m *Monitor) Check(ctx context.Context, component string) (ComponentHealth, error) {
	switch component {
	case ComponentQueueStorage:
		return m.CheckQueueStorageHealth(ctx), nil
	case ComponentQueue:
		return m.CheckQueueHealth(ctx), nil
	case ComponentDatabase:
		return m.CheckDatabaseHealth(ctx), nil
	}
	return ComponentHealth{}, fmt.Errorf("unknown health component %q", component)
}

// QuickHealthCheck is a single ping for liveness probes.
func (m *Monitor) QuickHealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.th.CheckTimeout)
	defer cancel()
	return m.queue.Ping(ctx) == nil
}

type recKey struct {
	component string
	status    Status
}

var recommendations = map[recKey]string{
	{ComponentQueueStorage, Warning}:   "Job store database is slow or its pool is filling up; check long running queries and pool size.",
	{ComponentQueueStorage, Critical}:  "Job store connection pool is nearly exhausted; scale the pool or reduce worker concurrency.",
	{ComponentQueueStorage, Unhealthy}: "Job store database is unreachable; check database availability and credentials.",
	{ComponentQueue, Warning}:          "Queue backlog or failure rate is elevated; consider adding workers and review recent job errors.",
	{ComponentQueue, Critical}:         "Queue is heavily backlogged or failing; scale workers and inspect failed jobs immediately.",
	{ComponentQueue, Unhealthy}:        "Queue statistics are unavailable; the job store cannot be queried.",
	{ComponentDatabase, Warning}:       "Application database is slow; check load and connection usage.",
	{ComponentDatabase, Critical}:      "Application database connection pool is nearly exhausted.",
	{ComponentDatabase, Unhealthy}:     "Application database is unreachable; check database availability.",
}
