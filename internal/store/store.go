package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"document-job-queue/internal/models"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateSingleton is returned by Insert when a non-terminal job already holds
	// the (queue, singleton key) pair. The existing job is returned alongside it.
	ErrDuplicateSingleton = errors.New("duplicate singleton job")
	// ErrClaimConflict means the caller no longer owns the job it tried to finish.
	ErrClaimConflict = errors.New("job is not active")
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStorageUnavailable wraps transport level failures talking to the database.
	ErrStorageUnavailable = errors.New("job storage unavailable")
	// ErrNotTerminal guards the cleanup deletes against live states.
	ErrNotTerminal = errors.New("state is not terminal")
)

// InsertParams collects inputs required to insert a job.
type InsertParams struct {
	QueueName    string
	OrgID        string
	Payload      json.RawMessage
	Priority     int
	RetryLimit   int
	StartAfter   time.Time
	SingletonKey string
}

// Jobs is the producer and worker facing half of the store.
type Jobs interface {
	// Insert creates a job in the created state. On ErrDuplicateSingleton the live job
	// holding the singleton key is returned with the error.
	Insert(ctx context.Context, p InsertParams) (models.Job, error)
	// ClaimNext moves the best eligible job of queue to active. It returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, queue, workerID string) (*models.Job, error)
	Complete(ctx context.Context, id string, output json.RawMessage) (models.Job, error)
	Fail(ctx context.Context, id string, output json.RawMessage, retryable bool) (models.Job, error)
	Cancel(ctx context.Context, id string) (models.Job, error)
	// Release puts an active job back to retry without spending its retry budget.
	Release(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, percent int, stage string) error
	AppendLog(ctx context.Context, entry models.JobLogEntry) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	Logs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error)
}

// Stats is the read-only aggregate view used by the queue manager, health and cleanup.
type Stats interface {
	// CountByState counts jobs per state; an empty queue counts every queue.
	CountByState(ctx context.Context, queue string) (models.StateCounts, error)
	Statistics(ctx context.Context) (models.Statistics, error)
	// AverageDuration is the mean started-to-completed time of jobs completed since since.
	// ok is false when no job qualifies.
	AverageDuration(ctx context.Context, queue string, since time.Time) (avg time.Duration, ok bool, err error)
	FindStalled(ctx context.Context, startedBefore, quietSince time.Time) ([]models.Job, error)
}

// Maintenance holds the bounded batch operations run by cleanup.
type Maintenance interface {
	// ExpireUnclaimed moves created and retry jobs whose keep_until passed to expired.
	ExpireUnclaimed(ctx context.Context) (int64, error)
	CountUnclaimedPastKeepUntil(ctx context.Context) (int64, error)
	CountTerminalOlderThan(ctx context.Context, state models.JobState, cutoff time.Time) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, state models.JobState, cutoff time.Time, batchSize int) (int64, error)
	CountLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	CountExpiredByKeepUntil(ctx context.Context) (int64, error)
	DeleteExpiredByKeepUntil(ctx context.Context, batchSize int) (int64, error)
}

// PoolStats describes connection pool pressure.
type PoolStats struct {
	Acquired int32
	Idle     int32
	Max      int32
}

// Utilization is the share of the pool currently checked out.
func (p PoolStats) Utilization() float64 {
	if p.Max <= 0 {
		return 0
	}
	return float64(p.Acquired) / float64(p.Max)
}

// Pinger is implemented by anything the health monitor can probe.
type Pinger interface {
	Ping(ctx context.Context) error
	PoolStats() PoolStats
}

// Locker provides a cross-process mutex for singleton background work.
type Locker interface {
	TryLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

// JobStore is the full durable store.
type JobStore interface {
	Jobs
	Stats
	Maintenance
	Pinger
}

// Retention is the keep_until policy applied on insert and terminal transitions.
type Retention struct {
	Created   time.Duration
	Completed time.Duration
	Failed    time.Duration
}

// DefaultRetention keeps unclaimed jobs two weeks, finished jobs a week and failures a month.
var DefaultRetention = Retention{
	Created:   14 * 24 * time.Hour,
	Completed: 7 * 24 * time.Hour,
	Failed:    30 * 24 * time.Hour,
}

// For returns the retention applied when a job enters state.
func (r Retention) For(state models.JobState) time.Duration {
	switch state {
	case models.StateFailed:
		return r.Failed
	case models.StateCompleted, models.StateCancelled, models.StateExpired:
		return r.Completed
	default:
		return r.Created
	}
}

// Options are shared by every JobStore implementation.
type Options struct {
	Retention Retention
	Backoff   Backoff
	Now       func() time.Time
	Logger    *slog.Logger
}

// Option configures a store.
type Option func(*Options)

// WithRetention overrides the keep_until policy.
func WithRetention(r Retention) Option {
	return func(o *Options) { o.Retention = r }
}

// WithBackoff overrides the retry backoff policy.
func WithBackoff(b Backoff) Option {
	return func(o *Options) { o.Backoff = b }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// ApplyOptions resolves opts over the defaults.
func ApplyOptions(opts ...Option) Options {
	o := Options{
		Retention: DefaultRetention,
		Backoff:   DefaultBackoff,
		Now:       time.Now,
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
