// Package cleanup enforces retention on jobs, job logs and rate-limit windows.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
	"document-job-queue/internal/telemetry"
)

// lockKey is the advisory lock that elects one cleaning process.
const lockKey int64 = 0x6a6f6273636c6e // "jobscln"

// Store is the part of the job store cleanup needs.
type Store interface {
	store.Maintenance
	Statistics(ctx context.Context) (models.Statistics, error)
}

// WindowCleaner drops stale rate-limit windows.
type WindowCleaner interface {
	CleanupOldWindows(ctx context.Context) (int64, error)
}

// Category names a class of rows removed by cleanup.
type Category string

const (
	Completed Category = "completed"
	Failed    Category = "failed"
	Cancelled Category = "cancelled"
	Expired   Category = "expired"
	Logs      Category = "logs"
	KeepUntil Category = "keep_until"
)

// Categories in the order they run.
var Categories = []Category{Completed, Failed, Cancelled, Expired, Logs, KeepUntil}

type Config struct {
	Retention     store.Retention
	LogRetention  time.Duration
	BatchSize     int
	AutoBatchSize int
	BatchPause    time.Duration
}

var DefaultConfig = Config{
	Retention:     store.DefaultRetention,
	LogRetention:  72 * time.Hour,
	BatchSize:     1000,
	AutoBatchSize: 500,
	BatchPause:    100 * time.Millisecond,
}

// Options are per-run overrides.
type Options struct {
	DryRun    bool
	BatchSize int
}

// Result reports what one run removed, or would remove on a dry run.
type Result struct {
	DryRun bool `json:"dryRun"`
	// Expired is the number of unclaimed jobs moved (or, on a dry run, that would move) to EXPIRED.
	Expired  int64              `json:"expired"`
	Deleted  map[Category]int64 `json:"deleted"`
	Total    int64              `json:"total"`
	Duration time.Duration      `json:"duration"`
	Errors   []string           `json:"errors,omitempty"`
}

// Service deletes rows past retention in bounded batches.
type Service struct {
	store   Store
	locker  store.Locker
	windows WindowCleaner
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.log = l } }

// WithWindows also drops stale rate-limit windows on scheduled runs.
func WithWindows(w WindowCleaner) Option { return func(s *Service) { s.windows = w } }

// NewService builds a service. locker gates Run; nil means every process cleans.
func NewService(st Store, locker store.Locker, cfg Config, opts ...Option) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.AutoBatchSize <= 0 {
		cfg.AutoBatchSize = DefaultConfig.AutoBatchSize
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultConfig.LogRetention
	}
	s := &Service{store: st, locker: locker, cfg: cfg, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type step struct {
	cat   Category
	count func(ctx context.Context) (int64, error)
	del   func(ctx context.Context, batch int) (int64, error)
}

func (s *Service) steps(now time.Time) []step {
	terminal := func(cat Category, state models.JobState, keep time.Duration) step {
		cutoff := now.Add(-keep)
		return step{
			cat:   cat,
			count: func(ctx context.Context) (int64, error) { return s.store.CountTerminalOlderThan(ctx, state, cutoff) },
			del: func(ctx context.Context, batch int) (int64, error) {
				return s.store.DeleteTerminalOlderThan(ctx, state, cutoff, batch)
			},
		}
	}
	logCutoff := now.Add(-s.cfg.LogRetention)
	return []step{
		terminal(Completed, models.StateCompleted, s.cfg.Retention.Completed),
		terminal(Failed, models.StateFailed, s.cfg.Retention.Failed),
		terminal(Cancelled, models.StateCancelled, s.cfg.Retention.Completed),
		terminal(Expired, models.StateExpired, s.cfg.Retention.Completed),
		{
			cat:   Logs,
			count: func(ctx context.Context) (int64, error) { return s.store.CountLogsOlderThan(ctx, logCutoff) },
			del: func(ctx context.Context, batch int) (int64, error) {
				return s.store.DeleteLogsOlderThan(ctx, logCutoff, batch)
			},
		},
		{
			cat:   KeepUntil,
			count: s.store.CountExpiredByKeepUntil,
			del:   s.store.DeleteExpiredByKeepUntil,
		},
	}
}

// CleanupOldJobs expires unclaimed jobs past keepUntil, then deletes each category in batches.
// A failing category is abandoned and reported; the remaining categories still run.
func (s *Service) CleanupOldJobs(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.cfg.BatchSize
	}
	res := Result{DryRun: opts.DryRun, Deleted: make(map[Category]int64, len(Categories))}
	var errs *multierror.Error

	expire := s.store.ExpireUnclaimed
	if opts.DryRun {
		expire = s.store.CountUnclaimedPastKeepUntil
	}
	n, err := expire(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("expire unclaimed: %w", err))
	}
	res.Expired = n

	for _, st := range s.steps(s.now()) {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		var (
			n   int64
			err error
		)
		if opts.DryRun {
			n, err = st.count(ctx)
			// A real run expires unclaimed rows first, which pushes their keep_until forward.
			if st.cat == KeepUntil && err == nil {
				n = max(0, n-res.Expired)
			}
		} else {
			n, err = s.drain(ctx, st, batch)
		}
		res.Deleted[st.cat] = n
		res.Total += n
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cleanup %s: %w", st.cat, err))
			s.log.Error("cleanup category failed", slog.String("category", string(st.cat)), slog.Int64("deleted", n), slog.Any("error", err))
		}
	}

	res.Duration = time.Since(start)
	if err := errs.ErrorOrNil(); err != nil {
		for _, e := range errs.Errors {
			res.Errors = append(res.Errors, e.Error())
		}
	}
	s.log.Info("cleanup finished",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int64("expired", res.Expired),
		slog.Int64("total", res.Total),
		slog.Duration("duration", res.Duration),
		slog.Int("errors", len(res.Errors)))
	return res, errs.ErrorOrNil()
}

func (s *Service) drain(ctx context.Context, st step, batch int) (int64, error) {
	var total int64
	for {
		n, err := st.del(ctx, batch)
		total += n
		telemetry.CleanupDeleted.WithLabelValues(string(st.cat)).Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < int64(batch) {
			return total, nil
		}
		if s.cfg.BatchPause > 0 {
			t := time.NewTimer(s.cfg.BatchPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return total, ctx.Err()
			case <-t.C:
			}
		}
	}
}

// AutoCleanup is the scheduled variant with the smaller batch size.
func (s *Service) AutoCleanup(ctx context.Context) (Result, error) {
	return s.CleanupOldJobs(ctx, Options{BatchSize: s.cfg.AutoBatchSize})
}

// GetQueueStatistics summarizes what is stored.
func (s *Service) GetQueueStatistics(ctx context.Context) (models.Statistics, error) {
	return s.store.Statistics(ctx)
}

// Run cleans on every tick while this process holds the cleanup lock.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scheduled pass. It reports whether this process held the lock.
func (s *Service) RunOnce(ctx context.Context) bool {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, lockKey)
		if err != nil {
			s.log.Warn("cleanup lock error", slog.Any("error", err))
			return false
		}
		if !ok {
			s.log.Debug("cleanup lock held elsewhere, skipping")
			return false
		}
		defer release()
	}

	if _, err := s.AutoCleanup(ctx); err != nil {
		s.log.Error("scheduled cleanup had failures", slog.Any("error", err))
	}
	if s.windows != nil {
		n, err := s.windows.CleanupOldWindows(ctx)
		if err != nil {
			s.log.Warn("rate limit window cleanup failed", slog.Any("error", err))
		} else if n > 0 {
			telemetry.CleanupDeleted.WithLabelValues("rate_limit_windows").Add(float64(n))
		}
	}
	return true
}
