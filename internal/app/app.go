// Package app wires configuration into the components shared by the api, worker and queuectl binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"document-job-queue/internal/alert"
	"document-job-queue/internal/billing"
	"document-job-queue/internal/cleanup"
	"document-job-queue/internal/config"
	"document-job-queue/internal/health"
	"document-job-queue/internal/models"
	"document-job-queue/internal/queue"
	"document-job-queue/internal/ratelimit"
	"document-job-queue/internal/store"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Cfg      config.Config
	Log      *slog.Logger
	Store    *store.Postgres
	AppDB    *store.Postgres
	Credits  billing.Credits
	Surge    *billing.CachedSurge
	Limiter  *ratelimit.Limiter
	Manager  *queue.Manager
	Monitor  *health.Monitor
	Cleanup  *cleanup.Service
	Alerter  alert.Alerter
	redis    *redis.Client
	closers  []func()
}

// New connects to Postgres (and Redis when configured) and builds every component.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	st, err := store.New(ctx, cfg.PostgresDSN,
		store.WithLogger(log),
		store.WithBackoff(store.Backoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax, Jitter: store.DefaultBackoff.Jitter}),
		store.WithRetention(store.Retention{
			Created:   cfg.Retention.Created,
			Completed: cfg.Retention.Completed,
			Failed:    cfg.Retention.Failed,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect job store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	a.AppDB = st
	if cfg.AppDatabaseDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.AppDatabaseDSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect application database: %w", err)
		}
		a.AppDB = store.NewFromPool(pool)
		a.closers = append(a.closers, pool.Close)
	}

	if cfg.Credits.ServiceURL == "" {
		log.Warn("CREDITS_SERVICE_URL not set, credits are not metered")
		a.Credits = billing.Unmetered{}
	} else {
		a.Credits = billing.NewCreditsClient(cfg.Credits.ServiceURL, cfg.Credits.APIKey, cfg.CollaboratorTimeout)
	}

	calendar, err := billing.NewCalendarSurge(cfg.Surge.Start, cfg.Surge.End, cfg.Surge.Multiplier)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("surge window: %w", err)
	}
	a.Surge = billing.NewCachedSurge(calendar, cfg.Surge.CacheTTL)
	a.closers = append(a.closers, a.Surge.Stop)

	windows, err := a.windowStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Limiter = ratelimit.New(windows, a.Credits, a.Surge, ratelimit.Config{
		WindowSize:  cfg.RateLimit.WindowSize,
		MaxRequests: cfg.RateLimit.MaxRequests,
		SurgeFactor: cfg.RateLimit.SurgeFactor,
	}, ratelimit.WithLogger(log))

	a.Manager = queue.NewManager(st, a.Limiter, queue.Config{
		RetryLimit:         cfg.Queue.RetryLimit,
		MaxQueueDepth:      cfg.Queue.MaxDepth,
		QueueFullRetry:     queue.DefaultConfig.QueueFullRetry,
		DefaultJobDuration: cfg.Queue.DefaultJobDuration,
		WorkerConcurrency:  cfg.Worker.Concurrency,
		BaseCredits: map[string]float64{
			models.QueueOCR:    cfg.Credits.PerOCRJob,
			models.QueueReport: cfg.Credits.PerReport,
		},
		SurgeBoost: true,
	}, queue.WithLogger(log))

	a.Monitor = health.NewMonitor(st, a.AppDB, health.Thresholds{
		LatencyWarning:    cfg.Health.LatencyWarning,
		LatencyCritical:   cfg.Health.LatencyCritical,
		PoolWarning:       cfg.Health.PoolWarning,
		PoolCritical:      cfg.Health.PoolCritical,
		BacklogWarning:    cfg.Health.BacklogWarning,
		BacklogCritical:   cfg.Health.BacklogCritical,
		ErrorRateWarning:  cfg.Health.ErrorRateWarning,
		ErrorRateCritical: cfg.Health.ErrorRateCritical,
		StalledAfter:      cfg.Worker.StalledThreshold,
		CheckTimeout:      cfg.Health.CheckTimeout,
	}, health.WithLogger(log))

	a.Cleanup = cleanup.NewService(st, st, cleanup.Config{
		Retention:     store.Retention{Created: cfg.Retention.Created, Completed: cfg.Retention.Completed, Failed: cfg.Retention.Failed},
		LogRetention:  cfg.Retention.Logs,
		BatchSize:     cfg.Retention.BatchSize,
		AutoBatchSize: cfg.Retention.AutoBatchSize,
		BatchPause:    cfg.Retention.BatchPause,
	}, cleanup.WithLogger(log), cleanup.WithWindows(a.Limiter))

	a.Alerter = alert.NewThrottled(alert.NewLogAlerter(log), cfg.AlertsPerMinute, cfg.AlertBurst)
	return a, nil
}

func (a *App) windowStore() (ratelimit.WindowStore, error) {
	switch strings.ToLower(a.Cfg.RateLimit.Backend) {
	case "", "postgres":
		return ratelimit.NewPostgresWindows(a.Store.Pool()), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Cfg.RedisAddr,
			Password: a.Cfg.RedisPassword,
			DB:       a.Cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		return ratelimit.NewRedisWindows(a.redis, "ratelimit"), nil
	case "memory":
		return ratelimit.NewMemoryWindows(), nil
	}
	return nil, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", a.Cfg.RateLimit.Backend)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
