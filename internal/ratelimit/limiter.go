// Package ratelimit admits or rejects work per organization using a fixed-size window
// that resets once it is older than the window size, tightened during surge pricing.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"document-job-queue/internal/billing"
	"document-job-queue/internal/telemetry"
)

// Reason explains a rejected admission.
type Reason string

const (
	ReasonInsufficientCredits Reason = "INSUFFICIENT_CREDITS"
	ReasonRateLimitExceeded   Reason = "RATE_LIMIT_EXCEEDED"
)

// Window is one organization's current counting window.
type Window struct {
	OrgID string
	Start time.Time
	Count int
}

// WindowStore persists windows. Implementations reset a window in the same atomic step
// that reads it once now - start >= size.
type WindowStore interface {
	Current(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error)
	Increment(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config is the admission policy.
type Config struct {
	WindowSize  time.Duration
	MaxRequests int
	// SurgeFactor scales MaxRequests while surge pricing is active.
	SurgeFactor float64
}

// DefaultConfig allows 100 requests per hour, halved during surge.
var DefaultConfig = Config{WindowSize: time.Hour, MaxRequests: 100, SurgeFactor: 0.5}

// Request describes what the caller wants admitted.
type Request struct {
	OrgID string
	// BaseCredits is the price before the surge multiplier.
	BaseCredits float64
}

// Result is the admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetTime  time.Time
	RetryAfter time.Duration
	Reason     Reason

	Required   float64
	IsSurge    bool
	Multiplier float64
}

// Limiter combines credits, surge and the request window into one admission decision.
type Limiter struct {
	windows WindowStore
	credits billing.Credits
	surge   billing.Surge
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(l *Limiter) { l.log = log } }

// New builds a Limiter. A nil surge is treated as never surging.
func New(windows WindowStore, credits billing.Credits, surge billing.Surge, cfg Config, opts ...Option) *Limiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig.WindowSize
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig.MaxRequests
	}
	if cfg.SurgeFactor <= 0 || cfg.SurgeFactor > 1 {
		cfg.SurgeFactor = DefaultConfig.SurgeFactor
	}
	l := &Limiter{
		windows: windows,
		credits: credits,
		surge:   surge,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EffectiveLimit is the window ceiling, reduced during surge.
func (l *Limiter) EffectiveLimit(surge bool) int {
	if !surge {
		return l.cfg.MaxRequests
	}
	return max(1, int(math.Floor(float64(l.cfg.MaxRequests)*l.cfg.SurgeFactor)))
}

// SurgeState reports surge status and multiplier. Lookup failures fail open to no surge.
func (l *Limiter) SurgeState(ctx context.Context, at time.Time) (bool, float64) {
	if l.surge == nil {
		return false, 1
	}
	on, err := l.surge.IsSurgePeriod(ctx, at)
	if err != nil {
		l.log.Warn("surge lookup failed, assuming no surge", slog.Any("error", err))
		return false, 1
	}
	if !on {
		return false, 1
	}
	m, err := l.surge.SurgeMultiplier(ctx, at)
	if err != nil || m < 1 {
		l.log.Warn("surge multiplier lookup failed, using 1", slog.Any("error", err), slog.Float64("multiplier", m))
		return true, 1
	}
	return true, m
}

// CheckLimit decides whether req may enqueue one more job. It does not consume the window;
// callers invoke IncrementCounter after the job is stored.
func (l *Limiter) CheckLimit(ctx context.Context, req Request) (Result, error) {
	now := l.now()
	// Surge is resolved before credits because the credits check needs the multiplied price.
	surge, mult := l.SurgeState(ctx, now)
	limit := l.EffectiveLimit(surge)
	res := Result{
		Limit:      limit,
		Required:   req.BaseCredits * mult,
		IsSurge:    surge,
		Multiplier: mult,
	}

	if l.credits != nil {
		ok, err := l.credits.HasCredits(ctx, req.OrgID, res.Required)
		if err != nil {
			l.log.Warn("credits check failed, treating as no credits",
				slog.String("organization_id", req.OrgID), slog.Any("error", err))
			telemetry.CreditsUnavailable.Inc()
		}
		if err != nil || !ok {
			res.Reason = ReasonInsufficientCredits
			return res, nil
		}
	}

	w, err := l.windows.Current(ctx, req.OrgID, now, l.cfg.WindowSize)
	if err != nil {
		return res, fmt.Errorf("read rate limit window: %w", err)
	}
	res.ResetTime = w.Start.Add(l.cfg.WindowSize)
	if w.Count >= limit {
		res.Reason = ReasonRateLimitExceeded
		res.RetryAfter = res.ResetTime.Sub(now)
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - w.Count
	return res, nil
}

// IncrementCounter consumes one slot of the organization's window.
func (l *Limiter) IncrementCounter(ctx context.Context, orgID string) error {
	if _, err := l.windows.Increment(ctx, orgID, l.now(), l.cfg.WindowSize); err != nil {
		return fmt.Errorf("increment rate limit window: %w", err)
	}
	return nil
}

// CleanupOldWindows drops windows older than twice the window size.
func (l *Limiter) CleanupOldWindows(ctx context.Context) (int64, error) {
	n, err := l.windows.DeleteOlderThan(ctx, l.now().Add(-2*l.cfg.WindowSize))
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit windows: %w", err)
	}
	return n, nil
}
