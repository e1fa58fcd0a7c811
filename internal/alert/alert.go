// Package alert delivers out-of-band notifications for critical failures.
package alert

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"document-job-queue/internal/telemetry"
)

// Alert is a single notification.
type Alert struct {
	Severity  string
	Component string
	Message   string
	JobID     string
	Queue     string
	Attrs     map[string]any
	At        time.Time
}

// Alerter sends alerts. Implementations must not block the caller for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AttrKey marks log records that the alert routing handler forwards.
const AttrKey = "alert"

// LogAlerter writes alerts as ERROR records tagged alert=true.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	attrs := []any{
		slog.Bool(AttrKey, true),
		slog.String("severity", a.Severity),
		slog.String("component", a.Component),
	}
	if a.JobID != "" {
		attrs = append(attrs, slog.String("job_id", a.JobID))
	}
	if a.Queue != "" {
		attrs = append(attrs, slog.String("queue", a.Queue))
	}
	for k, v := range a.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.log.ErrorContext(ctx, a.Message, attrs...)
	return nil
}

// Throttled forwards at most a token bucket's worth of alerts and counts the rest.
type Throttled struct {
	next    Alerter
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewThrottled allows perMinute alerts on average with the given burst.
func NewThrottled(next Alerter, perMinute float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), burst),
		log:     slog.Default(),
	}
}

func (t *Throttled) Alert(ctx context.Context, a Alert) error {
	if !t.limiter.Allow() {
		telemetry.AlertsDropped.Inc()
		t.log.Debug("alert throttled", slog.String("component", a.Component), slog.String("message", a.Message))
		return nil
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if err := t.next.Alert(ctx, a); err != nil {
		return err
	}
	telemetry.AlertsSent.Inc()
	return nil
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Alert(context.Context, Alert) error { return nil }
