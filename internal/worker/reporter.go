package worker

import (
	"context"
	"log/slog"

	"document-job-queue/internal/models"
	"document-job-queue/internal/telemetry"
)

// Reporter lets a handler publish progress and log rows for the job it runs.
// Write failures are logged and counted, never returned: progress is advisory.
type Reporter interface {
	Progress(ctx context.Context, stage string, percent int, message string)
	Log(ctx context.Context, level models.LogLevel, message string, data map[string]any)
}

type reporter struct {
	store Store
	job   models.Job
	log   *slog.Logger
}

func (r *reporter) Progress(ctx context.Context, stage string, percent int, message string) {
	if err := r.store.UpdateProgress(ctx, r.job.ID, percent, stage); err != nil {
		telemetry.SideEffectFailures.WithLabelValues("progress").Inc()
		r.log.Warn("progress update failed", slog.String("stage", stage), slog.Any("error", err))
	}
	r.Log(ctx, models.LogInfo, message, map[string]any{"stage": stage, "percent": percent})
}

func (r *reporter) Log(ctx context.Context, level models.LogLevel, message string, data map[string]any) {
	err := r.store.AppendLog(ctx, models.JobLogEntry{
		JobID:   r.job.ID,
		Level:   level,
		Message: message,
		Data:    data,
	})
	if err != nil {
		telemetry.LogAppendFailures.Inc()
		r.log.Warn("job log append failed", slog.String("message", message), slog.Any("error", err))
	}
}
