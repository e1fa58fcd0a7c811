// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"document-job-queue/internal/alert"
)

// Options selects the log level, output format and writers.
type Options struct {
	Level   string
	Format  string
	Service string
	// Out receives every record; defaults to stdout.
	Out io.Writer
	// Alerts receives only ERROR records tagged alert=true, as JSON; defaults to stderr.
	Alerts io.Writer
}

// Setup builds the logger, installs it as the slog default and returns it.
func Setup(o Options) *slog.Logger {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Alerts == nil {
		o.Alerts = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(o.Level)}

	var main slog.Handler
	if strings.EqualFold(o.Format, "json") {
		main = slog.NewJSONHandler(o.Out, opts)
	} else {
		main = slog.NewTextHandler(o.Out, opts)
	}
	alerts := slogmulti.Router().
		Add(slog.NewJSONHandler(o.Alerts, &slog.HandlerOptions{Level: slog.LevelError}), isAlert).
		Handler()

	logger := slog.New(slogmulti.Fanout(main, alerts))
	if o.Service != "" {
		logger = logger.With(slog.String("service", o.Service))
	}
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps debug|info|warn|error onto slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isAlert(_ context.Context, r slog.Record) bool {
	if r.Level < slog.LevelError {
		return false
	}
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == alert.AttrKey && a.Value.Kind() == slog.KindBool && a.Value.Bool() {
			found = true
			return false
		}
		return true
	})
	return found
}
