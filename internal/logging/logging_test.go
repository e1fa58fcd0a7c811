package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"document-job-queue/internal/alert"
)

func TestAlertsAreRoutedToAlertSink(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var out, alerts bytes.Buffer
	log := Setup(Options{Level: "debug", Format: "text", Out: &out, Alerts: &alerts, Service: "test"})

	log.Info("routine")
	log.Error("plain failure")
	_ = alert.NewLogAlerter(log).Alert(context.Background(), alert.Alert{Severity: "critical", Message: "database down"})

	assert.Contains(t, out.String(), "routine")
	assert.Contains(t, out.String(), "plain failure")
	assert.Contains(t, out.String(), "database down")

	assert.NotContains(t, alerts.String(), "routine")
	assert.NotContains(t, alerts.String(), "plain failure")
	assert.Equal(t, 1, strings.Count(alerts.String(), "database down"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
