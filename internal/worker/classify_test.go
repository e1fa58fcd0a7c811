package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"document-job-queue/internal/billing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		typ       ErrorType
		retryable bool
		severity  Severity
	}{
		{fmt.Errorf("debit: %w", billing.ErrInsufficientCredits), CreditsError, false, SeverityMedium},
		{errors.New("source object NOT FOUND"), FileError, false, SeverityMedium},
		{errors.New("file_not_found: uploads/a.png"), FileError, false, SeverityMedium},
		{errors.New("ocr_failed: engine returned 422"), ProcessingError, true, SeverityHigh},
		{errors.New("dial tcp: i/o Timeout"), NetworkError, true, SeverityMedium},
		{context.DeadlineExceeded, NetworkError, true, SeverityMedium},
		{errors.New("database is shutting down"), InfrastructureError, true, SeverityCritical},
		{errors.New("connection reset by peer"), InfrastructureError, true, SeverityCritical},
		{errors.New("something odd"), UnknownError, true, SeverityHigh},
	}
	for _, tc := range cases {
		c := Classify(tc.err)
		assert.Equal(t, tc.typ, c.Type, tc.err.Error())
		assert.Equal(t, tc.retryable, c.Retryable, tc.err.Error())
		assert.Equal(t, tc.severity, c.Severity, tc.err.Error())
		assert.NotEmpty(t, c.UserMessage)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Mentions both a missing file and the network; the earlier rule decides.
	c := Classify(errors.New("network fetch failed: object not found"))
	assert.Equal(t, FileError, c.Type)
	assert.False(t, c.Retryable)

	c = Classify(errors.New("insufficient_credits after database lookup"))
	assert.Equal(t, CreditsError, c.Type)
}
