package queue

import (
	"errors"
	"fmt"
	"time"

	"document-job-queue/internal/ratelimit"
)

// ReasonQueueFull is the admission reason used when the queue backlog is at capacity.
const ReasonQueueFull ratelimit.Reason = "QUEUE_FULL"

// ErrQueueUnavailable wraps storage or collaborator outages. Callers may retry.
var ErrQueueUnavailable = errors.New("queue unavailable")

// Billing is the pricing context of an admission decision.
type Billing struct {
	CreditsRequired float64 `json:"creditsRequired"`
	IsSurgePeriod   bool    `json:"isSurgePeriod"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
}

// AdmissionError rejects an enqueue before any job row is written.
type AdmissionError struct {
	Reason     ratelimit.Reason
	RetryAfter time.Duration
	Billing    Billing
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission denied: %s (retry after %s)", e.Reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Retryable reports whether the caller may try the same request later.
func (e *AdmissionError) Retryable() bool {
	return e.Reason != ratelimit.ReasonInsufficientCredits
}

// ValidationError is returned for payloads that fail to decode or validate.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid job: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
