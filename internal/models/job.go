package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
type JobState string

const (
	StateCreated   JobState = "created"
	StateRetry     JobState = "retry"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateExpired   JobState = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	StateCreated, StateRetry, StateActive,
	StateCompleted, StateFailed, StateCancelled, StateExpired,
}

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Claimable reports whether a worker may move a job in state s to active.
func (s JobState) Claimable() bool {
	return s == StateCreated || s == StateRetry
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// ErrRetentionViolation flags a row whose completed_on does not agree with its state.
// It should never surface; stores return it instead of handing out an inconsistent job.
var ErrRetentionViolation = errors.New("retention violation: completed_on must be set exactly for terminal states")

// Job represents a unit of asynchronous work persisted in Postgres.
type Job struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queueName"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	State         JobState        `json:"state"`
	RetryLimit    int             `json:"retryLimit"`
	RetryCount    int             `json:"retryCount"`
	StartAfter    time.Time       `json:"startAfter"`
	CreatedOn     time.Time       `json:"createdOn"`
	StartedOn     *time.Time      `json:"startedOn,omitempty"`
	CompletedOn   *time.Time      `json:"completedOn,omitempty"`
	KeepUntil     time.Time       `json:"keepUntil"`
	Output        json.RawMessage `json:"output,omitempty"`
	SingletonKey  *string         `json:"singletonKey,omitempty"`
	OrgID         string          `json:"organizationId"`
	WorkerID      *string         `json:"workerId,omitempty"`
	Progress      int             `json:"progress"`
	ProgressStage string          `json:"progressStage,omitempty"`
}

// CheckRetention verifies that completed_on is paired with a terminal state.
func (j Job) CheckRetention() error {
	if j.State.Terminal() != (j.CompletedOn != nil) {
		return fmt.Errorf("job %s in state %s: %w", j.ID, j.State, ErrRetentionViolation)
	}
	return nil
}

// DecodePayload returns the typed payload variant for the job's queue.
func (j Job) DecodePayload() (Payload, error) {
	return DecodePayload(j.QueueName, j.Payload)
}

// Priority levels accepted by the producer API.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
	PriorityUrgent = 20
)

// ParsePriority maps a producer-facing priority name onto its numeric level.
func ParsePriority(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q (want normal, high or urgent)", name)
}

// PriorityName maps a numeric level back onto the closest named priority.
func PriorityName(p int) string {
	switch {
	case p >= PriorityUrgent:
		return "urgent"
	case p >= PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// JobLogEntry is an append-only diagnostic row attached to a job.
type JobLogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"jobId"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedOn time.Time      `json:"createdOn"`
}

// StateCounts is a count of jobs keyed by state.
type StateCounts map[JobState]int64

// Waiting is the number of jobs that have not been claimed yet.
func (c StateCounts) Waiting() int64 {
	return c[StateCreated] + c[StateRetry]
}

// Total sums every state.
func (c StateCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Statistics summarizes the job store for capacity planning.
type Statistics struct {
	TotalJobs   int64              `json:"totalJobs"`
	ByState     StateCounts        `json:"byState"`
	LogsByLevel map[LogLevel]int64 `json:"logsByLevel"`
	OldestJob   *time.Time         `json:"oldestJob,omitempty"`
	NewestJob   *time.Time         `json:"newestJob,omitempty"`
}
