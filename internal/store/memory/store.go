// Package memory is an in-process JobStore used by unit tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
)

var (
	_ store.JobStore = (*Store)(nil)
	_ store.Locker   = (*Store)(nil)
)

type record struct {
	job models.Job
	seq uint64
}

// Store is a fully in-memory implementation of store.JobStore.
// Safe for concurrent access.
type Store struct {
	mu   sync.Mutex
	opts store.Options

	jobs  map[string]*record
	logs  []models.JobLogEntry
	seq   uint64
	logID int64

	faults map[string]error
	locks  map[int64]bool
}

// New returns a new empty Store.
func New(opts ...store.Option) *Store {
	return &Store{
		opts:   store.ApplyOptions(opts...),
		jobs:   make(map[string]*record),
		faults: make(map[string]error),
		locks:  make(map[int64]bool),
	}
}

// InjectError makes the named method return err until cleared with a nil err.
func (m *Store) InjectError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, method)
		return
	}
	m.faults[method] = err
}

func (m *Store) fault(method string) error {
	if err, ok := m.faults[method]; ok {
		return err
	}
	if err, ok := m.faults["*"]; ok {
		return err
	}
	return nil
}

func (m *Store) now() time.Time { return m.opts.Now().UTC() }

func (m *Store) Insert(_ context.Context, p store.InsertParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Insert"); err != nil {
		return models.Job{}, err
	}
	if p.RetryLimit < 0 {
		return models.Job{}, fmt.Errorf("retry limit must be >= 0, got %d", p.RetryLimit)
	}
	if p.SingletonKey != "" {
		for _, r := range m.jobs {
			j := r.job
			if j.QueueName == p.QueueName && j.SingletonKey != nil && *j.SingletonKey == p.SingletonKey && !j.State.Terminal() {
				return j, store.ErrDuplicateSingleton
			}
		}
	}
	now := m.now()
	startAfter := p.StartAfter
	if startAfter.IsZero() {
		startAfter = now
	}
	j := models.Job{
		ID:         uuid.New().String(),
		QueueName:  p.QueueName,
		OrgID:      p.OrgID,
		Payload:    append(json.RawMessage(nil), p.Payload...),
		Priority:   p.Priority,
		State:      models.StateCreated,
		RetryLimit: p.RetryLimit,
		StartAfter: startAfter,
		CreatedOn:  now,
		KeepUntil:  now.Add(m.opts.Retention.Created),
	}
	if p.SingletonKey != "" {
		k := p.SingletonKey
		j.SingletonKey = &k
	}
	m.seq++
	m.jobs[j.ID] = &record{job: j, seq: m.seq}
	return j, nil
}

// ClaimNext moves the best eligible job to active under the store mutex.
func (m *Store) ClaimNext(_ context.Context, queue, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ClaimNext"); err != nil {
		return nil, err
	}
	now := m.now()
	var best *record
	for _, r := range m.jobs {
		j := r.job
		if j.QueueName != queue || !j.State.Claimable() || j.StartAfter.After(now) || !j.KeepUntil.After(now) {
			continue
		}
		if best == nil || before(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	w := workerID
	best.job.State = models.StateActive
	best.job.StartedOn = &now
	best.job.WorkerID = &w
	best.job.Progress = 0
	best.job.ProgressStage = ""
	if keep := now.Add(m.opts.Retention.Created); keep.After(best.job.KeepUntil) {
		best.job.KeepUntil = keep
	}
	out := best.job
	return &out, nil
}

func before(a, b *record) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedOn.Equal(b.job.CreatedOn) {
		return a.job.CreatedOn.Before(b.job.CreatedOn)
	}
	return a.seq < b.seq
}

func (m *Store) active(id string) (*record, error) {
	r, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrJobNotFound)
	}
	if r.job.State != models.StateActive {
		return nil, fmt.Errorf("job %s in state %s: %w", id, r.job.State, store.ErrClaimConflict)
	}
	return r, nil
}

func (m *Store) Complete(_ context.Context, id string, output json.RawMessage) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Complete"); err != nil {
		return models.Job{}, err
	}
	r, err := m.active(id)
	if err != nil {
		return models.Job{}, err
	}
	now := m.now()
	r.job.State = models.StateCompleted
	r.job.CompletedOn = &now
	r.job.Output = output
	r.job.KeepUntil = now.Add(m.opts.Retention.Completed)
	r.job.Progress = 100
	return r.job, nil
}

func (m *Store) Fail(_ context.Context, id string, output json.RawMessage, retryable bool) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Fail"); err != nil {
		return models.Job{}, err
	}
	r, err := m.active(id)
	if err != nil {
		return models.Job{}, err
	}
	now := m.now()
	r.job.Output = output
	if retryable && r.job.RetryCount < r.job.RetryLimit {
		r.job.StartAfter = now.Add(m.opts.Backoff.Delay(r.job.RetryCount))
		r.job.RetryCount++
		r.job.State = models.StateRetry
		r.job.StartedOn = nil
		r.job.WorkerID = nil
		return r.job, nil
	}
	r.job.State = models.StateFailed
	r.job.CompletedOn = &now
	r.job.KeepUntil = now.Add(m.opts.Retention.Failed)
	return r.job, nil
}

func (m *Store) Cancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Cancel"); err != nil {
		return models.Job{}, err
	}
	r, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrJobNotFound)
	}
	if !r.job.State.Claimable() {
		return r.job, fmt.Errorf("cancel job %s in state %s: %w", id, r.job.State, store.ErrInvalidTransition)
	}
	now := m.now()
	r.job.State = models.StateCancelled
	r.job.CompletedOn = &now
	r.job.KeepUntil = now.Add(m.opts.Retention.Completed)
	return r.job, nil
}

func (m *Store) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Release"); err != nil {
		return err
	}
	r, err := m.active(id)
	if err != nil {
		return err
	}
	r.job.State = models.StateRetry
	r.job.StartAfter = m.now()
	r.job.StartedOn = nil
	r.job.WorkerID = nil
	return nil
}

func (m *Store) ExpireUnclaimed(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ExpireUnclaimed"); err != nil {
		return 0, err
	}
	now := m.now()
	var n int64
	for _, r := range m.jobs {
		if r.job.State.Claimable() && r.job.KeepUntil.Before(now) {
			t := now
			r.job.State = models.StateExpired
			r.job.CompletedOn = &t
			r.job.KeepUntil = now.Add(m.opts.Retention.Completed)
			n++
		}
	}
	return n, nil
}

func (m *Store) CountUnclaimedPastKeepUntil(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CountUnclaimedPastKeepUntil"); err != nil {
		return 0, err
	}
	now := m.now()
	return int64(len(m.selectJobs(func(j models.Job) bool {
		return j.State.Claimable() && j.KeepUntil.Before(now)
	}, -1))), nil
}

func (m *Store) UpdateProgress(_ context.Context, id string, percent int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("UpdateProgress"); err != nil {
		return err
	}
	r, err := m.active(id)
	if err != nil {
		return err
	}
	r.job.Progress = min(max(percent, 0), 100)
	r.job.ProgressStage = stage
	return nil
}

func (m *Store) AppendLog(_ context.Context, e models.JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("AppendLog"); err != nil {
		return err
	}
	m.logID++
	e.ID = m.logID
	if e.CreatedOn.IsZero() {
		e.CreatedOn = m.now()
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *Store) Logs(_ context.Context, id string, limit int) ([]models.JobLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Logs"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []models.JobLogEntry
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].JobID == id {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

func (m *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("GetJob"); err != nil {
		return models.Job{}, err
	}
	r, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrJobNotFound)
	}
	return r.job, nil
}

func (m *Store) CountByState(_ context.Context, queue string) (models.StateCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CountByState"); err != nil {
		return nil, err
	}
	counts := models.StateCounts{}
	for _, r := range m.jobs {
		if queue == "" || r.job.QueueName == queue {
			counts[r.job.State]++
		}
	}
	return counts, nil
}

func (m *Store) Statistics(ctx context.Context) (models.Statistics, error) {
	counts, err := m.CountByState(ctx, "")
	if err != nil {
		return models.Statistics{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.Statistics{
		TotalJobs:   counts.Total(),
		ByState:     counts,
		LogsByLevel: map[models.LogLevel]int64{},
	}
	for _, e := range m.logs {
		stats.LogsByLevel[e.Level]++
	}
	for _, r := range m.jobs {
		c := r.job.CreatedOn
		if stats.OldestJob == nil || c.Before(*stats.OldestJob) {
			stats.OldestJob = &c
		}
		if stats.NewestJob == nil || c.After(*stats.NewestJob) {
			stats.NewestJob = &c
		}
	}
	return stats, nil
}

func (m *Store) AverageDuration(_ context.Context, queue string, since time.Time) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("AverageDuration"); err != nil {
		return 0, false, err
	}
	var total time.Duration
	var n int
	for _, r := range m.jobs {
		j := r.job
		if j.QueueName != queue || j.State != models.StateCompleted || j.StartedOn == nil || j.CompletedOn == nil {
			continue
		}
		if j.CompletedOn.Before(since) {
			continue
		}
		total += j.CompletedOn.Sub(*j.StartedOn)
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return total / time.Duration(n), true, nil
}

func (m *Store) FindStalled(_ context.Context, startedBefore, quietSince time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("FindStalled"); err != nil {
		return nil, err
	}
	recent := map[string]bool{}
	for _, e := range m.logs {
		if !e.CreatedOn.Before(quietSince) {
			recent[e.JobID] = true
		}
	}
	var out []models.Job
	for _, r := range m.jobs {
		j := r.job
		if j.State == models.StateActive && j.StartedOn != nil && j.StartedOn.Before(startedBefore) && !recent[j.ID] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedOn.Before(*out[b].StartedOn) })
	return out, nil
}

func (m *Store) CountTerminalOlderThan(_ context.Context, state models.JobState, cutoff time.Time) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("count %s: %w", state, store.ErrNotTerminal)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CountTerminalOlderThan"); err != nil {
		return 0, err
	}
	return int64(len(m.selectJobs(func(j models.Job) bool {
		return j.State == state && j.CompletedOn != nil && j.CompletedOn.Before(cutoff)
	}, -1))), nil
}

func (m *Store) DeleteTerminalOlderThan(_ context.Context, state models.JobState, cutoff time.Time, batchSize int) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("delete %s: %w", state, store.ErrNotTerminal)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteTerminalOlderThan"); err != nil {
		return 0, err
	}
	return m.deleteJobs(m.selectJobs(func(j models.Job) bool {
		return j.State == state && j.CompletedOn != nil && j.CompletedOn.Before(cutoff)
	}, batchSize)), nil
}

func (m *Store) CountLogsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CountLogsOlderThan"); err != nil {
		return 0, err
	}
	var n int64
	for _, e := range m.logs {
		if e.CreatedOn.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *Store) DeleteLogsOlderThan(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteLogsOlderThan"); err != nil {
		return 0, err
	}
	kept := m.logs[:0]
	var n int64
	for _, e := range m.logs {
		if e.CreatedOn.Before(cutoff) && (batchSize <= 0 || n < int64(batchSize)) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return n, nil
}

func (m *Store) CountExpiredByKeepUntil(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CountExpiredByKeepUntil"); err != nil {
		return 0, err
	}
	now := m.now()
	return int64(len(m.selectJobs(func(j models.Job) bool { return j.KeepUntil.Before(now) }, -1))), nil
}

func (m *Store) DeleteExpiredByKeepUntil(_ context.Context, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteExpiredByKeepUntil"); err != nil {
		return 0, err
	}
	now := m.now()
	return m.deleteJobs(m.selectJobs(func(j models.Job) bool { return j.KeepUntil.Before(now) }, batchSize)), nil
}

func (m *Store) selectJobs(match func(models.Job) bool, limit int) []string {
	var ids []string
	for id, r := range m.jobs {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if match(r.job) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Store) deleteJobs(ids []string) int64 {
	for _, id := range ids {
		delete(m.jobs, id)
	}
	return int64(len(ids))
}

// Ping fails only when an error was injected for it.
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault("Ping")
}

func (m *Store) PoolStats() store.PoolStats {
	return store.PoolStats{Acquired: 1, Idle: 9, Max: 10}
}

// TryLock is an in-process advisory lock.
func (m *Store) TryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// Seed stores a job as is, bypassing the state machine. Tests use it to build fixtures.
func (m *Store) Seed(j models.Job) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	m.seq++
	m.jobs[j.ID] = &record{job: j, seq: m.seq}
	return j
}
