package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
	"document-job-queue/internal/store/memory"
)

var now = time.Date(2025, 5, 20, 3, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func terminal(st *memory.Store, state models.JobState, age time.Duration) models.Job {
	done := now.Add(-age)
	return st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: state,
		CreatedOn: done.Add(-time.Minute), StartAfter: done.Add(-time.Minute),
		CompletedOn: &done, KeepUntil: done.Add(store.DefaultRetention.For(state)),
	})
}

func exists(t *testing.T, st *memory.Store, id string) bool {
	t.Helper()
	_, err := st.GetJob(context.Background(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func newService(st *memory.Store, opts ...Option) *Service {
	cfg := DefaultConfig
	cfg.BatchPause = 0
	return NewService(st, st, cfg, append([]Option{WithClock(clock)}, opts...)...)
}

func TestCleanupOldJobs(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	ctx := context.Background()

	oldCompleted := terminal(st, models.StateCompleted, 8*24*time.Hour)
	freshCompleted := terminal(st, models.StateCompleted, 24*time.Hour)
	oldFailed := terminal(st, models.StateFailed, 31*24*time.Hour)
	recentFailed := terminal(st, models.StateFailed, 10*24*time.Hour)
	oldCancelled := terminal(st, models.StateCancelled, 8*24*time.Hour)

	started := now.Add(-20 * 24 * time.Hour)
	active := st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateActive,
		CreatedOn: started, StartAfter: started, StartedOn: &started, KeepUntil: now.Add(time.Hour),
	})
	stale := st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateCreated,
		CreatedOn: now.Add(-15 * 24 * time.Hour), StartAfter: now.Add(-15 * 24 * time.Hour), KeepUntil: now.Add(-24 * time.Hour),
	})

	require.NoError(t, st.AppendLog(ctx, models.JobLogEntry{JobID: active.ID, Level: models.LogInfo, Message: "old", CreatedOn: now.Add(-4 * 24 * time.Hour)}))
	require.NoError(t, st.AppendLog(ctx, models.JobLogEntry{JobID: active.ID, Level: models.LogInfo, Message: "new", CreatedOn: now.Add(-time.Hour)}))

	res, err := newService(st).CleanupOldJobs(ctx, Options{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Expired)
	assert.EqualValues(t, 1, res.Deleted[Completed])
	assert.EqualValues(t, 1, res.Deleted[Failed])
	assert.EqualValues(t, 1, res.Deleted[Cancelled])
	assert.EqualValues(t, 1, res.Deleted[Logs])
	assert.EqualValues(t, 4, res.Total)

	assert.False(t, exists(t, st, oldCompleted.ID))
	assert.False(t, exists(t, st, oldFailed.ID))
	assert.False(t, exists(t, st, oldCancelled.ID))
	assert.True(t, exists(t, st, freshCompleted.ID))
	assert.True(t, exists(t, st, recentFailed.ID))
	assert.True(t, exists(t, st, active.ID), "active jobs are never removed")

	expired, err := st.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)
	require.NotNil(t, expired.CompletedOn)

	logs, err := st.Logs(ctx, active.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].Message)
}

func TestCleanupDryRunWritesNothing(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	old := terminal(st, models.StateCompleted, 8*24*time.Hour)
	stale := st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateCreated,
		CreatedOn: now.Add(-15 * 24 * time.Hour), KeepUntil: now.Add(-time.Hour),
	})

	res, err := newService(st).CleanupOldJobs(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.EqualValues(t, 1, res.Deleted[Completed])
	// The unclaimed row would be expired, not deleted.
	assert.EqualValues(t, 1, res.Expired)
	assert.EqualValues(t, 1, res.Deleted[KeepUntil])

	assert.True(t, exists(t, st, old.ID))
	got, _ := st.GetJob(context.Background(), stale.ID)
	assert.Equal(t, models.StateCreated, got.State)
}

func TestCleanupBatches(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	for i := 0; i < 5; i++ {
		terminal(st, models.StateCompleted, 8*24*time.Hour)
	}
	res, err := newService(st).CleanupOldJobs(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Deleted[Completed])

	counts, _ := st.CountByState(context.Background(), "")
	assert.Zero(t, counts.Total())
}

func TestCleanupCategoryFailureDoesNotAbortRun(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	ctx := context.Background()
	st.InjectError("DeleteTerminalOlderThan", errors.New("connection reset"))
	require.NoError(t, st.AppendLog(ctx, models.JobLogEntry{JobID: "x", Level: models.LogWarn, Message: "old", CreatedOn: now.Add(-5 * 24 * time.Hour)}))

	res, err := newService(st).CleanupOldJobs(ctx, Options{})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 4)
	assert.Len(t, res.Errors, 4)
	assert.EqualValues(t, 1, res.Deleted[Logs], "later categories still run")
}

type windowCleaner struct{ calls int }

func (w *windowCleaner) CleanupOldWindows(context.Context) (int64, error) {
	w.calls++
	return 3, nil
}

func TestRunOnceIsLockGated(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	windows := &windowCleaner{}
	svc := newService(st, WithWindows(windows))
	ctx := context.Background()

	release, ok, err := st.TryLock(ctx, lockKey)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, svc.RunOnce(ctx))
	assert.Zero(t, windows.calls)

	release()
	assert.True(t, svc.RunOnce(ctx))
	assert.Equal(t, 1, windows.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newService(st).Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestGetQueueStatistics(t *testing.T) {
	st := memory.New(store.WithClock(clock))
	terminal(st, models.StateCompleted, time.Hour)
	terminal(st, models.StateFailed, time.Hour)

	stats, err := newService(st).GetQueueStatistics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalJobs)
	assert.EqualValues(t, 1, stats.ByState[models.StateFailed])
}
