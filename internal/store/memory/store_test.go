package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore() (*Store, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(
		store.WithClock(c.Now),
		store.WithBackoff(store.Backoff{Base: time.Second, Max: time.Minute}),
	)
	return s, c
}

func insert(t *testing.T, s *Store, priority int, key string) models.Job {
	t.Helper()
	j, err := s.Insert(context.Background(), store.InsertParams{
		QueueName:    models.QueueOCR,
		OrgID:        "org1",
		Payload:      json.RawMessage(`{"documentId":"d"}`),
		Priority:     priority,
		RetryLimit:   2,
		SingletonKey: key,
	})
	require.NoError(t, err)
	return j
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	s, _ := newStore()
	for i := 0; i < 20; i++ {
		insert(t, s, models.PriorityNormal, "")
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(context.Background(), models.QueueOCR, fmt.Sprintf("w%d", w))
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	low := insert(t, s, models.PriorityNormal, "")
	c.Advance(time.Second)
	high := insert(t, s, models.PriorityHigh, "")
	c.Advance(time.Second)
	urgent := insert(t, s, models.PriorityUrgent, "")
	c.Advance(time.Second)
	low2 := insert(t, s, models.PriorityNormal, "")

	var order []string
	for {
		j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{urgent.ID, high.ID, low.ID, low2.ID}, order)
}

func TestClaimHonoursStartAfterAndQueue(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	_, err := s.Insert(ctx, store.InsertParams{
		QueueName:  models.QueueOCR,
		OrgID:      "org1",
		Payload:    json.RawMessage(`{}`),
		StartAfter: c.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	j, err := s.ClaimNext(ctx, models.QueueReport, "w")
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	assert.Nil(t, j, "delayed job must not be claimable yet")

	c.Advance(time.Minute)
	j, err = s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, models.StateActive, j.State)
	require.NotNil(t, j.StartedOn)
	assert.Equal(t, c.Now(), *j.StartedOn)
}

func TestRetryBudget(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	job := insert(t, s, models.PriorityNormal, "")

	attempts := 0
	for {
		c.Advance(time.Hour)
		j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
		require.NoError(t, err)
		if j == nil {
			break
		}
		attempts++
		failed, err := s.Fail(ctx, j.ID, json.RawMessage(`{"code":"NETWORK_ERROR"}`), true)
		require.NoError(t, err)
		assert.LessOrEqual(t, failed.RetryCount, failed.RetryLimit)
	}

	assert.Equal(t, job.RetryLimit+1, attempts)
	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, final.State)
	assert.Equal(t, 2, final.RetryCount)
	require.NotNil(t, final.CompletedOn)
	assert.Equal(t, final.CompletedOn.Add(store.DefaultRetention.Failed), final.KeepUntil)
	require.NoError(t, final.CheckRetention())
}

func TestFailNotRetryableIsTerminal(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	insert(t, s, models.PriorityNormal, "")
	j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)

	failed, err := s.Fail(ctx, j.ID, nil, false)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, failed.State)
	assert.Equal(t, 0, failed.RetryCount)

	_, err = s.Fail(ctx, j.ID, nil, true)
	assert.ErrorIs(t, err, store.ErrClaimConflict)
}

func TestRetrySchedulesBackoff(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	insert(t, s, models.PriorityNormal, "")
	j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)

	retried, err := s.Fail(ctx, j.ID, nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateRetry, retried.State)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, c.Now().Add(time.Second), retried.StartAfter)
	assert.Nil(t, retried.CompletedOn)
}

func TestSingletonDedup(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	first := insert(t, s, models.PriorityNormal, "doc-1")

	dup, err := s.Insert(ctx, store.InsertParams{QueueName: models.QueueOCR, OrgID: "org1", Payload: json.RawMessage(`{}`), SingletonKey: "doc-1"})
	require.ErrorIs(t, err, store.ErrDuplicateSingleton)
	assert.Equal(t, first.ID, dup.ID)

	// Other queues do not share the key space.
	_, err = s.Insert(ctx, store.InsertParams{QueueName: models.QueueReport, OrgID: "org1", Payload: json.RawMessage(`{}`), SingletonKey: "doc-1"})
	require.NoError(t, err)

	_, err = s.Cancel(ctx, first.ID)
	require.NoError(t, err)
	again := insert(t, s, models.PriorityNormal, "doc-1")
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCompleteSetsRetention(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	insert(t, s, models.PriorityNormal, "")
	j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	c.Advance(3 * time.Second)

	done, err := s.Complete(ctx, j.ID, json.RawMessage(`{"pages":1}`))
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.State)
	require.NotNil(t, done.CompletedOn)
	assert.Equal(t, done.CompletedOn.Add(7*24*time.Hour), done.KeepUntil)

	avg, ok, err := s.AverageDuration(ctx, models.QueueOCR, c.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, avg)

	_, err = s.Complete(ctx, j.ID, nil)
	assert.ErrorIs(t, err, store.ErrClaimConflict)
}

func TestCancelOnlyBeforeClaim(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	a := insert(t, s, models.PriorityNormal, "")

	cancelled, err := s.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CompletedOn)

	insert(t, s, models.PriorityNormal, "")
	active, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, active.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	insert(t, s, models.PriorityNormal, "")
	j, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, j.ID))
	released, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRetry, released.State)
	assert.Equal(t, 0, released.RetryCount)
	assert.Nil(t, released.WorkerID)

	again, err := s.ClaimNext(ctx, models.QueueOCR, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, j.ID, again.ID)
}

func TestCleanupNeverTouchesLiveJobs(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	insert(t, s, models.PriorityNormal, "")
	active, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	created := insert(t, s, models.PriorityNormal, "")
	done := insert(t, s, models.PriorityUrgent, "")
	claimed, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.ID)
	_, err = s.Complete(ctx, done.ID, nil)
	require.NoError(t, err)

	c.Advance(365 * 24 * time.Hour)
	cutoff := c.Now()
	for _, st := range []models.JobState{models.StateCompleted, models.StateFailed, models.StateCancelled, models.StateExpired} {
		_, err := s.DeleteTerminalOlderThan(ctx, st, cutoff, 100)
		require.NoError(t, err)
	}
	for _, st := range []models.JobState{models.StateCreated, models.StateRetry, models.StateActive} {
		_, err := s.DeleteTerminalOlderThan(ctx, st, cutoff, 100)
		assert.ErrorIs(t, err, store.ErrNotTerminal)
	}

	_, err = s.GetJob(ctx, created.ID)
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, active.ID)
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestExpireUnclaimed(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	j := insert(t, s, models.PriorityNormal, "doc-9")

	c.Advance(store.DefaultRetention.Created + time.Second)
	claimed, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	assert.Nil(t, claimed, "jobs past keep_until are not claimable")

	n, err := s.ExpireUnclaimed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	expired, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)
	require.NoError(t, expired.CheckRetention())
}

func TestFindStalled(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	insert(t, s, models.PriorityNormal, "")
	insert(t, s, models.PriorityNormal, "")
	quiet, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)
	chatty, err := s.ClaimNext(ctx, models.QueueOCR, "w")
	require.NoError(t, err)

	c.Advance(20 * time.Minute)
	require.NoError(t, s.AppendLog(ctx, models.JobLogEntry{JobID: chatty.ID, Level: models.LogInfo, Message: "still going"}))

	stalled, err := s.FindStalled(ctx, c.Now().Add(-15*time.Minute), c.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, quiet.ID, stalled[0].ID)
}

func TestStatistics(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	first := insert(t, s, models.PriorityNormal, "")
	c.Advance(time.Minute)
	insert(t, s, models.PriorityNormal, "")
	require.NoError(t, s.AppendLog(ctx, models.JobLogEntry{JobID: first.ID, Level: models.LogInfo, Message: "a"}))
	require.NoError(t, s.AppendLog(ctx, models.JobLogEntry{JobID: first.ID, Level: models.LogError, Message: "b"}))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalJobs)
	assert.EqualValues(t, 2, stats.ByState[models.StateCreated])
	assert.EqualValues(t, 1, stats.LogsByLevel[models.LogError])
	require.NotNil(t, stats.OldestJob)
	assert.Equal(t, first.CreatedOn, *stats.OldestJob)
	assert.Equal(t, c.Now(), *stats.NewestJob)
}
