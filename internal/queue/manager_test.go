package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-job-queue/internal/billing"
	"document-job-queue/internal/models"
	"document-job-queue/internal/ratelimit"
	"document-job-queue/internal/store"
	"document-job-queue/internal/store/memory"
)

type stubCredits struct{ ok bool }

func (s stubCredits) HasCredits(context.Context, string, float64) (bool, error) { return s.ok, nil }
func (s stubCredits) DebitCredits(context.Context, string, float64, string) (billing.DebitResult, error) {
	return billing.DebitResult{Success: true}, nil
}

type stubSurge bool

func (s stubSurge) IsSurgePeriod(context.Context, time.Time) (bool, error) { return bool(s), nil }
func (s stubSurge) SurgeMultiplier(context.Context, time.Time) (float64, error) {
	if s {
		return 1.5, nil
	}
	return 1, nil
}

type fixture struct {
	st      *memory.Store
	windows *ratelimit.MemoryWindows
	mgr     *Manager
}

func newFixture(t *testing.T, credits bool, surge bool, cfg Config) fixture {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	st := memory.New(store.WithClock(now))
	windows := ratelimit.NewMemoryWindows()
	lim := ratelimit.New(windows, stubCredits{ok: credits}, stubSurge(surge), ratelimit.DefaultConfig, ratelimit.WithClock(now))
	return fixture{st: st, windows: windows, mgr: NewManager(st, lim, cfg, WithClock(now))}
}

func ocr(doc string) models.OCRPayload {
	return models.OCRPayload{DocumentID: doc, OrganizationID: "org1", FileReference: "uploads/" + doc + ".png"}
}

func TestEnqueueHappyPath(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()

	res, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, models.PriorityNormal, res.Priority)
	assert.EqualValues(t, 1, res.QueuePosition)
	assert.Equal(t, 1.0, res.Billing.CreditsRequired)
	assert.False(t, res.Billing.IsSurgePeriod)
	// default 30s * (1/4 + 1)
	assert.Equal(t, 38*time.Second, res.EstimatedProcessingTime)

	job, err := f.mgr.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, job.State)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 3, job.RetryLimit)
	require.NotNil(t, job.SingletonKey)
	assert.Equal(t, "doc-1", *job.SingletonKey)

	p, err := job.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, ocr("doc-1"), p)

	w, _ := f.windows.Current(ctx, "org1", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), time.Hour)
	assert.Equal(t, 1, w.Count)
}

func TestEnqueueInsufficientCreditsWritesNothing(t *testing.T) {
	f := newFixture(t, false, false, DefaultConfig)
	ctx := context.Background()

	_, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ratelimit.ReasonInsufficientCredits, adm.Reason)
	assert.False(t, adm.Retryable())
	assert.Equal(t, 1.0, adm.Billing.CreditsRequired)

	counts, err := f.st.CountByState(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestEnqueueIsIdempotentPerSingleton(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()

	first, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	require.NoError(t, err)
	second, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	counts, _ := f.st.CountByState(ctx, models.QueueOCR)
	assert.EqualValues(t, 1, counts.Total())

	w, _ := f.windows.Current(ctx, "org1", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), time.Hour)
	assert.Equal(t, 1, w.Count, "a duplicate must not consume the window")

	third, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{NoSingleton: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Job.ID, third.Job.ID)
}

func TestSurgeBoostsPriorityUnlessExplicit(t *testing.T) {
	f := newFixture(t, true, true, DefaultConfig)
	ctx := context.Background()

	res, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, res.Priority)
	assert.True(t, res.Billing.IsSurgePeriod)
	assert.Equal(t, 1.5, res.Billing.SurgeMultiplier)
	assert.Equal(t, 1.5, res.Billing.CreditsRequired)

	res, err = f.mgr.Enqueue(ctx, ocr("doc-2"), EnqueueOptions{Priority: "normal"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, res.Priority)

	res, err = f.mgr.Enqueue(ctx, ocr("doc-3"), EnqueueOptions{Priority: "urgent"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, res.Priority)
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxQueueDepth = 2
	f := newFixture(t, true, false, cfg)
	ctx := context.Background()

	for _, doc := range []string{"a", "b"} {
		_, err := f.mgr.Enqueue(ctx, ocr(doc), EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := f.mgr.Enqueue(ctx, ocr("c"), EnqueueOptions{})
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ReasonQueueFull, adm.Reason)
	assert.True(t, adm.Retryable())
	assert.Equal(t, cfg.QueueFullRetry, adm.RetryAfter)
}

func TestEnqueueRateLimited(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := f.mgr.Enqueue(ctx, ocr("doc"), EnqueueOptions{NoSingleton: true})
		require.NoError(t, err)
	}
	_, err := f.mgr.Enqueue(ctx, ocr("doc"), EnqueueOptions{NoSingleton: true})
	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, ratelimit.ReasonRateLimitExceeded, adm.Reason)
	assert.Equal(t, time.Hour, adm.RetryAfter)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()

	_, err := f.mgr.EnqueueRaw(ctx, models.QueueOCR, json.RawMessage(`{"documentId":"d"}`), EnqueueOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.mgr.EnqueueRaw(ctx, "thumbnails", json.RawMessage(`{}`), EnqueueOptions{})
	require.ErrorAs(t, err, &verr)

	_, err = f.mgr.Enqueue(ctx, ocr("d"), EnqueueOptions{Priority: "asap"})
	require.ErrorAs(t, err, &verr)
}

func TestStorageOutageIsUnavailable(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	f.st.InjectError("Insert", errors.New("connection refused"))

	_, err := f.mgr.Enqueue(context.Background(), ocr("doc-1"), EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestEstimateUsesRecentAverage(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	completed := started.Add(10 * time.Second)
	f.st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateCompleted,
		CreatedOn: started, StartedOn: &started, CompletedOn: &completed, KeepUntil: completed.Add(time.Hour),
	})

	for _, doc := range []string{"a", "b", "c", "d"} {
		_, err := f.mgr.Enqueue(ctx, ocr(doc), EnqueueOptions{})
		require.NoError(t, err)
	}
	res, err := f.mgr.Enqueue(ctx, ocr("e"), EnqueueOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.QueuePosition)
	// 10s * (5/4 + 1)
	assert.Equal(t, 23*time.Second, res.EstimatedProcessingTime)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, true, false, DefaultConfig)
	ctx := context.Background()
	res, err := f.mgr.Enqueue(ctx, ocr("doc-1"), EnqueueOptions{})
	require.NoError(t, err)

	job, err := f.mgr.Cancel(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, job.State)

	_, err = f.mgr.Cancel(ctx, res.Job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	stats, err := f.mgr.Stats(ctx, []string{models.QueueOCR})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].ByState[models.StateCancelled])
}
