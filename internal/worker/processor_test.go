package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-job-queue/internal/alert"
	"document-job-queue/internal/models"
	"document-job-queue/internal/store"
	"document-job-queue/internal/store/memory"
)

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *capturedAlerts) Alert(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *capturedAlerts) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func testConfig() Config {
	return Config{
		WorkerID:      "w-test",
		Queues:        []string{models.QueueOCR},
		Concurrency:   2,
		PollInterval:  5 * time.Millisecond,
		ShutdownGrace: time.Second,
	}
}

func insertOCR(t *testing.T, st *memory.Store, doc string, retryLimit int) models.Job {
	t.Helper()
	raw, err := models.EncodePayload(models.OCRPayload{DocumentID: doc, OrganizationID: "org1", FileReference: doc + ".png"})
	require.NoError(t, err)
	job, err := st.Insert(context.Background(), store.InsertParams{
		QueueName: models.QueueOCR, OrgID: "org1", Payload: raw, RetryLimit: retryLimit, SingletonKey: doc,
	})
	require.NoError(t, err)
	return job
}

// runProcessor starts p and returns a stop func that cancels it and waits for Run to return.
func runProcessor(t *testing.T, p *Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("processor did not stop")
		}
	}
}

func waitForState(t *testing.T, st *memory.Store, id string, want models.JobState) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return job
}

func TestProcessorCompletesWithProgress(t *testing.T) {
	st := memory.New()
	job := insertOCR(t, st, "doc-1", 3)

	p := NewProcessor(st, testConfig())
	p.RegisterHandler(models.QueueOCR, func(ctx context.Context, j models.Job, r Reporter) (any, error) {
		r.Progress(ctx, "fetching", 10, "Fetching document")
		r.Progress(ctx, "recognizing", 50, "Running text recognition")
		r.Progress(ctx, "completed", 100, "Done")
		return map[string]string{"text": "hello"}, nil
	})
	stop := runProcessor(t, p)
	done := waitForState(t, st, job.ID, models.StateCompleted)
	stop()

	require.NotNil(t, done.CompletedOn)
	assert.Equal(t, done.CompletedOn.Add(7*24*time.Hour), done.KeepUntil)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 0, done.RetryCount)
	assert.JSONEq(t, `{"text":"hello"}`, string(done.Output))
	require.NotNil(t, done.WorkerID)
	assert.Equal(t, "w-test", *done.WorkerID)

	logs, err := st.Logs(context.Background(), job.ID, 50)
	require.NoError(t, err)
	var percents []any
	for _, e := range logs {
		assert.Equal(t, models.LogInfo, e.Level)
		if pct, ok := e.Data["percent"]; ok {
			percents = append(percents, pct)
		}
	}
	// Logs come back newest first.
	assert.Equal(t, []any{100, 50, 10}, percents)
}

func TestProcessorRetryBudget(t *testing.T) {
	st := memory.New(store.WithBackoff(store.Backoff{}))
	job := insertOCR(t, st, "doc-1", 2)

	var attempts atomic.Int32
	p := NewProcessor(st, testConfig())
	p.RegisterHandler(models.QueueOCR, func(context.Context, models.Job, Reporter) (any, error) {
		attempts.Add(1)
		return nil, errors.New("upstream timeout")
	})
	stop := runProcessor(t, p)
	failed := waitForState(t, st, job.ID, models.StateFailed)
	stop()

	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, 2, failed.RetryCount)

	var out failureOutput
	require.NoError(t, json.Unmarshal(failed.Output, &out))
	assert.Equal(t, NetworkError, out.Type)
	assert.True(t, out.Retryable)
	assert.Equal(t, "upstream timeout", out.Error)
	assert.Equal(t, 3, out.Attempt)
}

func TestProcessorNonRetryableFailsOnce(t *testing.T) {
	st := memory.New(store.WithBackoff(store.Backoff{}))
	job := insertOCR(t, st, "doc-1", 3)

	var attempts atomic.Int32
	p := NewProcessor(st, testConfig())
	p.RegisterHandler(models.QueueOCR, func(context.Context, models.Job, Reporter) (any, error) {
		attempts.Add(1)
		return nil, ErrObjectNotFound
	})
	stop := runProcessor(t, p)
	failed := waitForState(t, st, job.ID, models.StateFailed)
	stop()

	assert.EqualValues(t, 1, attempts.Load())
	assert.Equal(t, 0, failed.RetryCount)
	var out failureOutput
	require.NoError(t, json.Unmarshal(failed.Output, &out))
	assert.Equal(t, FileError, out.Type)
	assert.NotEmpty(t, out.UserMessage)

	logs, err := st.Logs(context.Background(), job.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogError, logs[0].Level)
}

func TestProcessorRecoversPanics(t *testing.T) {
	st := memory.New(store.WithBackoff(store.Backoff{Base: time.Hour}))
	job := insertOCR(t, st, "doc-1", 3)

	p := NewProcessor(st, testConfig())
	p.RegisterHandler(models.QueueOCR, func(context.Context, models.Job, Reporter) (any, error) {
		panic("nil map")
	})
	stop := runProcessor(t, p)
	retry := waitForState(t, st, job.ID, models.StateRetry)
	stop()

	assert.Equal(t, 1, retry.RetryCount)
	var out failureOutput
	require.NoError(t, json.Unmarshal(retry.Output, &out))
	assert.Equal(t, UnknownError, out.Type)
	assert.Contains(t, out.Error, "nil map")
}

func TestProcessorAlertsOnCriticalFailure(t *testing.T) {
	st := memory.New(store.WithBackoff(store.Backoff{Base: time.Hour}))
	job := insertOCR(t, st, "doc-1", 3)
	alerts := &capturedAlerts{}

	p := NewProcessor(st, testConfig(), WithAlerter(alerts))
	p.RegisterHandler(models.QueueOCR, func(context.Context, models.Job, Reporter) (any, error) {
		return nil, errors.New("database connection lost")
	})
	stop := runProcessor(t, p)
	waitForState(t, st, job.ID, models.StateRetry)
	stop()

	require.Equal(t, 1, alerts.len())
	assert.Equal(t, "critical", alerts.alerts[0].Severity)
	assert.Equal(t, job.ID, alerts.alerts[0].JobID)
}

func TestProcessorDrainReleasesInFlightJobs(t *testing.T) {
	st := memory.New()
	job := insertOCR(t, st, "doc-1", 3)

	started := make(chan struct{})
	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	p := NewProcessor(st, cfg)
	p.RegisterHandler(models.QueueOCR, func(ctx context.Context, _ models.Job, _ Reporter) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	stop := runProcessor(t, p)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	stop()

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRetry, got.State)
	assert.Equal(t, 0, got.RetryCount, "a released job keeps its retry budget")
	assert.Nil(t, got.WorkerID)
}

func TestProcessorPriorityOrder(t *testing.T) {
	st := memory.New()
	low := insertOCR(t, st, "low", 0)
	raw, _ := models.EncodePayload(models.OCRPayload{DocumentID: "hi", OrganizationID: "org1", FileReference: "hi.png"})
	high, err := st.Insert(context.Background(), store.InsertParams{
		QueueName: models.QueueOCR, OrgID: "org1", Payload: raw, Priority: models.PriorityUrgent,
	})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	cfg := testConfig()
	cfg.Concurrency = 1
	p := NewProcessor(st, cfg)
	p.RegisterHandler(models.QueueOCR, func(_ context.Context, j models.Job, _ Reporter) (any, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil, nil
	})
	stop := runProcessor(t, p)
	waitForState(t, st, low.ID, models.StateCompleted)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{high.ID, low.ID}, order)
}

func TestReleaseStalled(t *testing.T) {
	st := memory.New()
	started := time.Now().Add(-time.Hour)
	worker := "w-dead"
	stalled := st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateActive,
		CreatedOn: started, StartedOn: &started, StartAfter: started, WorkerID: &worker,
		KeepUntil: time.Now().Add(time.Hour), RetryLimit: 3,
	})
	recent := time.Now()
	fresh := st.Seed(models.Job{
		QueueName: models.QueueOCR, OrgID: "org1", State: models.StateActive,
		CreatedOn: recent, StartedOn: &recent, StartAfter: recent, WorkerID: &worker,
		KeepUntil: time.Now().Add(time.Hour), RetryLimit: 3,
	})

	cfg := testConfig()
	cfg.StalledThreshold = 10 * time.Minute
	p := NewProcessor(st, cfg)

	n, err := p.ReleaseStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := st.GetJob(context.Background(), stalled.ID)
	assert.Equal(t, models.StateRetry, got.State)
	got, _ = st.GetJob(context.Background(), fresh.ID)
	assert.Equal(t, models.StateActive, got.State)
}

func TestRunWithoutHandlers(t *testing.T) {
	p := NewProcessor(memory.New(), testConfig())
	assert.Error(t, p.Run(context.Background()))
}
