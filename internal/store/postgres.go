package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-job-queue/internal/models"
)

// Postgres is the pgxpool backed JobStore.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
	log  *slog.Logger
}

var _ JobStore = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewFromPool(pool, opts...), nil
}

// NewFromPool wraps an existing pool. The caller keeps ownership of the pool only if it never calls Close.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Postgres {
	o := ApplyOptions(opts...)
	return &Postgres{pool: pool, opts: o, log: o.Logger}
}

// Pool exposes the underlying pool for collaborators sharing the database.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) now() time.Time { return s.opts.Now().UTC() }

const jobColumns = `id, queue_name, organization_id, payload, priority, state, retry_limit, retry_count,
	start_after, created_on, started_on, completed_on, keep_until, output, singleton_key, worker_id,
	progress, progress_stage`

// Insert creates a job row in the created state, enforcing the live singleton index.
func (s *Postgres) Insert(ctx context.Context, p InsertParams) (models.Job, error) {
	if p.RetryLimit < 0 {
		return models.Job{}, fmt.Errorf("retry limit must be >= 0, got %d", p.RetryLimit)
	}
	now := s.now()
	startAfter := p.StartAfter
	if startAfter.IsZero() {
		startAfter = now
	}
	id := uuid.New().String()

	// The existing holder can finish between a failed insert and the lookup; one more attempt covers that.
	for attempt := 0; attempt < 2; attempt++ {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO jobs (id, queue_name, organization_id, payload, priority, state, retry_limit, retry_count,
				start_after, created_on, keep_until, singleton_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)
			RETURNING `+jobColumns,
			id, p.QueueName, p.OrgID, []byte(p.Payload), p.Priority, models.StateCreated, p.RetryLimit,
			startAfter, now, now.Add(s.opts.Retention.Created), emptyToNil(p.SingletonKey))
		job, err := scanJob(row)
		if err == nil {
			return job, nil
		}
		if !isDuplicateKey(err) {
			return models.Job{}, storageErr("insert job", err)
		}
		existing, ferr := s.findLiveBySingleton(ctx, p.QueueName, p.SingletonKey)
		if errors.Is(ferr, ErrJobNotFound) {
			continue
		}
		if ferr != nil {
			return models.Job{}, ferr
		}
		return existing, ErrDuplicateSingleton
	}
	return models.Job{}, fmt.Errorf("insert job: singleton %q kept changing: %w", p.SingletonKey, ErrDuplicateSingleton)
}

func (s *Postgres) findLiveBySingleton(ctx context.Context, queue, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE queue_name = $1 AND singleton_key = $2 AND state IN ('created', 'retry', 'active')
	`, queue, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, storageErr("find singleton job", err)
	}
	return job, nil
}

// ClaimNext atomically moves the highest priority, oldest eligible job to active.
// Concurrent callers skip rows locked by each other, so a row is claimed at most once.
func (s *Postgres) ClaimNext(ctx context.Context, queue, workerID string) (*models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'active', started_on = $3, worker_id = $2, progress = 0, progress_stage = NULL,
			keep_until = GREATEST(keep_until, $4)
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue_name = $1
				AND state IN ('created', 'retry')
				AND start_after <= $3
				AND keep_until > $3
			ORDER BY priority DESC, created_on ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		queue, workerID, now, now.Add(s.opts.Retention.Created))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	return &job, nil
}

// Complete transitions an active job to completed.
func (s *Postgres) Complete(ctx context.Context, id string, output json.RawMessage) (models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'completed', completed_on = $2, output = $3, keep_until = $4, progress = 100
		WHERE id = $1 AND state = 'active'
		RETURNING `+jobColumns,
		id, now, nullJSON(output), now.Add(s.opts.Retention.Completed))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return models.Job{}, storageErr("complete job", err)
	}
	return job, nil
}

// Fail schedules a retry while budget remains and the error is retryable, otherwise fails the job.
func (s *Postgres) Fail(ctx context.Context, id string, output json.RawMessage, retryable bool) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var state models.JobState
	var retryCount, retryLimit int
	err = tx.QueryRow(ctx, `
		SELECT state, retry_count, retry_limit FROM jobs WHERE id = $1 FOR UPDATE
	`, id).Scan(&state, &retryCount, &retryLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("fail job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, storageErr("lock job", err)
	}
	if state != models.StateActive {
		return models.Job{}, fmt.Errorf("fail job %s in state %s: %w", id, state, ErrClaimConflict)
	}

	now := s.now()
	var row pgx.Row
	if retryable && retryCount < retryLimit {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET state = 'retry', retry_count = retry_count + 1, start_after = $2, output = $3,
				worker_id = NULL, started_on = NULL
			WHERE id = $1
			RETURNING `+jobColumns,
			id, now.Add(s.opts.Backoff.Delay(retryCount)), nullJSON(output))
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET state = 'failed', completed_on = $2, output = $3, keep_until = $4
			WHERE id = $1
			RETURNING `+jobColumns,
			id, now, nullJSON(output), now.Add(s.opts.Retention.Failed))
	}
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, storageErr("fail job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, storageErr("commit", err)
	}
	return job, nil
}

// Cancel moves a job that has not been claimed to cancelled.
func (s *Postgres) Cancel(ctx context.Context, id string) (models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'cancelled', completed_on = $2, keep_until = $3
		WHERE id = $1 AND state IN ('created', 'retry')
		RETURNING `+jobColumns,
		id, now, now.Add(s.opts.Retention.Completed))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return models.Job{}, gerr
		}
		return current, fmt.Errorf("cancel job %s in state %s: %w", id, current.State, ErrInvalidTransition)
	}
	if err != nil {
		return models.Job{}, storageErr("cancel job", err)
	}
	return job, nil
}

// Release returns an active job to retry, eligible immediately, keeping its retry count.
func (s *Postgres) Release(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'retry', start_after = $2, worker_id = NULL, started_on = NULL
		WHERE id = $1 AND state = 'active'
	`, id, s.now())
	if err != nil {
		return storageErr("release job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// ExpireUnclaimed moves created and retry jobs past keep_until to expired.
func (s *Postgres) ExpireUnclaimed(ctx context.Context) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'expired', completed_on = $1, keep_until = $2
		WHERE state IN ('created', 'retry') AND keep_until < $1
	`, now, now.Add(s.opts.Retention.Completed))
	if err != nil {
		return 0, storageErr("expire unclaimed jobs", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnclaimedPastKeepUntil counts the jobs ExpireUnclaimed would move to expired.
func (s *Postgres) CountUnclaimedPastKeepUntil(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state IN ('created', 'retry') AND keep_until < $1
	`, s.now()).Scan(&n)
	if err != nil {
		return 0, storageErr("count unclaimed jobs", err)
	}
	return n, nil
}

// UpdateProgress records the observable progress of an active job.
func (s *Postgres) UpdateProgress(ctx context.Context, id string, percent int, stage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, progress_stage = $3
		WHERE id = $1 AND state = 'active'
	`, id, clampPercent(percent), emptyToNil(stage))
	if err != nil {
		return storageErr("update progress", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// AppendLog adds a log row for a job.
func (s *Postgres) AppendLog(ctx context.Context, e models.JobLogEntry) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("marshal log data: %w", err)
		}
	}
	created := e.CreatedOn
	if created.IsZero() {
		created = s.now()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, data, created_on)
		VALUES ($1, $2, $3, $4, $5)
	`, e.JobID, e.Level, e.Message, data, created); err != nil {
		return storageErr("append log", err)
	}
	return nil
}

// Logs returns the newest log rows of a job, newest first.
func (s *Postgres) Logs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, data, created_on
		FROM job_logs WHERE job_id = $1
		ORDER BY created_on DESC, id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, storageErr("query logs", err)
	}
	defer rows.Close()

	var out []models.JobLogEntry
	for rows.Next() {
		var e models.JobLogEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &data, &e.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal log data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, storageErr("get job", err)
	}
	return job, nil
}

// CountByState counts jobs per state, for one queue or all of them.
func (s *Postgres) CountByState(ctx context.Context, queue string) (models.StateCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM jobs
		WHERE $1 = '' OR queue_name = $1
		GROUP BY state
	`, queue)
	if err != nil {
		return nil, storageErr("count jobs by state", err)
	}
	defer rows.Close()

	counts := models.StateCounts{}
	for rows.Next() {
		var st models.JobState
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count jobs by state", err)
	}
	return counts, nil
}

// Statistics aggregates totals, per state and per log level counts and job age bounds.
func (s *Postgres) Statistics(ctx context.Context) (models.Statistics, error) {
	counts, err := s.CountByState(ctx, "")
	if err != nil {
		return models.Statistics{}, err
	}
	stats := models.Statistics{
		TotalJobs:   counts.Total(),
		ByState:     counts,
		LogsByLevel: map[models.LogLevel]int64{},
	}

	rows, err := s.pool.Query(ctx, `SELECT level, COUNT(*) FROM job_logs GROUP BY level`)
	if err != nil {
		return models.Statistics{}, storageErr("count logs by level", err)
	}
	for rows.Next() {
		var lvl models.LogLevel
		var n int64
		if err := rows.Scan(&lvl, &n); err != nil {
			rows.Close()
			return models.Statistics{}, fmt.Errorf("scan log count: %w", err)
		}
		stats.LogsByLevel[lvl] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Statistics{}, storageErr("count logs by level", err)
	}

	var oldest, newest pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `SELECT MIN(created_on), MAX(created_on) FROM jobs`).Scan(&oldest, &newest); err != nil {
		return models.Statistics{}, storageErr("job age bounds", err)
	}
	stats.OldestJob = timePtr(oldest)
	stats.NewestJob = timePtr(newest)
	return stats, nil
}

// AverageDuration is the mean runtime of jobs in queue completed since since.
func (s *Postgres) AverageDuration(ctx context.Context, queue string, since time.Time) (time.Duration, bool, error) {
	var avg pgtype.Float8
	err := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_on - started_on)))
		FROM jobs
		WHERE queue_name = $1 AND state = 'completed' AND completed_on >= $2 AND started_on IS NOT NULL
	`, queue, since).Scan(&avg)
	if err != nil {
		return 0, false, storageErr("average duration", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return time.Duration(avg.Float64 * float64(time.Second)), true, nil
}

// FindStalled lists active jobs started before startedBefore without log activity since quietSince.
func (s *Postgres) FindStalled(ctx context.Context, startedBefore, quietSince time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.state = 'active' AND j.started_on < $1
			AND NOT EXISTS (
				SELECT 1 FROM job_logs l WHERE l.job_id = j.id AND l.created_on >= $2
			)
		ORDER BY j.started_on
	`, startedBefore, quietSince)
	if err != nil {
		return nil, storageErr("find stalled jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountTerminalOlderThan counts jobs in a terminal state completed before cutoff.
func (s *Postgres) CountTerminalOlderThan(ctx context.Context, state models.JobState, cutoff time.Time) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("count %s: %w", state, ErrNotTerminal)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state = $1 AND completed_on < $2
	`, state, cutoff).Scan(&n); err != nil {
		return 0, storageErr("count terminal jobs", err)
	}
	return n, nil
}

// DeleteTerminalOlderThan deletes at most batchSize terminal jobs completed before cutoff.
func (s *Postgres) DeleteTerminalOlderThan(ctx context.Context, state models.JobState, cutoff time.Time, batchSize int) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("delete %s: %w", state, ErrNotTerminal)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE state = $1 AND completed_on < $2 LIMIT $3
		)
	`, state, cutoff, batchSize)
	if err != nil {
		return 0, storageErr("delete terminal jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_logs WHERE created_on < $1`, cutoff).Scan(&n); err != nil {
		return 0, storageErr("count logs", err)
	}
	return n, nil
}

func (s *Postgres) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_logs WHERE id IN (
			SELECT id FROM job_logs WHERE created_on < $1 LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, storageErr("delete logs", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountExpiredByKeepUntil(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE keep_until < $1`, s.now()).Scan(&n); err != nil {
		return 0, storageErr("count expired jobs", err)
	}
	return n, nil
}

// DeleteExpiredByKeepUntil deletes at most batchSize jobs past keep_until, whatever their state.
func (s *Postgres) DeleteExpiredByKeepUntil(ctx context.Context, batchSize int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE keep_until < $1 LIMIT $2
		)
	`, s.now(), batchSize)
	if err != nil {
		return 0, storageErr("delete expired jobs", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity to the database.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Postgres) PoolStats() PoolStats {
	st := s.pool.Stat()
	return PoolStats{Acquired: st.AcquiredConns(), Idle: st.IdleConns(), Max: st.MaxConns()}
}

// TryLock takes a session level advisory lock on a dedicated connection.
func (s *Postgres) TryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, storageErr("acquire lock connection", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, storageErr("try advisory lock", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.log.Warn("advisory unlock failed", slog.Int64("key", key), slog.Any("error", err))
		}
		conn.Release()
	}
	return release, true, nil
}

func (s *Postgres) missOrConflict(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s in state %s: %w", id, job.State, ErrClaimConflict)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, output []byte
	var startedOn, completedOn pgtype.Timestamptz
	var singleton, workerID, stage pgtype.Text

	if err := row.Scan(&job.ID, &job.QueueName, &job.OrgID, &payload, &job.Priority, &job.State,
		&job.RetryLimit, &job.RetryCount, &job.StartAfter, &job.CreatedOn, &startedOn, &completedOn,
		&job.KeepUntil, &output, &singleton, &workerID, &job.Progress, &stage); err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	if len(output) > 0 {
		job.Output = output
	}
	job.StartedOn = timePtr(startedOn)
	job.CompletedOn = timePtr(completedOn)
	job.SingletonKey = textPtr(singleton)
	job.WorkerID = textPtr(workerID)
	if p := textPtr(stage); p != nil {
		job.ProgressStage = *p
	}
	if err := job.CheckRetention(); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// storageErr wraps err, tagging connection level failures with ErrStorageUnavailable.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, models.ErrRetentionViolation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
