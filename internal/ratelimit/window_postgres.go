package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWindows keeps one row per organization in rate_limit_windows.
type PostgresWindows struct {
	pool *pgxpool.Pool
}

func NewPostgresWindows(pool *pgxpool.Pool) *PostgresWindows {
	return &PostgresWindows{pool: pool}
}

func (p *PostgresWindows) Current(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return p.upsert(ctx, orgID, now, size, 0)
}

func (p *PostgresWindows) Increment(ctx context.Context, orgID string, now time.Time, size time.Duration) (Window, error) {
	return p.upsert(ctx, orgID, now, size, 1)
}

// upsert creates, resets or bumps the window in one statement.
func (p *PostgresWindows) upsert(ctx context.Context, orgID string, now time.Time, size time.Duration, incr int) (Window, error) {
	w := Window{OrgID: orgID}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (organization_id, window_start, request_count)
		VALUES ($1, $2, $4)
		ON CONFLICT (organization_id) DO UPDATE SET
			window_start = CASE WHEN rate_limit_windows.window_start <= $3
				THEN EXCLUDED.window_start ELSE rate_limit_windows.window_start END,
			request_count = CASE WHEN rate_limit_windows.window_start <= $3
				THEN $4 ELSE rate_limit_windows.request_count + $4 END
		RETURNING window_start, request_count
	`, orgID, now.UTC(), now.Add(-size).UTC(), incr).Scan(&w.Start, &w.Count)
	if err != nil {
		return Window{}, fmt.Errorf("upsert rate limit window: %w", err)
	}
	w.Start = w.Start.UTC()
	return w, nil
}

func (p *PostgresWindows) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
