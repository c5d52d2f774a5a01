package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderqueue/internal/models"
)

// Postgres implements Store on a pgx connection pool. Every transition is a
// single conditional UPDATE, so concurrent workers coordinate purely through
// row-level compare-and-swap; the process keeps no job state of its own.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, owner_id, payload, status, lock_token, worker_id,
heartbeat_at, started_at, completed_at, attempts, max_attempts,
err_code, err_message, created_at, updated_at`

// Enqueue inserts a queued job with all lease fields null.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, p.ID, p.OwnerID, p.Payload, models.StatusQueued, p.MaxAttempts, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// LeaseNext claims the oldest queued job. The SKIP LOCKED subquery keeps
// concurrent claimants from ever selecting the same row.
func (s *Postgres) LeaseNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	token := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, lock_token = $2, worker_id = $3,
		    started_at = $4, heartbeat_at = $4, attempts = attempts + 1, updated_at = $4
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $5
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusRunning, token, workerID, now.UTC(), models.StatusQueued)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	return &job, nil
}

// RenewLease advances the heartbeat for the current lease holder. GREATEST
// keeps the timestamp monotonic even if a delayed renewal arrives out of
// order.
func (s *Postgres) RenewLease(ctx context.Context, id, workerID string, now time.Time) (TransitionResult, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET heartbeat_at = GREATEST(heartbeat_at, $3), updated_at = GREATEST(updated_at, $3)
		WHERE id = $1 AND status = $4 AND worker_id = $2
	`, id, workerID, now.UTC(), models.StatusRunning)
	if err != nil {
		return NotOwner, fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return Applied, nil
}

// RequeueStale reclaims running jobs whose heartbeat expired. Jobs out of
// attempts are failed permanently; the rest return to the queue. Both
// updates are conditional on status, so racing reapers reclaim each job
// exactly once.
func (s *Postgres) RequeueStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.UTC().Add(-threshold)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	exhausted, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lock_token = NULL, heartbeat_at = NULL,
		    completed_at = $2, updated_at = $2,
		    err_code = $3, err_message = 'lease expired after final attempt'
		WHERE status = $4 AND heartbeat_at < $5 AND attempts >= max_attempts
	`, models.StatusFailed, now.UTC(), RetryExhaustedCode, models.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}

	requeued, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lock_token = NULL, worker_id = NULL,
		    started_at = NULL, heartbeat_at = NULL, updated_at = $2
		WHERE status = $3 AND heartbeat_at < $4
	`, models.StatusQueued, now.UTC(), models.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(exhausted.RowsAffected() + requeued.RowsAffected()), nil
}

// MarkCompleted finishes a job for its current lease holder. worker_id is
// kept as the last holder for observability.
func (s *Postgres) MarkCompleted(ctx context.Context, id, workerID string) (TransitionResult, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lock_token = NULL, heartbeat_at = NULL,
		    completed_at = $2, updated_at = $2, err_code = NULL, err_message = NULL
		WHERE id = $3 AND status = $4 AND worker_id = $5
	`, models.StatusCompleted, now, id, models.StatusRunning, workerID)
	if err != nil {
		return NotOwner, fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return Applied, nil
}

// MarkFailed records a terminal failure for the current lease holder.
func (s *Postgres) MarkFailed(ctx context.Context, id, workerID, errCode, errMessage string) (TransitionResult, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, lock_token = NULL, heartbeat_at = NULL,
		    completed_at = $2, updated_at = $2, err_code = $3, err_message = $4
		WHERE id = $5 AND status = $6 AND worker_id = $7
	`, models.StatusFailed, now, errCode, errMessage, id, models.StatusRunning, workerID)
	if err != nil {
		return NotOwner, fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, id)
	}
	return Applied, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// QueueDepth counts jobs waiting to be leased.
func (s *Postgres) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// Stats counts jobs per status.
func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case models.StatusQueued:
			st.Queued = n
		case models.StatusRunning:
			st.Running = n
		case models.StatusCompleted:
			st.Completed = n
		case models.StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// classifyMiss distinguishes a vanished row from one owned by someone else
// after a conditional update matched nothing.
func (s *Postgres) classifyMiss(ctx context.Context, id string) (TransitionResult, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return NotOwner, fmt.Errorf("classify transition miss: %w", err)
	}
	if !exists {
		return NotFound, nil
	}
	return NotOwner, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                    models.Job
		lockToken, workerID    pgtype.Text
		errCode, errMessage    pgtype.Text
		heartbeatAt, startedAt pgtype.Timestamptz
		completedAt            pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.OwnerID, &job.Payload, &job.Status,
		&lockToken, &workerID, &heartbeatAt, &startedAt, &completedAt,
		&job.Attempts, &job.MaxAttempts, &errCode, &errMessage,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.LockToken = textPtr(lockToken)
	job.WorkerID = textPtr(workerID)
	job.HeartbeatAt = timePtr(heartbeatAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ErrCode = textPtr(errCode)
	job.ErrMessage = textPtr(errMessage)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
