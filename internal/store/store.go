package store

import (
	"context"
	"errors"
	"time"

	"renderqueue/internal/models"
)

var (
	// ErrDuplicateJob is returned by Enqueue when the job id already exists.
	ErrDuplicateJob = errors.New("store: duplicate job id")

	// ErrNotFound is returned when a job id does not exist in the store.
	ErrNotFound = errors.New("store: job not found")
)

// TransitionResult tells a caller what happened to its conditional update.
// A worker that lost its lease gets NotOwner instead of an error so the loop
// can distinguish a lost race from a broken store.
type TransitionResult int

const (
	// Applied means the row was updated by this call.
	Applied TransitionResult = iota
	// NotOwner means the row exists but the presented worker no longer
	// holds the lease (reclaimed, re-leased, or already terminal).
	NotOwner
	// NotFound means no row with the given id exists.
	NotFound
)

func (r TransitionResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case NotOwner:
		return "not_owner"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	ID          string
	OwnerID     string
	Payload     []byte
	MaxAttempts int
}

// Stats counts jobs per lifecycle state.
type Stats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store is the durable job table plus the atomic lease operations layered on
// it. It is the single coordination point between producers, any number of
// concurrent worker processes, and the stale reaper; no caller keeps
// authoritative job state outside of it.
type Store interface {
	// Enqueue inserts a new queued job. ErrDuplicateJob when id exists.
	Enqueue(ctx context.Context, p EnqueueParams) error

	// LeaseNext atomically claims the oldest queued job (FIFO by enqueue
	// order, ties by id) for workerID, assigning a fresh lock token and
	// stamping started_at/heartbeat_at with now. Returns (nil, nil) when
	// no queued job exists.
	LeaseNext(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// RenewLease advances heartbeat_at to now for a running job owned by
	// workerID. The timestamp only moves forward; a non-owner is a no-op.
	RenewLease(ctx context.Context, id, workerID string, now time.Time) (TransitionResult, error)

	// RequeueStale returns every running job whose heartbeat is older than
	// now-threshold to queued, clearing its lease fields. Jobs that have
	// exhausted their attempts are failed permanently instead. Returns the
	// number of rows reclaimed (requeued plus exhausted).
	RequeueStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error)

	// MarkCompleted transitions running -> completed iff workerID still
	// holds the lease.
	MarkCompleted(ctx context.Context, id, workerID string) (TransitionResult, error)

	// MarkFailed transitions running -> failed iff workerID still holds
	// the lease, recording the error code and message.
	MarkFailed(ctx context.Context, id, workerID, errCode, errMessage string) (TransitionResult, error)

	// GetJob fetches a job by id. ErrNotFound when absent.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// QueueDepth returns the number of jobs currently queued.
	QueueDepth(ctx context.Context) (int64, error)

	// Stats returns per-status job counts.
	Stats(ctx context.Context) (Stats, error)
}

// RetryExhaustedCode is recorded on jobs failed by RequeueStale after their
// attempt budget ran out.
const RetryExhaustedCode = "RETRY_EXHAUSTED"

// DefaultMaxAttempts bounds the reclaim-fail loop for payloads that crash
// their worker on every attempt.
const DefaultMaxAttempts = 5
