package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderqueue/internal/models"
)

// Memory is a mutex-guarded in-memory Store with the same transition
// semantics as Postgres. It backs tests and local development; production
// deployments need the durable store, since job state must survive the
// process.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (s *Memory) Enqueue(_ context.Context, p EnqueueParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[p.ID]; exists {
		return ErrDuplicateJob
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	s.jobs[p.ID] = &models.Job{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Payload:     append([]byte(nil), p.Payload...),
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (s *Memory) LeaseNext(_ context.Context, workerID string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.Job
	for _, job := range s.jobs {
		if job.Status != models.StatusQueued {
			continue
		}
		if next == nil || olderFIFO(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	token := uuid.NewString()
	ts := now.UTC()
	next.Status = models.StatusRunning
	next.LockToken = &token
	next.WorkerID = &workerID
	next.StartedAt = &ts
	next.HeartbeatAt = &ts
	next.Attempts++
	next.UpdatedAt = ts

	claimed := *next
	return &claimed, nil
}

func (s *Memory) RenewLease(_ context.Context, id, workerID string, now time.Time) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return NotFound, nil
	}
	if job.Status != models.StatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return NotOwner, nil
	}
	ts := now.UTC()
	if job.HeartbeatAt == nil || ts.After(*job.HeartbeatAt) {
		job.HeartbeatAt = &ts
		job.UpdatedAt = ts
	}
	return Applied, nil
}

func (s *Memory) RequeueStale(_ context.Context, now time.Time, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().Add(-threshold)
	ts := now.UTC()
	reclaimed := 0
	for _, job := range s.jobs {
		if job.Status != models.StatusRunning || job.HeartbeatAt == nil || !job.HeartbeatAt.Before(cutoff) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			code := RetryExhaustedCode
			msg := "lease expired after final attempt"
			job.Status = models.StatusFailed
			job.LockToken = nil
			job.HeartbeatAt = nil
			job.CompletedAt = &ts
			job.ErrCode = &code
			job.ErrMessage = &msg
		} else {
			job.Status = models.StatusQueued
			job.LockToken = nil
			job.WorkerID = nil
			job.StartedAt = nil
			job.HeartbeatAt = nil
		}
		job.UpdatedAt = ts
		reclaimed++
	}
	return reclaimed, nil
}

func (s *Memory) MarkCompleted(_ context.Context, id, workerID string) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return NotFound, nil
	}
	if job.Status != models.StatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return NotOwner, nil
	}
	ts := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.LockToken = nil
	job.HeartbeatAt = nil
	job.CompletedAt = &ts
	job.ErrCode = nil
	job.ErrMessage = nil
	job.UpdatedAt = ts
	return Applied, nil
}

func (s *Memory) MarkFailed(_ context.Context, id, workerID, errCode, errMessage string) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return NotFound, nil
	}
	if job.Status != models.StatusRunning || job.WorkerID == nil || *job.WorkerID != workerID {
		return NotOwner, nil
	}
	ts := time.Now().UTC()
	job.Status = models.StatusFailed
	job.LockToken = nil
	job.HeartbeatAt = nil
	job.CompletedAt = &ts
	job.ErrCode = &errCode
	job.ErrMessage = &errMessage
	job.UpdatedAt = ts
	return Applied, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (s *Memory) QueueDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == models.StatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *Memory) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, job := range s.jobs {
		switch job.Status {
		case models.StatusQueued:
			st.Queued++
		case models.StatusRunning:
			st.Running++
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// olderFIFO orders queued jobs by enqueue time, ties by id.
func olderFIFO(a, b *models.Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
