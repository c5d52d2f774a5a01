package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in the store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is the unit of schedulable rendering work. The producer assigns the ID;
// everything under the lease fields is owned by the store's atomic transitions.
type Job struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	LockToken   *string         `json:"lock_token,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ErrCode     *string         `json:"err_code,omitempty"`
	ErrMessage  *string         `json:"err_message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Running reports whether the job currently holds a lease.
func (j Job) Running() bool { return j.Status == StatusRunning }

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
