package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusAcquired  TaskStatus = "ACQUIRED"
	TaskStatusExecuting TaskStatus = "EXECUTING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusExpired   TaskStatus = "EXPIRED"
	TaskStatusAborted   TaskStatus = "ABORTED"
)

// Task represents a unit of work handed out to exactly one polling worker
type Task struct {
	ID               string         `json:"id"`
	AccountID        string         `json:"account_id"`
	Criteria         string         `json:"criteria"`  // connectivity requirement, e.g. "reach-host-x"
	Selectors        []string       `json:"selectors"` // required worker tags, optional
	Payload          []byte         `json:"payload"`
	Format           EnvelopeFormat `json:"format"`
	Sync             bool           `json:"sync"` // must be retrieved synchronously
	Timeout          time.Duration  `json:"timeout"`
	Status           TaskStatus     `json:"status"`
	AssignedWorkerID string         `json:"assigned_worker_id,omitempty"`
	CapacityReleased bool           `json:"capacity_released"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
}

// Terminal reports whether the status admits no further transitions
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired, TaskStatusAborted:
		return true
	}
	return false
}

// Overdue reports whether the task has outlived its expiry deadline
func (t *Task) Overdue(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TaskEvent is a pointer to an assignable task, written by the dispatcher
// and read back by workers through the polling endpoint
type TaskEvent struct {
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	AccountID string    `json:"account_id"`
	WorkerID  string    `json:"worker_id"`
	Hint      string    `json:"hint"`
	Sync      bool      `json:"sync"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskPackage is the full payload handed to the single worker that wins
// acquisition
type TaskPackage struct {
	TaskID    string         `json:"task_id"`
	AccountID string         `json:"account_id"`
	Criteria  string         `json:"criteria"`
	Payload   []byte         `json:"payload"`
	Format    EnvelopeFormat `json:"format"`
	Timeout   time.Duration  `json:"timeout"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Package builds the wire package for an acquired task
func (t *Task) Package() *TaskPackage {
	return &TaskPackage{
		TaskID:    t.ID,
		AccountID: t.AccountID,
		Criteria:  t.Criteria,
		Payload:   t.Payload,
		Format:    t.Format,
		Timeout:   t.Timeout,
		ExpiresAt: t.ExpiresAt,
	}
}
