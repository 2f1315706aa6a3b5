package queue

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Priority orders tasks for reporting. Execution order stays FIFO; the
// priority is recorded on the task and surfaced in status output.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// TaskFunc is the unit of work a task carries.
type TaskFunc func(ctx context.Context) error

// SyncTask is one queued unit of sync work.
type SyncTask struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	TaskType   string         `json:"task_type"`
	Repository string         `json:"repository,omitempty"`
	Priority   Priority       `json:"priority"`
	Status     TaskStatus     `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	Run TaskFunc `json:"-"`
}

// SyncResult records the outcome of one task execution.
type SyncResult struct {
	TaskID      string        `json:"task_id"`
	Status      TaskStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
	Retries     int           `json:"retries"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	Workers        int      `json:"workers"`
	QueuedTasks    int      `json:"queued_tasks"`
	ActiveTasks    []string `json:"active_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	FailedTasks    int      `json:"failed_tasks"`
}
