package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	StateAvailable State = "available"
	StateScheduled State = "scheduled"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateDiscarded State = "discarded"
)

// Queue names used by the gateway.
const (
	QueueSMSSend   = "sms_send"
	QueueSMSStatus = "sms_status"
)

// Job represents a row in jobs.
type Job struct {
	ID          int64           `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	LeaseUntil  *time.Time      `json:"leaseUntil,omitempty"`
	AttemptedBy *string         `json:"attemptedBy,omitempty"`
	LastError   *string         `json:"lastError,omitempty"`
	InsertedAt  time.Time       `json:"insertedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Schedule represents a row in job_schedules.
type Schedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	CronExpr    string          `json:"cronExpr"`
	Timezone    string          `json:"timezone"`
	Enabled     bool            `json:"enabled"`
	MaxAttempts int             `json:"maxAttempts"`
	NextRunAt   *time.Time      `json:"nextRunAt,omitempty"`
	LastRunAt   *time.Time      `json:"lastRunAt,omitempty"`
	InsertedAt  time.Time       `json:"insertedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// EnqueueOpts are optional parameters for Enqueue.
type EnqueueOpts struct {
	ScheduledAt *time.Time
	MaxAttempts int // 0 = default of 3
}

// Handler processes one claimed job. Implementations must be idempotent:
// execution is at-least-once. A returned SnoozeError re-schedules the job
// without charging its attempt budget; a CancelError cancels it
// permanently; any other error retries with backoff until the budget is
// exhausted.
type Handler func(ctx context.Context, job *Job) error

// SnoozeError asks the service to re-schedule the job after Delay and
// refund the attempt that claimed it.
type SnoozeError struct {
	Delay time.Duration
}

func (e *SnoozeError) Error() string {
	return fmt.Sprintf("snoozed for %s", e.Delay)
}

// CancelError asks the service to cancel the job permanently. Used for
// failures that no retry can fix.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string { return e.Reason }

// QueueStats holds aggregate counts by state for one queue.
type QueueStats struct {
	Available int `json:"available"`
	Scheduled int `json:"scheduled"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Discarded int `json:"discarded"`
}
