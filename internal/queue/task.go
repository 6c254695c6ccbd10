package queue

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the status of a task in the queue.
type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusDone     TaskStatus = "done"
	StatusFailed   TaskStatus = "failed"
	StatusDeferred TaskStatus = "deferred"
)

// Task is one unit of pipeline work. Tasks survive restarts and are executed
// at least once; handlers must tolerate re-delivery.
type Task struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// PackageID and Session identify the package and the processing chain the
	// task belongs to. Handlers revalidate the session before touching the
	// package.
	PackageID uint64 `json:"package_id"`
	Session   string `json:"session,omitempty"`

	// Meta carries small handler-specific values, like a provider message ID.
	Meta map[string]string `json:"meta,omitempty"`

	// Attempt counts deliveries of this task, including deliberate
	// reschedules.
	Attempt int `json:"attempt"`
	// Failures counts handler errors that were not deliberate reschedules.
	Failures int `json:"failures"`

	// RunAt is the earliest time the task may execute.
	RunAt time.Time `json:"run_at"`

	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	LastError   string     `json:"last_error,omitempty"`
}

// Stats represents queue statistics.
type Stats struct {
	Pending  int64 `json:"pending"`
	Running  int64 `json:"running"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Deferred int64 `json:"deferred"`
	Total    int64 `json:"total"`
}

// ListFilter represents filter options for listing tasks.
type ListFilter struct {
	Status TaskStatus
	Type   string
	Limit  int
	Offset int
}

// retryAfterError is the control-flow error handlers return to reschedule
// themselves. It is a deliberate reschedule, not a failure, so it does not
// count against the retry budget.
type retryAfterError struct {
	delay  time.Duration
	reason string
}

func (e *retryAfterError) Error() string {
	if e.reason == "" {
		return fmt.Sprintf("retry after %s", e.delay)
	}
	return fmt.Sprintf("retry after %s: %s", e.delay, e.reason)
}

// RetryAfter tells the runner to re-deliver the task after delay.
func RetryAfter(delay time.Duration) error {
	return &retryAfterError{delay: delay}
}

// RetryAfterReason is RetryAfter with an operator-visible explanation.
func RetryAfterReason(delay time.Duration, reason string) error {
	return &retryAfterError{delay: delay, reason: reason}
}

// AsRetryAfter extracts a reschedule request from err, if present.
func AsRetryAfter(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.delay, true
	}
	return 0, false
}
