// Package task runs named handlers from queue messages and owns their retry
// policy. Handlers schedule retries explicitly through Context.Retry.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrUnknownTask        = errors.New("unknown task")
	ErrRetryScheduled     = errors.New("retry already scheduled")
)

// Backoff is a fixed delay policy where the first retry may use its own delay.
type Backoff struct {
	Initial  time.Duration
	Interval time.Duration
}

// After returns the delay before the retry that follows attempt number retries.
func (b Backoff) After(retries int) time.Duration {
	if retries <= 0 {
		return b.Initial
	}
	return b.Interval
}

// Descriptor declares a task: its name, lane and retry policy.
type Descriptor struct {
	Name       string
	Queue      string
	MaxRetries int
	Backoff    Backoff
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(d.Queue) == "" {
		return fmt.Errorf("task %q: queue is required", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("task %q: max retries must not be negative", d.Name)
	}
	if d.Backoff.Initial < 0 || d.Backoff.Interval < 0 {
		return fmt.Errorf("task %q: backoff must not be negative", d.Name)
	}
	return nil
}

// Context is handed to a handler for one execution of a task.
type Context interface {
	ID() string
	Name() string
	// Retries is the number of retries that preceded this execution.
	Retries() int
	// Decode opens the sealed payload into v.
	Decode(v any) error
	// Retry schedules another execution with the same payload. It returns an
	// error wrapping ErrMaxRetriesExceeded when the budget is spent.
	Retry(ctx context.Context, cause error) error
}

// Handler executes one task. A returned error dead-letters the message.
type Handler func(ctx context.Context, tc Context) error

// Enqueuer submits new task executions.
type Enqueuer interface {
	Enqueue(ctx context.Context, d Descriptor, payload any) error
	// EnqueueOn submits to queue instead of the descriptor's lane.
	EnqueueOn(ctx context.Context, d Descriptor, queue string, payload any) error
}
