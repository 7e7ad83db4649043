// Package types defines error types
package types

import (
	"errors"
	"fmt"
	"time"
)

// Predefined errors
var (
	// ErrQueueFull indicates the queue is at capacity
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueClosed indicates the queue was shut down
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrDuplicateTaskID indicates the task ID is already queued or in flight
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrInvalidPriority indicates a priority outside the four levels
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidKind indicates an unsupported calculation kind
	ErrInvalidKind = errors.New("invalid calculation kind")

	// ErrMissingPayload indicates a task was built without a payload
	ErrMissingPayload = errors.New("missing payload")

	// ErrNegativeTimeout indicates a negative task timeout
	ErrNegativeTimeout = errors.New("timeout must not be negative")

	// ErrTaskNotFound indicates the task is neither pending nor in flight
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskCancelled indicates the caller cancelled the task while pending
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrNotRunning indicates the orchestrator has not been started
	ErrNotRunning = errors.New("orchestrator is not running")

	// ErrAlreadyRunning indicates a second Start on a running orchestrator
	ErrAlreadyRunning = errors.New("orchestrator is already running")

	// ErrClosed indicates the orchestrator was closed
	ErrClosed = errors.New("orchestrator is closed")
)

// ErrorClass classifies a task failure.
type ErrorClass string

const (
	// ErrorTimeout means the wait-or-execution budget was exceeded
	ErrorTimeout ErrorClass = "timeout"
	// ErrorResourceExhaustion means a worker memory threshold was breached
	ErrorResourceExhaustion ErrorClass = "resource_exhaustion"
	// ErrorCrash means the worker terminated unexpectedly mid-task
	ErrorCrash ErrorClass = "crash"
	// ErrorValidation means the submission or payload was malformed
	ErrorValidation ErrorClass = "validation"
	// ErrorRuntime means the kernel itself raised an error
	ErrorRuntime ErrorClass = "runtime"
)

// WorkerError is the classified failure a worker reports for a task.
type WorkerError struct {
	// Class is the failure classification
	Class ErrorClass `json:"class"`

	// WorkerID identifies the worker, -1 when the task never dispatched
	WorkerID int `json:"worker_id"`

	// TaskID is the failed task
	TaskID string `json:"task_id"`

	// Timestamp records when the failure was observed
	Timestamp time.Time `json:"timestamp"`

	// Context carries diagnostic key/values (stack traces, dimensions, ...)
	Context map[string]any `json:"context,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d task %s failed (%s): %v", e.WorkerID, e.TaskID, e.Class, e.Cause)
}

// Unwrap returns the underlying error
func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error wraps a specific error
func (e *WorkerError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// WithContext adds a diagnostic key/value and returns the error for chaining.
func (e *WorkerError) WithContext(key string, value any) *WorkerError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewWorkerError creates a classified worker error.
func NewWorkerError(class ErrorClass, workerID int, taskID string, cause error) *WorkerError {
	return &WorkerError{
		Class:     class,
		WorkerID:  workerID,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ClassOf returns the failure class of err, or empty when err carries none.
func ClassOf(err error) ErrorClass {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Class
	}
	return ""
}
