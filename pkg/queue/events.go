package queue

import (
	"time"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// EventKind identifies a queue lifecycle event.
type EventKind string

const (
	// EventEnqueued fires when a task is accepted into the queue
	EventEnqueued EventKind = "enqueued"
	// EventDequeued fires when a task is handed to the dispatcher
	EventDequeued EventKind = "dequeued"
	// EventTimeout fires when a still-pending task exceeds its deadline
	EventTimeout EventKind = "timeout"
	// EventRemoved fires when a pending task is cancelled by id
	EventRemoved EventKind = "removed"
	// EventCleared fires when the queue is cleared
	EventCleared EventKind = "cleared"
)

// Event is an advisory queue notification. Events are delivered on a buffered
// channel and dropped when no consumer keeps up; terminal task notifications
// never travel this path.
type Event struct {
	Kind     EventKind      `json:"kind"`
	TaskID   string         `json:"task_id,omitempty"`
	Priority types.Priority `json:"priority"`
	Time     time.Time      `json:"time"`
}
