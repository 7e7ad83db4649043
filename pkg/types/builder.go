package types

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewTaskID generates a fresh task identifier. ULIDs encode the creation
// timestamp plus random entropy, so IDs sort by submission time.
func NewTaskID() string {
	return ulid.Make().String()
}

// TaskBuilder accumulates task fields and validates them on Build.
// A builder without an explicit ID yields an independent task with a fresh
// identifier on every Build call.
type TaskBuilder struct {
	id         string
	kind       CalcKind
	payload    any
	priority   Priority
	timeout    time.Duration
	retryLimit int
	metadata   map[string]string
	clock      Clock
}

// NewTaskBuilder creates a builder with normal priority and no deadline.
func NewTaskBuilder() *TaskBuilder {
	return &TaskBuilder{
		priority: PriorityNormal,
		clock:    NewRealClock(),
	}
}

// WithID sets an explicit task identifier.
func (b *TaskBuilder) WithID(id string) *TaskBuilder {
	b.id = id
	return b
}

// WithKind sets the calculation kind. Required.
func (b *TaskBuilder) WithKind(kind CalcKind) *TaskBuilder {
	b.kind = kind
	return b
}

// WithPayload sets the kind-specific payload. Required.
func (b *TaskBuilder) WithPayload(payload any) *TaskBuilder {
	b.payload = payload
	return b
}

// WithPriority sets the scheduling priority.
func (b *TaskBuilder) WithPriority(p Priority) *TaskBuilder {
	b.priority = p
	return b
}

// WithTimeout sets the deadline measured from enqueue time.
func (b *TaskBuilder) WithTimeout(d time.Duration) *TaskBuilder {
	b.timeout = d
	return b
}

// WithRetryLimit sets the retry budget for runtime failures.
func (b *TaskBuilder) WithRetryLimit(n int) *TaskBuilder {
	b.retryLimit = n
	return b
}

// WithMetadata adds one metadata key/value.
func (b *TaskBuilder) WithMetadata(key, value string) *TaskBuilder {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
	return b
}

// WithClock overrides the clock used for the creation timestamp.
func (b *TaskBuilder) WithClock(clock Clock) *TaskBuilder {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// Build validates the accumulated fields and produces an immutable Task.
// The builder stays usable; rebuilding derives a fresh ID unless one was set.
func (b *TaskBuilder) Build() (Task, error) {
	if !b.kind.Valid() {
		return Task{}, ErrInvalidKind
	}
	if b.payload == nil {
		return Task{}, ErrMissingPayload
	}
	if !b.priority.Valid() {
		return Task{}, ErrInvalidPriority
	}
	if b.timeout < 0 {
		return Task{}, ErrNegativeTimeout
	}

	id := b.id
	if id == "" {
		id = NewTaskID()
	}

	var meta map[string]string
	if len(b.metadata) > 0 {
		meta = make(map[string]string, len(b.metadata))
		for k, v := range b.metadata {
			meta[k] = v
		}
	}

	return Task{
		ID:         id,
		Kind:       b.kind,
		Payload:    b.payload,
		Priority:   b.priority,
		CreatedAt:  b.clock.Now(),
		Timeout:    b.timeout,
		RetryLimit: b.retryLimit,
		Metadata:   meta,
	}, nil
}
