// Package protocol defines the typed message envelopes exchanged between the
// orchestrator and its workers. The two sides share no mutable state; every
// interaction is one of the envelope kinds below.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// Kind identifies an envelope's purpose.
type Kind string

const (
	// KindAssignment delivers exactly one task, orchestrator to worker
	KindAssignment Kind = "assignment"
	// KindResult carries a success payload with timing and memory figures
	KindResult Kind = "result"
	// KindError carries a failure classification and diagnostics
	KindError Kind = "error"
	// KindProgress is an optional 0-100 percentage for long tasks
	KindProgress Kind = "progress"
	// KindReady announces worker identity and capabilities at startup
	KindReady Kind = "ready"
	// KindShutdown asks a worker to terminate gracefully
	KindShutdown Kind = "shutdown"
	// KindHealthCheck is a bidirectional liveness probe
	KindHealthCheck Kind = "health_check"
	// KindResourceWarning reports a non-fatal memory threshold breach
	KindResourceWarning Kind = "resource_warning"
)

// Envelope is the fixed-shape communication unit between orchestrator and
// worker.
type Envelope struct {
	Kind          Kind      `json:"kind"`
	TaskID        string    `json:"task_id,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Assignment is the payload of an assignment envelope. It pairs the task with
// its enqueue timestamp, the baseline the worker measures the remaining
// execution budget from.
type Assignment struct {
	Task       types.Task `json:"task"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// ReadyInfo is the payload of a ready envelope.
type ReadyInfo struct {
	WorkerID int              `json:"worker_id"`
	Kinds    []types.CalcKind `json:"kinds"`
}

// ProgressInfo is the payload of a progress envelope.
type ProgressInfo struct {
	Percent float64 `json:"percent"`
}

// ResourceWarningInfo is the payload of a resource-warning envelope.
type ResourceWarningInfo struct {
	WorkerID       int    `json:"worker_id"`
	AllocBytes     uint64 `json:"alloc_bytes"`
	ThresholdBytes uint64 `json:"threshold_bytes"`
}

func newEnvelope(kind Kind, taskID string, payload any) Envelope {
	return Envelope{
		Kind:          kind,
		TaskID:        taskID,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
	}
}

// NewAssignment wraps one task for delivery to a worker. enqueuedAt is when
// the task entered the queue; its timeout budget runs from that moment.
func NewAssignment(task types.Task, enqueuedAt time.Time) Envelope {
	return newEnvelope(KindAssignment, task.ID, Assignment{Task: task, EnqueuedAt: enqueuedAt})
}

// NewResult wraps a terminal success for delivery to the orchestrator.
func NewResult(res types.TaskResult) Envelope {
	return newEnvelope(KindResult, res.TaskID, res)
}

// NewError wraps a classified failure for delivery to the orchestrator.
func NewError(we *types.WorkerError) Envelope {
	return newEnvelope(KindError, we.TaskID, we)
}

// NewProgress reports completion percentage for a long-running task.
// The percentage is clamped to [0, 100].
func NewProgress(taskID string, percent float64) Envelope {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return newEnvelope(KindProgress, taskID, ProgressInfo{Percent: percent})
}

// NewReady announces a worker's identity and supported calculation kinds.
func NewReady(info ReadyInfo) Envelope {
	return newEnvelope(KindReady, "", info)
}

// NewShutdown asks a worker to terminate after its current task.
func NewShutdown() Envelope {
	return newEnvelope(KindShutdown, "", nil)
}

// NewHealthCheck creates a liveness probe. The responder echoes the
// correlation ID so probes can be matched to replies.
func NewHealthCheck() Envelope {
	return newEnvelope(KindHealthCheck, "", nil)
}

// NewHealthCheckReply answers a probe, preserving its correlation ID.
func NewHealthCheckReply(probe Envelope, workerID int) Envelope {
	env := newEnvelope(KindHealthCheck, "", ReadyInfo{WorkerID: workerID})
	env.CorrelationID = probe.CorrelationID
	return env
}

// NewResourceWarning reports a non-fatal memory threshold breach.
func NewResourceWarning(taskID string, info ResourceWarningInfo) Envelope {
	return newEnvelope(KindResourceWarning, taskID, info)
}

// Validate checks the envelope's structural invariants.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindAssignment, KindResult, KindError:
		if e.TaskID == "" {
			return fmt.Errorf("%s envelope requires a task id", e.Kind)
		}
		if e.Payload == nil {
			return fmt.Errorf("%s envelope requires a payload", e.Kind)
		}
	case KindProgress:
		if e.TaskID == "" {
			return fmt.Errorf("progress envelope requires a task id")
		}
	case KindReady, KindShutdown, KindHealthCheck, KindResourceWarning:
		// no task binding required
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// MaxMessageSize is the maximum allowed framed envelope payload (16 MiB).
const MaxMessageSize = 16 << 20

// WriteEnvelope writes a length-prefixed JSON envelope to w. The frame is a
// 4-byte big-endian length followed by the JSON payload, so workers can sit
// behind any byte stream even though the in-process transport is channels.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed JSON envelope from r. Payloads come
// back as decoded JSON values; kernel dispatch re-decodes them into the
// concrete input types.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Envelope{}, fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return Envelope{}, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, fmt.Errorf("read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
