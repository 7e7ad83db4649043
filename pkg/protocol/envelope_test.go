package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// TestEnvelopeConstructors tests kind-specific constructors
func TestEnvelopeConstructors(t *testing.T) {
	t.Run("Assignment", func(t *testing.T) {
		task := types.Task{ID: "t-1", Kind: types.KindEquationBalancing, Payload: "p"}
		enqueued := time.Now()
		env := NewAssignment(task, enqueued)

		assert.Equal(t, KindAssignment, env.Kind)
		assert.Equal(t, "t-1", env.TaskID)
		assert.Equal(t, enqueued, env.Payload.(Assignment).EnqueuedAt)
		assert.NotEmpty(t, env.CorrelationID)
		assert.False(t, env.Timestamp.IsZero())
		assert.NoError(t, env.Validate())
	})

	t.Run("Result", func(t *testing.T) {
		env := NewResult(types.TaskResult{TaskID: "t-2", Success: true, Duration: time.Second})
		assert.Equal(t, KindResult, env.Kind)
		assert.Equal(t, "t-2", env.TaskID)
		assert.NoError(t, env.Validate())
	})

	t.Run("Error", func(t *testing.T) {
		we := types.NewWorkerError(types.ErrorRuntime, 1, "t-3", errors.New("boom"))
		env := NewError(we)
		assert.Equal(t, KindError, env.Kind)
		assert.Equal(t, "t-3", env.TaskID)
		assert.NoError(t, env.Validate())
	})

	t.Run("ProgressClamping", func(t *testing.T) {
		env := NewProgress("t-4", 150)
		assert.Equal(t, 100.0, env.Payload.(ProgressInfo).Percent)

		env = NewProgress("t-4", -5)
		assert.Equal(t, 0.0, env.Payload.(ProgressInfo).Percent)

		env = NewProgress("t-4", 42.5)
		assert.Equal(t, 42.5, env.Payload.(ProgressInfo).Percent)
	})

	t.Run("HealthCheckReplyEchoesCorrelation", func(t *testing.T) {
		probe := NewHealthCheck()
		reply := NewHealthCheckReply(probe, 7)

		assert.Equal(t, probe.CorrelationID, reply.CorrelationID)
		assert.Equal(t, 7, reply.Payload.(ReadyInfo).WorkerID)
	})

	t.Run("UniqueCorrelationIDs", func(t *testing.T) {
		a := NewShutdown()
		b := NewShutdown()
		assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
	})
}

// TestEnvelopeValidate tests structural invariants per kind
func TestEnvelopeValidate(t *testing.T) {
	t.Run("TaskBoundKindsNeedTaskID", func(t *testing.T) {
		for _, kind := range []Kind{KindAssignment, KindResult, KindError} {
			env := Envelope{Kind: kind, Payload: "x"}
			assert.ErrorContains(t, env.Validate(), "task id", "kind %s", kind)
		}
	})

	t.Run("TaskBoundKindsNeedPayload", func(t *testing.T) {
		env := Envelope{Kind: KindResult, TaskID: "t-1"}
		assert.ErrorContains(t, env.Validate(), "payload")
	})

	t.Run("ProgressNeedsTaskID", func(t *testing.T) {
		env := Envelope{Kind: KindProgress}
		assert.ErrorContains(t, env.Validate(), "task id")
	})

	t.Run("ControlKindsNeedNothing", func(t *testing.T) {
		for _, kind := range []Kind{KindReady, KindShutdown, KindHealthCheck, KindResourceWarning} {
			env := Envelope{Kind: kind}
			assert.NoError(t, env.Validate(), "kind %s", kind)
		}
	})

	t.Run("UnknownKind", func(t *testing.T) {
		env := Envelope{Kind: "telemetry"}
		assert.ErrorContains(t, env.Validate(), "unknown envelope kind")
	})
}

// TestEnvelopeFraming tests the length-prefixed wire format
func TestEnvelopeFraming(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		task := types.Task{
			ID:       "t-9",
			Kind:     types.KindMatrixSolving,
			Payload:  map[string]any{"a": []any{[]any{1.0}}, "b": []any{2.0}},
			Priority: types.PriorityHigh,
		}
		var buf bytes.Buffer
		require.NoError(t, WriteEnvelope(&buf, NewAssignment(task, time.Now())))

		got, err := ReadEnvelope(&buf)
		require.NoError(t, err)

		assert.Equal(t, KindAssignment, got.Kind)
		assert.Equal(t, "t-9", got.TaskID)
		assert.NotEmpty(t, got.CorrelationID)
	})

	t.Run("MultipleFrames", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteEnvelope(&buf, NewProgress("t-1", 50)))
		require.NoError(t, WriteEnvelope(&buf, NewShutdown()))

		first, err := ReadEnvelope(&buf)
		require.NoError(t, err)
		assert.Equal(t, KindProgress, first.Kind)

		second, err := ReadEnvelope(&buf)
		require.NoError(t, err)
		assert.Equal(t, KindShutdown, second.Kind)
	})

	t.Run("OversizedFrameRejected", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1)))

		_, err := ReadEnvelope(&buf)
		assert.ErrorContains(t, err, "exceeds maximum")
	})

	t.Run("OversizedWriteRejected", func(t *testing.T) {
		env := NewResult(types.TaskResult{
			TaskID:  "t-big",
			Success: true,
			Value:   strings.Repeat("x", MaxMessageSize),
		})

		var buf bytes.Buffer
		err := WriteEnvelope(&buf, env)
		assert.ErrorContains(t, err, "exceeds maximum")
		assert.Zero(t, buf.Len(), "no partial frame may be written")
	})

	t.Run("TruncatedFrame", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(100)))
		buf.WriteString("short")

		_, err := ReadEnvelope(&buf)
		assert.ErrorContains(t, err, "read payload")
	})

	t.Run("EmptyStream", func(t *testing.T) {
		_, err := ReadEnvelope(bytes.NewReader(nil))
		assert.Error(t, err)
	})
}
