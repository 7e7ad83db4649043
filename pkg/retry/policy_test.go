package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// TestExponentialBackoff tests delay growth and attempt limits
func TestExponentialBackoff(t *testing.T) {
	runtimeErr := types.NewWorkerError(types.ErrorRuntime, 0, "t", errors.New("boom"))

	t.Run("DelayDoubles", func(t *testing.T) {
		p := NewExponentialBackoff(5, 100*time.Millisecond)

		assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
		assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
		assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	})

	t.Run("DelayCapped", func(t *testing.T) {
		p := NewExponentialBackoff(10, time.Second, WithMaxDelay(3*time.Second))
		assert.Equal(t, 3*time.Second, p.NextDelay(8))
	})

	t.Run("CustomMultiplier", func(t *testing.T) {
		p := NewExponentialBackoff(5, 100*time.Millisecond, WithMultiplier(3))
		assert.Equal(t, 300*time.Millisecond, p.NextDelay(2))
	})

	t.Run("AttemptLimit", func(t *testing.T) {
		p := NewExponentialBackoff(3, time.Millisecond)

		assert.True(t, p.ShouldRetry(runtimeErr, 1))
		assert.True(t, p.ShouldRetry(runtimeErr, 2))
		assert.False(t, p.ShouldRetry(runtimeErr, 3))
		assert.False(t, p.ShouldRetry(runtimeErr, 4))
	})

	t.Run("JitterStaysNearDelay", func(t *testing.T) {
		p := NewExponentialBackoff(5, 100*time.Millisecond, WithJitter(true, 0.1))

		for i := 0; i < 50; i++ {
			d := p.NextDelay(1)
			assert.GreaterOrEqual(t, d, 90*time.Millisecond)
			assert.LessOrEqual(t, d, 110*time.Millisecond)
		}
	})

	t.Run("AttemptFloor", func(t *testing.T) {
		p := NewExponentialBackoff(5, 100*time.Millisecond)
		assert.Equal(t, p.NextDelay(1), p.NextDelay(0))
	})
}

// TestFixedDelay tests the constant-delay policy
func TestFixedDelay(t *testing.T) {
	runtimeErr := types.NewWorkerError(types.ErrorRuntime, 0, "t", errors.New("boom"))
	p := NewFixedDelay(2, 50*time.Millisecond)

	assert.Equal(t, 50*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 50*time.Millisecond, p.NextDelay(7))
	assert.True(t, p.ShouldRetry(runtimeErr, 1))
	assert.False(t, p.ShouldRetry(runtimeErr, 2))
}

// TestDefaultCondition tests failure-class based retry decisions
func TestDefaultCondition(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NilError", nil, false},
		{"RuntimeClass", types.NewWorkerError(types.ErrorRuntime, 0, "t", errors.New("x")), true},
		{"TimeoutClass", types.NewWorkerError(types.ErrorTimeout, 0, "t", errors.New("x")), false},
		{"ValidationClass", types.NewWorkerError(types.ErrorValidation, 0, "t", errors.New("x")), false},
		{"CrashClass", types.NewWorkerError(types.ErrorCrash, 0, "t", errors.New("x")), false},
		{"PlainError", errors.New("unclassified"), false},
		{"StateError", types.ErrQueueClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultCondition(tt.err))
		})
	}
}

// TestWithCondition tests overriding the retry condition
func TestWithCondition(t *testing.T) {
	always := func(error) bool { return true }
	p := NewExponentialBackoff(3, time.Millisecond, WithCondition(always))

	assert.True(t, p.ShouldRetry(errors.New("anything"), 1))
}
