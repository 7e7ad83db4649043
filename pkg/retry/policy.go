// Package retry provides retry policies for failed computation tasks.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// Policy decides whether a failed task attempt should be retried and how
// long to wait before re-enqueueing it.
type Policy interface {
	// ShouldRetry determines whether to retry. attempt is 1-based: the
	// first failed execution is attempt 1.
	ShouldRetry(err error, attempt int) bool

	// NextDelay returns the delay before the next attempt.
	NextDelay(attempt int) time.Duration
}

// Condition is a function that determines whether an error is retryable.
type Condition func(error) bool

// ExponentialBackoff retries with exponentially growing delays.
type ExponentialBackoff struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	condition    Condition
	jitter       bool
	jitterFactor float64
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(maxAttempts int, initialDelay time.Duration, opts ...Option) *ExponentialBackoff {
	p := &ExponentialBackoff{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		multiplier:   2.0,
		maxDelay:     30 * time.Second,
		condition:    DefaultCondition,
		jitterFactor: 0.1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRetry determines whether to retry.
func (p *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.condition(err)
}

// NextDelay returns the delay for the next attempt.
func (p *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt-1)))
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return p.applyJitter(delay)
}

func (p *ExponentialBackoff) applyJitter(delay time.Duration) time.Duration {
	if !p.jitter {
		return delay
	}
	jitterRange := float64(delay) * p.jitterFactor
	jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange

	result := delay + time.Duration(jitterAmount)
	if result < 0 {
		result = delay / 2
	}
	return result
}

// FixedDelay retries with a constant delay.
type FixedDelay struct {
	maxAttempts int
	delay       time.Duration
	condition   Condition
}

// NewFixedDelay creates a fixed delay retry policy.
func NewFixedDelay(maxAttempts int, delay time.Duration) *FixedDelay {
	return &FixedDelay{maxAttempts: maxAttempts, delay: delay, condition: DefaultCondition}
}

// ShouldRetry determines whether to retry.
func (p *FixedDelay) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.condition(err)
}

// NextDelay returns the delay for the next attempt.
func (p *FixedDelay) NextDelay(int) time.Duration { return p.delay }

// Option configures a retry policy.
type Option func(*ExponentialBackoff)

// WithCondition sets the retry condition.
func WithCondition(c Condition) Option {
	return func(p *ExponentialBackoff) { p.condition = c }
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(p *ExponentialBackoff) {
		if m > 1 {
			p.multiplier = m
		}
	}
}

// WithMaxDelay caps the per-attempt delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *ExponentialBackoff) { p.maxDelay = d }
}

// WithJitter enables randomized jitter on delays.
func WithJitter(enabled bool, factor float64) Option {
	return func(p *ExponentialBackoff) {
		p.jitter = enabled
		if factor > 0 && factor <= 1.0 {
			p.jitterFactor = factor
		}
	}
}

// DefaultCondition retries only runtime-class failures. Timeouts already
// consumed the task's wait budget, validation and crash failures will not
// improve on a re-run, and state errors (queue closed, cancelled) are final.
func DefaultCondition(err error) bool {
	if err == nil {
		return false
	}
	var we *types.WorkerError
	if errors.As(err, &we) {
		return we.Class == types.ErrorRuntime
	}
	return false
}
