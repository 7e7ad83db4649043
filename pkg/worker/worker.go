// Package worker provides the isolated execution units that run calculation
// kernels. A worker owns its state, processes at most one assignment at a
// time, and communicates with the orchestrator exclusively through message
// envelopes.
package worker

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vloganathane/creb-compute/pkg/protocol"
	"github.com/vloganathane/creb-compute/pkg/types"
)

// State defines the state of a Worker
type State int32

const (
	// StateIdle represents idle worker state
	StateIdle State = iota
	// StateWorking represents working worker state
	StateWorking
	// StateStopped represents stopped worker state
	StateStopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Worker.
type Config struct {
	// ID identifies the worker in messages and logs
	ID int

	// InboxSize buffers envelopes from the orchestrator
	InboxSize int

	// OutboxSize buffers envelopes to the orchestrator
	OutboxSize int

	// MemoryWarnBytes is the heap allocation level that triggers a
	// resource-warning envelope after a task
	MemoryWarnBytes uint64

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for worker activity (optional)
	Logger *logrus.Logger
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig(id int) Config {
	return Config{
		ID:              id,
		InboxSize:       1,
		OutboxSize:      16,
		MemoryWarnBytes: 512 << 20,
		Clock:           types.NewRealClock(),
	}
}

// Worker executes calculation tasks delivered as assignment envelopes.
type Worker struct {
	id     int
	inbox  chan protocol.Envelope
	outbox chan protocol.Envelope

	state int32 // atomic State

	// statistics
	totalProcessed int64
	totalFailed    int64
	lastTaskTime   int64 // Unix nanosecond timestamp

	memoryWarn uint64
	clock      types.Clock
	logger     *logrus.Entry

	quit chan struct{}
	done chan struct{}
}

// New creates a Worker.
func New(cfg Config) *Worker {
	def := DefaultConfig(cfg.ID)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.MemoryWarnBytes == 0 {
		cfg.MemoryWarnBytes = def.MemoryWarnBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}

	return &Worker{
		id:         cfg.ID,
		inbox:      make(chan protocol.Envelope, cfg.InboxSize),
		outbox:     make(chan protocol.Envelope, cfg.OutboxSize),
		state:      int32(StateIdle),
		memoryWarn: cfg.MemoryWarnBytes,
		clock:      cfg.Clock,
		logger:     cfg.Logger.WithField("worker_id", cfg.ID),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the worker ID.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current worker state.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.state))
}

// Inbox is the channel the orchestrator sends envelopes on. The protocol
// forbids a second assignment before the prior result or error arrived.
func (w *Worker) Inbox() chan<- protocol.Envelope {
	return w.inbox
}

// Outbox is the channel the worker reports on.
func (w *Worker) Outbox() <-chan protocol.Envelope {
	return w.outbox
}

// Run processes envelopes until the context is cancelled, Stop is called, or
// a shutdown envelope arrives. It announces readiness first. Assignments are
// handled strictly one at a time; the serial receive loop is what enforces
// the at-most-one-in-flight invariant.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer atomic.StoreInt32(&w.state, int32(StateStopped))

	w.send(ctx, protocol.NewReady(protocol.ReadyInfo{
		WorkerID: w.id,
		Kinds: []types.CalcKind{
			types.KindEquationBalancing, types.KindThermodynamics,
			types.KindStoichiometry, types.KindBatchAnalysis,
			types.KindMatrixSolving, types.KindCompoundAnalysis,
		},
	}))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case env := <-w.inbox:
			switch env.Kind {
			case protocol.KindAssignment:
				w.handleAssignment(ctx, env)
			case protocol.KindHealthCheck:
				w.send(ctx, protocol.NewHealthCheckReply(env, w.id))
			case protocol.KindShutdown:
				w.logger.Debug("shutdown envelope received")
				return
			default:
				w.logger.WithField("kind", env.Kind).Debug("ignoring unexpected envelope")
			}
		}
	}
}

// Stop asks the worker to terminate and waits for the current task to finish.
func (w *Worker) Stop() error {
	select {
	case <-w.quit:
		return nil
	default:
		close(w.quit)
	}

	select {
	case <-w.done:
		return nil
	case <-w.clock.After(5 * time.Second):
		return fmt.Errorf("worker %d stop timeout", w.id)
	}
}

// handleAssignment executes one task and reports exactly one result or error
// envelope.
func (w *Worker) handleAssignment(ctx context.Context, env protocol.Envelope) {
	atomic.StoreInt32(&w.state, int32(StateWorking))
	defer atomic.StoreInt32(&w.state, int32(StateIdle))

	assignment, err := assignmentFromEnvelope(env)
	if err != nil {
		w.fail(ctx, types.NewWorkerError(types.ErrorValidation, w.id, env.TaskID, err))
		return
	}
	task := assignment.Task

	start := w.clock.Now()
	atomic.StoreInt64(&w.lastTaskTime, start.UnixNano())
	log := w.logger.WithFields(logrus.Fields{"task_id": task.ID, "kind": task.Kind})

	// remaining execution budget; the deadline runs from enqueue time
	enqueuedAt := assignment.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = start
	}
	var budget time.Duration
	if task.Timeout > 0 {
		budget = task.Timeout - w.clock.Since(enqueuedAt)
		if budget <= 0 {
			w.fail(ctx, types.NewWorkerError(types.ErrorTimeout, w.id, task.ID,
				fmt.Errorf("deadline exceeded before execution")))
			return
		}
	}

	type outcome struct {
		value any
		err   *types.WorkerError
	}
	outCh := make(chan outcome, 1)
	go func() {
		value, kerr := w.runKernelSafe(task)
		outCh <- outcome{value: value, err: kerr}
	}()

	var out outcome
	if budget > 0 {
		timer := w.clock.NewTimer(budget)
		defer timer.Stop()
		select {
		case out = <-outCh:
		case <-timer.C():
			// kernel loops do not poll for cancellation; the goroutine is
			// abandoned and its result discarded
			log.Warn("execution budget exhausted")
			w.fail(ctx, types.NewWorkerError(types.ErrorTimeout, w.id, task.ID,
				fmt.Errorf("execution exceeded %v budget", task.Timeout)))
			return
		}
	} else {
		out = <-outCh
	}

	duration := w.clock.Since(start)
	peak := w.sampleMemory(ctx, task.ID)

	if out.err != nil {
		log.WithError(out.err).Debug("kernel failed")
		w.fail(ctx, out.err)
		return
	}

	atomic.AddInt64(&w.totalProcessed, 1)
	w.send(ctx, protocol.NewResult(types.TaskResult{
		TaskID:    task.ID,
		Success:   true,
		Value:     out.value,
		Duration:  duration,
		PeakAlloc: peak,
	}))
}

// runKernelSafe dispatches to the kernel with panic isolation: a panicking
// kernel is reported as a crash instead of taking the worker down.
func (w *Worker) runKernelSafe(task types.Task) (value any, kerr *types.WorkerError) {
	defer func() {
		if r := recover(); r != nil {
			var buf [4096]byte
			n := runtime.Stack(buf[:], false)
			kerr = types.NewWorkerError(types.ErrorCrash, w.id, task.ID, fmt.Errorf("panic: %v", r)).
				WithContext("stack_trace", string(buf[:n]))
			value = nil
		}
	}()

	return runKernel(w.id, task, func(percent float64) {
		select {
		case w.outbox <- protocol.NewProgress(task.ID, percent):
		default:
			// progress is advisory, never block the kernel on it
		}
	})
}

// sampleMemory reads the current heap allocation and emits a resource
// warning when it breaches the configured threshold.
func (w *Worker) sampleMemory(ctx context.Context, taskID string) uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Alloc > w.memoryWarn {
		w.logger.WithFields(logrus.Fields{"alloc": ms.Alloc, "threshold": w.memoryWarn}).
			Warn("memory threshold breached")
		w.send(ctx, protocol.NewResourceWarning(taskID, protocol.ResourceWarningInfo{
			WorkerID:       w.id,
			AllocBytes:     ms.Alloc,
			ThresholdBytes: w.memoryWarn,
		}))
	}
	return ms.Alloc
}

func (w *Worker) fail(ctx context.Context, we *types.WorkerError) {
	atomic.AddInt64(&w.totalFailed, 1)
	w.send(ctx, protocol.NewError(we))
}

// send delivers an envelope to the orchestrator, giving up on shutdown.
func (w *Worker) send(ctx context.Context, env protocol.Envelope) {
	select {
	case w.outbox <- env:
	case <-ctx.Done():
	case <-w.quit:
	}
}

// Stats returns a snapshot of the worker's health counters.
func (w *Worker) Stats() Stats {
	return Stats{
		ID:             w.id,
		State:          w.State(),
		TotalProcessed: atomic.LoadInt64(&w.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&w.totalFailed),
		LastTaskTime:   time.Unix(0, atomic.LoadInt64(&w.lastTaskTime)),
	}
}

// Stats describes one worker's health.
type Stats struct {
	ID             int       `json:"id"`
	State          State     `json:"state"`
	TotalProcessed int64     `json:"total_processed"`
	TotalFailed    int64     `json:"total_failed"`
	LastTaskTime   time.Time `json:"last_task_time"`
}

// SuccessRate returns the fraction of processed tasks that succeeded.
func (s Stats) SuccessRate() float64 {
	total := s.TotalProcessed + s.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(s.TotalProcessed) / float64(total)
}
