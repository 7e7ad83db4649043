// Package orchestrator ties the task queue, the worker pool, and the retry
// policy into one computation front end.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vloganathane/creb-compute/internal/metrics"
	"github.com/vloganathane/creb-compute/pkg/protocol"
	"github.com/vloganathane/creb-compute/pkg/queue"
	"github.com/vloganathane/creb-compute/pkg/retry"
	"github.com/vloganathane/creb-compute/pkg/types"
	"github.com/vloganathane/creb-compute/pkg/worker"
)

// Orchestrator states.
const (
	stateStopped int32 = iota
	stateRunning
	stateClosed
)

// Config configures an Orchestrator.
type Config struct {
	// Workers is the number of isolated workers
	Workers int

	// Queue configures the pending-task queue
	Queue queue.Config

	// RetryPolicy decides re-enqueueing of retryable failures; nil
	// disables retries
	RetryPolicy retry.Policy

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for orchestration activity (optional)
	Logger *logrus.Logger
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		Queue:       queue.DefaultConfig(),
		RetryPolicy: retry.NewExponentialBackoff(3, 100*time.Millisecond, retry.WithJitter(true, 0.1)),
		Clock:       types.NewRealClock(),
	}
}

// waiter carries the terminal notification for one submitted task. done
// flips exactly once; the channel closes with a value on completion or
// without one on cancellation.
type waiter struct {
	ch   chan types.TaskResult
	done bool
}

// Orchestrator accepts tasks, dispatches them to idle workers by priority,
// and delivers exactly one terminal notification per task that is not
// cancelled.
type Orchestrator struct {
	cfg   Config
	queue *queue.TaskQueue

	workers []*worker.Worker
	idleCh  chan *worker.Worker

	state int32 // atomic

	mu       sync.Mutex
	waiters  map[string]*waiter
	inflight map[string]types.Task
	attempts map[string]int

	wake     chan struct{}
	pingMu   sync.Mutex
	healthCh chan protocol.Envelope
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	clock  types.Clock
	logger *logrus.Entry
}

// New creates an Orchestrator. Workers do not run until Start.
func New(cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}
	if cfg.Queue.Clock == nil {
		cfg.Queue.Clock = cfg.Clock
	}
	if cfg.Queue.Logger == nil {
		cfg.Queue.Logger = cfg.Logger
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		queue:    q,
		idleCh:   make(chan *worker.Worker, cfg.Workers),
		waiters:  make(map[string]*waiter),
		inflight: make(map[string]types.Task),
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
		healthCh: make(chan protocol.Envelope, cfg.Workers),
		stopCh:   make(chan struct{}),
		clock:    cfg.Clock,
		logger:   cfg.Logger.WithField("component", "orchestrator"),
	}

	for i := 0; i < cfg.Workers; i++ {
		o.workers = append(o.workers, worker.New(worker.Config{
			ID:     i,
			Clock:  cfg.Clock,
			Logger: cfg.Logger,
		}))
	}

	return o, nil
}

// Start launches the workers and the dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.state, stateStopped, stateRunning) {
		if atomic.LoadInt32(&o.state) == stateClosed {
			return types.ErrClosed
		}
		return types.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for _, w := range o.workers {
		w := w
		o.wg.Add(2)
		go func() {
			defer o.wg.Done()
			w.Run(runCtx)
		}()
		go func() {
			defer o.wg.Done()
			o.routeOutbox(runCtx, w)
		}()
		o.idleCh <- w
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.dispatchLoop(runCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.consumeExpirations(runCtx)
	}()

	o.logger.WithField("workers", len(o.workers)).Info("orchestrator started")
	return nil
}

// Submit validates the task and enqueues it. Validation errors surface here,
// synchronously; everything after acceptance arrives through Await.
func (o *Orchestrator) Submit(task types.Task) error {
	switch atomic.LoadInt32(&o.state) {
	case stateClosed:
		return types.ErrClosed
	case stateStopped:
		return types.ErrNotRunning
	}

	if !task.Kind.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidKind, task.Kind)
	}
	if task.Payload == nil {
		return types.ErrMissingPayload
	}
	if task.ID == "" {
		task.ID = types.NewTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = o.clock.Now()
	}

	o.mu.Lock()
	if _, exists := o.waiters[task.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrDuplicateTaskID, task.ID)
	}
	o.waiters[task.ID] = &waiter{ch: make(chan types.TaskResult, 1)}
	o.mu.Unlock()

	if err := o.queue.Enqueue(task); err != nil {
		o.mu.Lock()
		delete(o.waiters, task.ID)
		o.mu.Unlock()
		return err
	}

	metrics.TasksSubmitted.WithLabelValues(task.Priority.String()).Inc()
	metrics.QueueLength.Set(float64(o.queue.Stats().Length))
	o.poke()
	return nil
}

// SubmitAndWait submits the task and blocks until its terminal result.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, task types.Task) (types.TaskResult, error) {
	if task.ID == "" {
		task.ID = types.NewTaskID()
	}
	if err := o.Submit(task); err != nil {
		return types.TaskResult{}, err
	}
	return o.Await(ctx, task.ID)
}

// Await blocks until the task's terminal notification. It returns
// ErrTaskNotFound for unknown IDs and ErrTaskCancelled when the task was
// cancelled before completing. Each task's result can be awaited once.
func (o *Orchestrator) Await(ctx context.Context, id string) (types.TaskResult, error) {
	o.mu.Lock()
	w, ok := o.waiters[id]
	o.mu.Unlock()
	if !ok {
		return types.TaskResult{}, fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}

	select {
	case res, ok := <-w.ch:
		o.mu.Lock()
		delete(o.waiters, id)
		o.mu.Unlock()
		if !ok {
			return types.TaskResult{}, types.ErrTaskCancelled
		}
		return res, nil
	case <-ctx.Done():
		return types.TaskResult{}, ctx.Err()
	}
}

// Cancel removes a pending task. It reports false when the task is unknown,
// already running, or already finished; cancelled tasks receive no terminal
// notification.
func (o *Orchestrator) Cancel(id string) bool {
	if !o.queue.Remove(id) {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.waiters[id]; ok && !w.done {
		w.done = true
		close(w.ch)
	}
	delete(o.attempts, id)
	return true
}

// Ping probes every worker and reports how many replied before the context
// expired. Pings are serialized: the reply channel is shared, so concurrent
// probes would consume each other's replies.
func (o *Orchestrator) Ping(ctx context.Context) (int, error) {
	if atomic.LoadInt32(&o.state) != stateRunning {
		return 0, types.ErrNotRunning
	}

	o.pingMu.Lock()
	defer o.pingMu.Unlock()

	probe := protocol.NewHealthCheck()
	sent := 0
	for _, w := range o.workers {
		select {
		case w.Inbox() <- probe:
			sent++
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	replies := 0
	for replies < sent {
		select {
		case env := <-o.healthCh:
			if env.CorrelationID == probe.CorrelationID {
				replies++
			}
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-o.stopCh:
			return replies, types.ErrClosed
		}
	}
	return replies, nil
}

// Stats returns queue statistics.
func (o *Orchestrator) Stats() types.QueueStats {
	return o.queue.Stats()
}

// QueueInfo returns a structural snapshot of the pending queue.
func (o *Orchestrator) QueueInfo() types.QueueInfo {
	return o.queue.Info()
}

// WorkerStats returns a health snapshot for every worker.
func (o *Orchestrator) WorkerStats() []worker.Stats {
	stats := make([]worker.Stats, 0, len(o.workers))
	for _, w := range o.workers {
		stats = append(stats, w.Stats())
	}
	return stats
}

// Stop drains nothing; it halts dispatch, stops the workers, shuts the queue
// down, and cancels every still-open waiter. The orchestrator cannot be
// restarted afterwards.
func (o *Orchestrator) Stop(ctx context.Context) error {
	prev := atomic.SwapInt32(&o.state, stateClosed)
	if prev == stateClosed {
		return types.ErrClosed
	}
	if prev == stateStopped {
		return o.queue.Shutdown(ctx)
	}

	close(o.stopCh)

	var firstErr error
	for _, w := range o.workers {
		if err := w.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.cancel()

	if err := o.queue.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	o.wg.Wait()

	o.mu.Lock()
	for id, w := range o.waiters {
		if !w.done {
			w.done = true
			close(w.ch)
		}
		delete(o.waiters, id)
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
	return firstErr
}

// Close stops the orchestrator without a deadline.
func (o *Orchestrator) Close() error {
	return o.Stop(context.Background())
}

// poke nudges the dispatch loop; a full wake buffer already guarantees a
// recheck.
func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pairs idle workers with the highest-priority pending task.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	for {
		var w *worker.Worker
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case w = <-o.idleCh:
		}

		for {
			entry, ok := o.nextEntry(ctx)
			if !ok {
				return
			}
			if o.expiredAtDispatch(entry) {
				continue
			}
			o.assign(ctx, entry, w)
			break
		}
	}
}

// nextEntry blocks until a task can be dequeued or the orchestrator stops.
func (o *Orchestrator) nextEntry(ctx context.Context) (queue.Entry, bool) {
	for {
		if entry, ok := o.queue.Dequeue(); ok {
			return entry, true
		}
		select {
		case <-ctx.Done():
			return queue.Entry{}, false
		case <-o.stopCh:
			return queue.Entry{}, false
		case <-o.wake:
		}
	}
}

// expiredAtDispatch handles the race where a task's deadline passed between
// its timer firing and the dequeue: the timer found the task gone, so the
// terminal timeout is produced here instead.
func (o *Orchestrator) expiredAtDispatch(entry queue.Entry) bool {
	task := entry.Task
	if task.Timeout <= 0 || o.clock.Since(entry.EnqueuedAt) < task.Timeout {
		return false
	}

	o.queue.Complete(task.ID, false, 0)
	o.finish(task.ID, types.TaskResult{
		TaskID:  task.ID,
		Success: false,
		Err: types.NewWorkerError(types.ErrorTimeout, -1, task.ID,
			fmt.Errorf("timed out after %v in queue", task.Timeout)),
	})
	metrics.TasksFailed.WithLabelValues(string(types.ErrorTimeout)).Inc()
	o.logger.WithField("task_id", task.ID).Debug("task expired at dispatch")
	return true
}

func (o *Orchestrator) assign(ctx context.Context, entry queue.Entry, w *worker.Worker) {
	task := entry.Task

	o.mu.Lock()
	o.inflight[task.ID] = task
	o.mu.Unlock()

	metrics.TaskWaitSeconds.Observe(o.clock.Since(entry.EnqueuedAt).Seconds())
	metrics.QueueLength.Set(float64(o.queue.Stats().Length))

	select {
	case w.Inbox() <- protocol.NewAssignment(task, entry.EnqueuedAt):
		o.logger.WithFields(logrus.Fields{
			"task_id": task.ID, "worker_id": w.ID(), "priority": task.Priority.String(),
		}).Debug("task dispatched")
	case <-ctx.Done():
	case <-o.stopCh:
	}
}

// routeOutbox consumes one worker's reports. The worker only re-enters the
// idle pool after its result or error envelope arrived, which keeps each
// worker at one task at a time.
func (o *Orchestrator) routeOutbox(ctx context.Context, w *worker.Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case env := <-w.Outbox():
			switch env.Kind {
			case protocol.KindResult:
				o.handleResult(env)
				o.releaseWorker(w)
			case protocol.KindError:
				o.handleError(ctx, env)
				o.releaseWorker(w)
			case protocol.KindReady:
				o.logger.WithField("worker_id", w.ID()).Debug("worker ready")
			case protocol.KindProgress:
				o.logger.WithFields(logrus.Fields{
					"task_id": env.TaskID, "progress": env.Payload,
				}).Debug("task progress")
			case protocol.KindHealthCheck:
				select {
				case o.healthCh <- env:
				default:
				}
			case protocol.KindResourceWarning:
				o.logger.WithFields(logrus.Fields{
					"worker_id": w.ID(), "task_id": env.TaskID,
				}).Warn("worker memory warning")
			}
		}
	}
}

func (o *Orchestrator) releaseWorker(w *worker.Worker) {
	select {
	case o.idleCh <- w:
	default:
		// idleCh is sized to the worker count; this cannot fill
	}
}

func (o *Orchestrator) handleResult(env protocol.Envelope) {
	res, ok := env.Payload.(types.TaskResult)
	if !ok {
		o.logger.WithField("task_id", env.TaskID).Error("malformed result payload")
		return
	}

	o.mu.Lock()
	task, known := o.inflight[env.TaskID]
	delete(o.inflight, env.TaskID)
	delete(o.attempts, env.TaskID)
	o.mu.Unlock()

	o.queue.Complete(env.TaskID, true, res.Duration)
	if known {
		metrics.TasksCompleted.WithLabelValues(string(task.Kind)).Inc()
		metrics.TaskDurationSeconds.WithLabelValues(string(task.Kind)).Observe(res.Duration.Seconds())
	}
	o.finish(env.TaskID, res)
}

func (o *Orchestrator) handleError(ctx context.Context, env protocol.Envelope) {
	we, ok := env.Payload.(*types.WorkerError)
	if !ok {
		o.logger.WithField("task_id", env.TaskID).Error("malformed error payload")
		we = types.NewWorkerError(types.ErrorRuntime, -1, env.TaskID,
			fmt.Errorf("malformed error envelope"))
	}

	o.mu.Lock()
	task, known := o.inflight[env.TaskID]
	delete(o.inflight, env.TaskID)
	o.attempts[env.TaskID]++
	attempt := o.attempts[env.TaskID]
	o.mu.Unlock()

	if known && o.cfg.RetryPolicy != nil && attempt <= task.RetryLimit &&
		o.cfg.RetryPolicy.ShouldRetry(we, attempt) {
		o.queue.Release(env.TaskID)
		o.scheduleRetry(ctx, task, attempt)
		return
	}

	o.queue.Complete(env.TaskID, false, 0)
	metrics.TasksFailed.WithLabelValues(string(we.Class)).Inc()
	o.mu.Lock()
	delete(o.attempts, env.TaskID)
	o.mu.Unlock()
	o.finish(env.TaskID, types.TaskResult{TaskID: env.TaskID, Success: false, Err: we})
}

// scheduleRetry re-enqueues the task after the policy delay. Each attempt
// gets a fresh budget: the deadline runs from the new enqueue time.
func (o *Orchestrator) scheduleRetry(ctx context.Context, task types.Task, attempt int) {
	delay := o.cfg.RetryPolicy.NextDelay(attempt)
	metrics.TaskRetries.Inc()
	o.logger.WithFields(logrus.Fields{
		"task_id": task.ID, "attempt": attempt, "delay": delay,
	}).Info("retrying task")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if delay > 0 {
			timer := o.clock.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C():
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			}
		}

		if err := o.queue.Enqueue(task); err != nil {
			o.finish(task.ID, types.TaskResult{
				TaskID:  task.ID,
				Success: false,
				Err: types.NewWorkerError(types.ErrorRuntime, -1, task.ID,
					fmt.Errorf("retry enqueue: %w", err)),
			})
			return
		}
		o.poke()
	}()
}

// consumeExpirations turns queue-side deadline removals into terminal
// notifications.
func (o *Orchestrator) consumeExpirations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case entry, ok := <-o.queue.Expirations():
			if !ok {
				return
			}
			id := entry.Task.ID
			metrics.TasksFailed.WithLabelValues(string(types.ErrorTimeout)).Inc()
			metrics.QueueLength.Set(float64(o.queue.Stats().Length))
			o.finish(id, types.TaskResult{
				TaskID:  id,
				Success: false,
				Err: types.NewWorkerError(types.ErrorTimeout, -1, id,
					fmt.Errorf("timed out after %v in queue", entry.Task.Timeout)),
			})
		}
	}
}

// finish delivers the terminal notification exactly once.
func (o *Orchestrator) finish(id string, res types.TaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.waiters[id]
	if !ok || w.done {
		return
	}
	w.done = true
	w.ch <- res
	close(w.ch)
}
