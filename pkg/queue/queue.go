// Package queue provides the priority-ordered task queue at the core of the
// scheduling subsystem: strict priority across four levels, FIFO within a
// level, per-task timeout timers and queue-owned statistics.
package queue

import (
	"container/heap"
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vloganathane/creb-compute/pkg/types"
)

// ewmaAlpha weights new samples in the moving wait/execution averages.
const ewmaAlpha = 0.2

// staleFactor is the sweep threshold: tasks older than staleFactor times
// their timeout are removed even if their timer was lost.
const staleFactor = 2

// Entry is a queued task plus its enqueue timestamp.
type Entry struct {
	Task       types.Task `json:"task"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Snapshotter persists pending entries. Saving is best-effort: a cache
// warm-start, not a transaction log.
type Snapshotter interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Config configures a TaskQueue.
type Config struct {
	// Capacity bounds the number of pending tasks; <=0 means unlimited
	Capacity int

	// SweepInterval is how often the stale sweep runs
	SweepInterval time.Duration

	// Snapshotter enables best-effort persistence when non-nil
	Snapshotter Snapshotter

	// SnapshotInterval is how often pending entries are persisted
	SnapshotInterval time.Duration

	// EventBuffer sizes the advisory event channel
	EventBuffer int

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for snapshot failures and sweep activity (optional)
	Logger *logrus.Logger
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:         1000,
		SweepInterval:    time.Second,
		SnapshotInterval: 30 * time.Second,
		EventBuffer:      64,
		Clock:            types.NewRealClock(),
	}
}

// queuedTask is a heap node for one pending task.
type queuedTask struct {
	entry     Entry
	seq       uint64
	index     int
	stopTimer chan struct{} // nil when the task has no timeout
}

// entryHeap orders by priority descending, then submission sequence
// ascending. The sequence tiebreak keeps FIFO exact even when two enqueues
// share a clock reading.
type entryHeap []*queuedTask

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Task.Priority != h[j].entry.Task.Priority {
		return h[i].entry.Task.Priority > h[j].entry.Task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	qt := x.(*queuedTask)
	qt.index = len(*h)
	*h = append(*h, qt)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qt
}

// TaskQueue is the in-memory priority queue of pending task descriptors. Its
// statistics aggregate is owned by the queue and mutated only through the
// queue's own operations; callers only ever see snapshots.
type TaskQueue struct {
	cfg    Config
	clock  types.Clock
	logger *logrus.Logger

	mu       sync.Mutex
	heap     entryHeap
	byID     map[string]*queuedTask
	inflight map[string]Entry
	seq      uint64
	closed   bool

	totalEnqueued int64
	completed     int64
	failed        int64
	avgWait       time.Duration
	avgExec       time.Duration
	waitSamples   int64
	execSamples   int64
	startedAt     time.Time

	events   chan Event
	expired  chan Entry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a TaskQueue. When a Snapshotter is configured, pending entries
// from the previous run are reloaded; entries already past their deadline are
// discarded rather than re-enqueued.
func New(cfg Config) (*TaskQueue, error) {
	def := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}

	q := &TaskQueue{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		byID:      make(map[string]*queuedTask),
		inflight:  make(map[string]Entry),
		startedAt: cfg.Clock.Now(),
		events:    make(chan Event, cfg.EventBuffer),
		expired:   make(chan Entry, 16),
		stopCh:    make(chan struct{}),
	}

	if cfg.Snapshotter != nil {
		if err := q.restore(); err != nil {
			q.logger.WithError(err).Warn("snapshot restore failed, starting empty")
		}
	}

	q.wg.Add(1)
	go q.sweepLoop()
	if cfg.Snapshotter != nil {
		q.wg.Add(1)
		go q.snapshotLoop()
	}

	return q, nil
}

// restore reloads pending entries from the snapshotter, dropping entries
// whose deadline already passed.
func (q *TaskQueue) restore() error {
	entries, err := q.cfg.Snapshotter.Load(context.Background())
	if err != nil {
		return err
	}

	now := q.clock.Now()
	restored, dropped := 0, 0
	for _, e := range entries {
		if e.Task.Timeout > 0 && now.Sub(e.EnqueuedAt) >= e.Task.Timeout {
			dropped++
			continue
		}
		if err := q.enqueueEntry(e); err != nil {
			q.logger.WithError(err).WithField("task_id", e.Task.ID).Warn("skipping snapshot entry")
			continue
		}
		restored++
	}
	if restored > 0 || dropped > 0 {
		q.logger.WithFields(logrus.Fields{"restored": restored, "expired": dropped}).Info("queue snapshot restored")
	}
	return nil
}

// Enqueue validates and inserts a task. It fails when the queue is at
// capacity, the identifier duplicates a queued or in-flight task, the
// priority is invalid, or the timeout is negative.
func (q *TaskQueue) Enqueue(task types.Task) error {
	return q.enqueueEntry(Entry{Task: task, EnqueuedAt: q.clock.Now()})
}

func (q *TaskQueue) enqueueEntry(e Entry) error {
	task := e.Task
	if !task.Priority.Valid() {
		return types.ErrInvalidPriority
	}
	if task.Timeout < 0 {
		return types.ErrNegativeTimeout
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.ErrQueueClosed
	}
	if q.cfg.Capacity > 0 && len(q.heap) >= q.cfg.Capacity {
		q.mu.Unlock()
		return types.ErrQueueFull
	}
	if _, dup := q.byID[task.ID]; dup {
		q.mu.Unlock()
		return types.ErrDuplicateTaskID
	}
	if _, dup := q.inflight[task.ID]; dup {
		q.mu.Unlock()
		return types.ErrDuplicateTaskID
	}

	q.seq++
	qt := &queuedTask{entry: e, seq: q.seq}
	heap.Push(&q.heap, qt)
	q.byID[task.ID] = qt
	q.totalEnqueued++

	if task.Timeout > 0 {
		qt.stopTimer = make(chan struct{})
		remaining := task.Timeout - q.clock.Since(e.EnqueuedAt)
		q.wg.Add(1)
		go q.watchDeadline(task.ID, remaining, qt.stopTimer)
	}
	q.mu.Unlock()

	q.emit(Event{Kind: EventEnqueued, TaskID: task.ID, Priority: task.Priority, Time: e.EnqueuedAt})
	return nil
}

// watchDeadline expires a still-pending task when its timer fires. This is
// the only path a task fails without ever dequeuing.
func (q *TaskQueue) watchDeadline(id string, d time.Duration, stop <-chan struct{}) {
	defer q.wg.Done()

	if d < 0 {
		d = 0
	}
	timer := q.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		if entry, ok := q.expire(id); ok {
			q.deliverExpired(entry)
		}
	case <-stop:
	case <-q.stopCh:
	}
}

// expire removes a pending task that exceeded its deadline and counts the
// failure. Returns false when the task already left the queue.
func (q *TaskQueue) expire(id string) (Entry, bool) {
	q.mu.Lock()
	qt, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return Entry{}, false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.byID, id)
	if qt.stopTimer != nil {
		close(qt.stopTimer)
	}
	q.failed++
	q.mu.Unlock()

	q.emit(Event{Kind: EventTimeout, TaskID: id, Priority: qt.entry.Task.Priority, Time: q.clock.Now()})
	return qt.entry, true
}

// deliverExpired hands an expired entry to the expirations consumer. Delivery
// blocks the timer/sweep goroutine, never queue operations.
func (q *TaskQueue) deliverExpired(e Entry) {
	select {
	case q.expired <- e:
	case <-q.stopCh:
	}
}

// Dequeue removes and returns the oldest entry at the highest non-empty
// priority level. Ownership of the task transfers to the caller; the queue
// keeps only a lookup record for duplicate detection.
func (q *TaskQueue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	if len(q.heap) == 0 {
		q.mu.Unlock()
		return Entry{}, false
	}

	qt := heap.Pop(&q.heap).(*queuedTask)
	id := qt.entry.Task.ID
	delete(q.byID, id)
	if qt.stopTimer != nil {
		close(qt.stopTimer)
	}

	wait := q.clock.Since(qt.entry.EnqueuedAt)
	q.avgWait = ewma(q.avgWait, wait, q.waitSamples)
	q.waitSamples++
	q.inflight[id] = qt.entry
	q.mu.Unlock()

	q.emit(Event{Kind: EventDequeued, TaskID: id, Priority: qt.entry.Task.Priority, Time: q.clock.Now()})
	return qt.entry, true
}

// Peek returns the entry Dequeue would return, without removing it.
func (q *TaskQueue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Entry{}, false
	}
	return q.heap[0].entry, true
}

// Remove cancels a pending task by id. Idempotent: returns false when the
// task is not pending (unknown, already dequeued, or already removed).
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	qt, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.byID, id)
	if qt.stopTimer != nil {
		close(qt.stopTimer)
	}
	q.mu.Unlock()

	q.emit(Event{Kind: EventRemoved, TaskID: id, Priority: qt.entry.Task.Priority, Time: q.clock.Now()})
	return true
}

// Complete records the terminal outcome of a previously dequeued task.
func (q *TaskQueue) Complete(id string, success bool, execTime time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[id]; !ok {
		return
	}
	delete(q.inflight, id)

	if success {
		q.completed++
	} else {
		q.failed++
	}
	if execTime > 0 {
		q.avgExec = ewma(q.avgExec, execTime, q.execSamples)
		q.execSamples++
	}
}

// Release drops the in-flight record for a task without counting an outcome,
// so the task can be re-enqueued for a retry under the same id.
func (q *TaskQueue) Release(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return false
	}
	delete(q.inflight, id)
	return true
}

// Stats returns a read-only snapshot of the queue counters.
func (q *TaskQueue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[types.Priority]int, 4)
	for _, qt := range q.heap {
		byPriority[qt.entry.Task.Priority]++
	}

	var throughput float64
	if elapsed := q.clock.Since(q.startedAt).Seconds(); elapsed > 0 {
		throughput = float64(q.completed+q.failed) / elapsed
	}

	return types.QueueStats{
		TotalEnqueued: q.totalEnqueued,
		Pending:       int64(len(q.heap)),
		Running:       int64(len(q.inflight)),
		Completed:     q.completed,
		Failed:        q.failed,
		AverageWait:   q.avgWait,
		AverageExec:   q.avgExec,
		Throughput:    throughput,
		Length:        len(q.heap),
		ByPriority:    byPriority,
	}
}

// Info returns per-priority sizes and the age profile of pending tasks.
func (q *TaskQueue) Info() types.QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	info := types.QueueInfo{
		TotalSize:      len(q.heap),
		SizeByPriority: make(map[types.Priority]int, 4),
	}
	var totalAge time.Duration
	for _, qt := range q.heap {
		info.SizeByPriority[qt.entry.Task.Priority]++
		age := q.clock.Since(qt.entry.EnqueuedAt)
		totalAge += age
		if age > info.OldestAge {
			info.OldestAge = age
		}
	}
	if len(q.heap) > 0 {
		info.AverageAge = totalAge / time.Duration(len(q.heap))
	}
	return info
}

// Clear drops all pending tasks and in-flight records, disarms timers and
// zeroes the statistics counters. Outcomes reported for tasks dispatched
// before the clear are discarded.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	for _, qt := range q.heap {
		if qt.stopTimer != nil {
			close(qt.stopTimer)
		}
	}
	q.heap = q.heap[:0]
	q.byID = make(map[string]*queuedTask)
	q.inflight = make(map[string]Entry)

	q.totalEnqueued = 0
	q.completed = 0
	q.failed = 0
	q.avgWait = 0
	q.avgExec = 0
	q.waitSamples = 0
	q.execSamples = 0
	q.startedAt = q.clock.Now()
	q.mu.Unlock()

	q.emit(Event{Kind: EventCleared, Time: q.clock.Now()})
}

// Shutdown stops the queue's background goroutines, persists a final
// snapshot when persistence is enabled, and drops all pending tasks.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	var snapErr error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		pending := q.pendingLocked()
		q.mu.Unlock()

		if q.cfg.Snapshotter != nil {
			if snapErr = q.cfg.Snapshotter.Save(ctx, pending); snapErr != nil {
				q.logger.WithError(snapErr).Warn("final snapshot failed")
			}
		}

		close(q.stopCh)

		q.mu.Lock()
		for _, qt := range q.heap {
			if qt.stopTimer != nil {
				close(qt.stopTimer)
			}
		}
		q.heap = q.heap[:0]
		q.byID = make(map[string]*queuedTask)
		q.mu.Unlock()

		q.wg.Wait()
	})
	return snapErr
}

// Events exposes the advisory event channel.
func (q *TaskQueue) Events() <-chan Event {
	return q.events
}

// Expirations delivers entries that timed out while still pending. The
// consumer is responsible for producing the terminal timeout notification.
func (q *TaskQueue) Expirations() <-chan Entry {
	return q.expired
}

// pendingLocked copies the pending entries. Caller holds q.mu.
func (q *TaskQueue) pendingLocked() []Entry {
	entries := make([]Entry, 0, len(q.heap))
	for _, qt := range q.heap {
		entries = append(entries, qt.entry)
	}
	return entries
}

// emit sends an advisory event, dropping it when the buffer is full.
func (q *TaskQueue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

// sweepLoop removes tasks whose age exceeds staleFactor times their timeout,
// a safety net behind the per-task timers.
func (q *TaskQueue) sweepLoop() {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			for _, e := range q.sweepStale() {
				q.deliverExpired(e)
			}
		case <-q.stopCh:
			return
		}
	}
}

func (q *TaskQueue) sweepStale() []Entry {
	q.mu.Lock()
	now := q.clock.Now()
	var staleIDs []string
	for id, qt := range q.byID {
		timeout := qt.entry.Task.Timeout
		if timeout > 0 && now.Sub(qt.entry.EnqueuedAt) > staleFactor*timeout {
			staleIDs = append(staleIDs, id)
		}
	}
	q.mu.Unlock()

	var expired []Entry
	for _, id := range staleIDs {
		if e, ok := q.expire(id); ok {
			q.logger.WithField("task_id", id).Warn("stale task swept")
			expired = append(expired, e)
		}
	}
	return expired
}

// snapshotLoop persists pending entries on a fixed interval. Failures are
// logged and ignored: persistence is a warm-start cache, not durability.
func (q *TaskQueue) snapshotLoop() {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			q.mu.Lock()
			pending := q.pendingLocked()
			q.mu.Unlock()
			if err := q.cfg.Snapshotter.Save(context.Background(), pending); err != nil {
				q.logger.WithError(err).Warn("queue snapshot failed")
			}
		case <-q.stopCh:
			return
		}
	}
}

// ewma folds a new sample into a moving average; the first sample seeds it.
func ewma(current, sample time.Duration, samples int64) time.Duration {
	if samples == 0 {
		return sample
	}
	return time.Duration((1-ewmaAlpha)*float64(current) + ewmaAlpha*float64(sample))
}
