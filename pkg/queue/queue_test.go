package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vloganathane/creb-compute/internal/testutils"
	"github.com/vloganathane/creb-compute/pkg/types"
)

func newTestQueue(t *testing.T, cfg Config) *TaskQueue {
	t.Helper()
	q, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func testTask(id string, p types.Priority) types.Task {
	return types.Task{
		ID:        id,
		Kind:      types.KindEquationBalancing,
		Payload:   "payload",
		Priority:  p,
		CreatedAt: time.Now(),
	}
}

// TestEnqueueDequeue tests priority ordering and FIFO within a level
func TestEnqueueDequeue(t *testing.T) {
	t.Run("StrictPriorityOrder", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		require.NoError(t, q.Enqueue(testTask("low", types.PriorityLow)))
		require.NoError(t, q.Enqueue(testTask("critical", types.PriorityCritical)))
		require.NoError(t, q.Enqueue(testTask("normal", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("high", types.PriorityHigh)))

		var order []string
		for {
			e, ok := q.Dequeue()
			if !ok {
				break
			}
			order = append(order, e.Task.ID)
		}
		assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
	})

	t.Run("FIFOWithinLevel", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		for i := 0; i < 10; i++ {
			require.NoError(t, q.Enqueue(testTask(fmt.Sprintf("task-%d", i), types.PriorityNormal)))
		}

		for i := 0; i < 10; i++ {
			e, ok := q.Dequeue()
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("task-%d", i), e.Task.ID)
		}
	})

	t.Run("EmptyDequeue", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		_, ok := q.Dequeue()
		assert.False(t, ok)
	})

	t.Run("HigherPriorityJumpsAhead", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		require.NoError(t, q.Enqueue(testTask("first-normal", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("second-normal", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("late-critical", types.PriorityCritical)))

		e, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "late-critical", e.Task.ID)
	})
}

// TestEnqueueValidation tests rejection paths
func TestEnqueueValidation(t *testing.T) {
	t.Run("InvalidPriority", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		err := q.Enqueue(testTask("t", types.Priority(7)))
		assert.ErrorIs(t, err, types.ErrInvalidPriority)
	})

	t.Run("NegativeTimeout", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		task := testTask("t", types.PriorityNormal)
		task.Timeout = -time.Second
		assert.ErrorIs(t, q.Enqueue(task), types.ErrNegativeTimeout)
	})

	t.Run("DuplicatePending", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("dup", types.PriorityNormal)))
		assert.ErrorIs(t, q.Enqueue(testTask("dup", types.PriorityHigh)), types.ErrDuplicateTaskID)
	})

	t.Run("DuplicateInFlight", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("dup", types.PriorityNormal)))
		_, ok := q.Dequeue()
		require.True(t, ok)

		// still in flight, the id stays reserved
		assert.ErrorIs(t, q.Enqueue(testTask("dup", types.PriorityNormal)), types.ErrDuplicateTaskID)

		// after the terminal outcome the id is free again
		q.Complete("dup", true, time.Millisecond)
		assert.NoError(t, q.Enqueue(testTask("dup", types.PriorityNormal)))
	})

	t.Run("CapacityLimit", func(t *testing.T) {
		q := newTestQueue(t, Config{Capacity: 2})
		require.NoError(t, q.Enqueue(testTask("a", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("b", types.PriorityNormal)))
		assert.ErrorIs(t, q.Enqueue(testTask("c", types.PriorityNormal)), types.ErrQueueFull)

		// dequeuing frees a slot
		_, ok := q.Dequeue()
		require.True(t, ok)
		assert.NoError(t, q.Enqueue(testTask("c", types.PriorityNormal)))
	})

	t.Run("ClosedQueue", func(t *testing.T) {
		q, err := New(Config{})
		require.NoError(t, err)
		require.NoError(t, q.Shutdown(context.Background()))
		assert.ErrorIs(t, q.Enqueue(testTask("t", types.PriorityNormal)), types.ErrQueueClosed)
	})
}

// TestPeekAndRemove tests non-consuming inspection and cancellation
func TestPeekAndRemove(t *testing.T) {
	t.Run("PeekDoesNotRemove", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("only", types.PriorityNormal)))

		e, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, "only", e.Task.ID)
		assert.Equal(t, 1, q.Stats().Length)

		e, ok = q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "only", e.Task.ID)
	})

	t.Run("PeekEmpty", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		_, ok := q.Peek()
		assert.False(t, ok)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("victim", types.PriorityNormal)))

		assert.True(t, q.Remove("victim"))
		assert.False(t, q.Remove("victim"))
		assert.False(t, q.Remove("never-existed"))

		_, ok := q.Dequeue()
		assert.False(t, ok)
	})

	t.Run("RemoveMiddleOfHeap", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(testTask(fmt.Sprintf("t-%d", i), types.PriorityNormal)))
		}
		require.True(t, q.Remove("t-2"))

		var order []string
		for {
			e, ok := q.Dequeue()
			if !ok {
				break
			}
			order = append(order, e.Task.ID)
		}
		assert.Equal(t, []string{"t-0", "t-1", "t-3", "t-4"}, order)
	})
}

// TestTimeout tests deadline expiry of pending tasks
func TestTimeout(t *testing.T) {
	t.Run("PendingTaskExpires", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		task := testTask("doomed", types.PriorityNormal)
		task.Timeout = 20 * time.Millisecond
		require.NoError(t, q.Enqueue(task))

		select {
		case e := <-q.Expirations():
			assert.Equal(t, "doomed", e.Task.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("expiration never delivered")
		}

		// expired exactly once, and no longer dequeuable
		_, ok := q.Dequeue()
		assert.False(t, ok)
		stats := q.Stats()
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(0), stats.Completed)
	})

	t.Run("DequeueDisarmsTimer", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		task := testTask("rescued", types.PriorityNormal)
		task.Timeout = 30 * time.Millisecond
		require.NoError(t, q.Enqueue(task))

		_, ok := q.Dequeue()
		require.True(t, ok)

		select {
		case e := <-q.Expirations():
			t.Fatalf("dequeued task %s still expired", e.Task.ID)
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, int64(0), q.Stats().Failed)
	})

	t.Run("RemoveDisarmsTimer", func(t *testing.T) {
		q := newTestQueue(t, Config{})

		task := testTask("cancelled", types.PriorityNormal)
		task.Timeout = 30 * time.Millisecond
		require.NoError(t, q.Enqueue(task))
		require.True(t, q.Remove("cancelled"))

		select {
		case e := <-q.Expirations():
			t.Fatalf("removed task %s still expired", e.Task.ID)
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, int64(0), q.Stats().Failed)
	})

	t.Run("SweepCatchesMissedTimer", func(t *testing.T) {
		q := newTestQueue(t, Config{SweepInterval: time.Hour})

		task := testTask("stale", types.PriorityNormal)
		task.Timeout = 5 * time.Millisecond
		require.NoError(t, q.Enqueue(task))

		// simulate a lost watchdog, then let the task pass twice its timeout
		q.mu.Lock()
		close(q.byID["stale"].stopTimer)
		q.byID["stale"].stopTimer = nil
		q.mu.Unlock()
		time.Sleep(20 * time.Millisecond)

		expired := q.sweepStale()
		require.Len(t, expired, 1)
		assert.Equal(t, "stale", expired[0].Task.ID)
		assert.Equal(t, int64(1), q.Stats().Failed)
	})
}

// TestCompleteAndRelease tests in-flight bookkeeping
func TestCompleteAndRelease(t *testing.T) {
	t.Run("CompleteCounts", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("ok", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("bad", types.PriorityNormal)))

		q.Dequeue()
		q.Dequeue()
		q.Complete("ok", true, 10*time.Millisecond)
		q.Complete("bad", false, 0)

		stats := q.Stats()
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(0), stats.Running)
		assert.Equal(t, 10*time.Millisecond, stats.AverageExec)
	})

	t.Run("CompleteUnknownIsNoop", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		q.Complete("ghost", true, time.Second)
		assert.Equal(t, int64(0), q.Stats().Completed)
	})

	t.Run("ReleaseAllowsRetry", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("again", types.PriorityNormal)))
		q.Dequeue()

		assert.True(t, q.Release("again"))
		assert.False(t, q.Release("again"))

		// no outcome was counted and the id is free for the retry
		stats := q.Stats()
		assert.Equal(t, int64(0), stats.Completed+stats.Failed)
		assert.NoError(t, q.Enqueue(testTask("again", types.PriorityNormal)))
	})
}

// TestStats tests the statistics aggregate
func TestStats(t *testing.T) {
	t.Run("CountsAndBreakdown", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("a", types.PriorityLow)))
		require.NoError(t, q.Enqueue(testTask("b", types.PriorityHigh)))
		require.NoError(t, q.Enqueue(testTask("c", types.PriorityHigh)))

		stats := q.Stats()
		assert.Equal(t, int64(3), stats.TotalEnqueued)
		assert.Equal(t, int64(3), stats.Pending)
		assert.Equal(t, 3, stats.Length)
		assert.Equal(t, 1, stats.ByPriority[types.PriorityLow])
		assert.Equal(t, 2, stats.ByPriority[types.PriorityHigh])
	})

	t.Run("AverageWaitTracked", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("w", types.PriorityNormal)))
		time.Sleep(10 * time.Millisecond)
		q.Dequeue()

		assert.GreaterOrEqual(t, q.Stats().AverageWait, 10*time.Millisecond)
	})

	t.Run("Info", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("x", types.PriorityCritical)))
		time.Sleep(5 * time.Millisecond)

		info := q.Info()
		assert.Equal(t, 1, info.TotalSize)
		assert.Equal(t, 1, info.SizeByPriority[types.PriorityCritical])
		assert.GreaterOrEqual(t, info.OldestAge, 5*time.Millisecond)
		assert.GreaterOrEqual(t, info.AverageAge, 5*time.Millisecond)
	})

	t.Run("ClearZeroesEverything", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("a", types.PriorityNormal)))
		require.NoError(t, q.Enqueue(testTask("b", types.PriorityNormal)))
		q.Dequeue()
		q.Complete("a", true, time.Millisecond)

		q.Clear()

		stats := q.Stats()
		assert.Equal(t, int64(0), stats.TotalEnqueued)
		assert.Equal(t, int64(0), stats.Completed)
		assert.Equal(t, int64(0), stats.Failed)
		assert.Equal(t, 0, stats.Length)
		assert.Zero(t, stats.AverageWait)
		assert.Zero(t, stats.AverageExec)

		_, ok := q.Dequeue()
		assert.False(t, ok)
	})

	t.Run("ClearDropsInflightRecords", func(t *testing.T) {
		q := newTestQueue(t, Config{})
		require.NoError(t, q.Enqueue(testTask("running", types.PriorityNormal)))
		_, ok := q.Dequeue()
		require.True(t, ok)

		q.Clear()

		assert.Equal(t, int64(0), q.Stats().Running)

		// the orphaned outcome is discarded, not counted
		q.Complete("running", true, time.Millisecond)
		assert.Equal(t, int64(0), q.Stats().Completed)

		// the id is free for re-submission
		assert.NoError(t, q.Enqueue(testTask("running", types.PriorityNormal)))
	})
}

// TestEvents tests the advisory event stream
func TestEvents(t *testing.T) {
	q := newTestQueue(t, Config{})

	require.NoError(t, q.Enqueue(testTask("ev", types.PriorityHigh)))
	q.Dequeue()

	want := []EventKind{EventEnqueued, EventDequeued}
	for _, kind := range want {
		select {
		case ev := <-q.Events():
			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, "ev", ev.TaskID)
		case <-time.After(time.Second):
			t.Fatalf("event %s never arrived", kind)
		}
	}
}

// memorySnapshotter is an in-memory Snapshotter for persistence tests.
type memorySnapshotter struct {
	mu      sync.Mutex
	entries []Entry
	saveErr error
	saves   int
}

func (m *memorySnapshotter) Save(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.entries = append([]Entry(nil), entries...)
	m.saves++
	return nil
}

func (m *memorySnapshotter) Load(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

// TestPersistence tests snapshot save and warm-start restore
func TestPersistence(t *testing.T) {
	t.Run("ShutdownSavesAndRestoreReloads", func(t *testing.T) {
		snap := &memorySnapshotter{}

		q1, err := New(Config{Snapshotter: snap})
		require.NoError(t, err)
		require.NoError(t, q1.Enqueue(testTask("keep-1", types.PriorityHigh)))
		require.NoError(t, q1.Enqueue(testTask("keep-2", types.PriorityLow)))
		require.NoError(t, q1.Shutdown(context.Background()))

		q2 := newTestQueue(t, Config{Snapshotter: snap})
		assert.Equal(t, 2, q2.Stats().Length)

		e, ok := q2.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "keep-1", e.Task.ID) // priority survives the round trip
	})

	t.Run("ExpiredEntriesDroppedOnRestore", func(t *testing.T) {
		snap := &memorySnapshotter{}
		stale := testTask("stale", types.PriorityNormal)
		stale.Timeout = time.Millisecond
		fresh := testTask("fresh", types.PriorityNormal)

		snap.entries = []Entry{
			{Task: stale, EnqueuedAt: time.Now().Add(-time.Hour)},
			{Task: fresh, EnqueuedAt: time.Now()},
		}

		q := newTestQueue(t, Config{Snapshotter: snap})
		assert.Equal(t, 1, q.Stats().Length)

		e, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "fresh", e.Task.ID)
	})

	t.Run("SaveFailureIsNonFatal", func(t *testing.T) {
		snap := &memorySnapshotter{saveErr: errors.New("disk gone")}

		q, err := New(Config{Snapshotter: snap})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(testTask("t", types.PriorityNormal)))
		assert.Error(t, q.Shutdown(context.Background()))
	})

	t.Run("PeriodicSnapshots", func(t *testing.T) {
		snap := &memorySnapshotter{}
		q := newTestQueue(t, Config{Snapshotter: snap, SnapshotInterval: 10 * time.Millisecond})
		require.NoError(t, q.Enqueue(testTask("periodic", types.PriorityNormal)))

		assert.Eventually(t, func() bool {
			snap.mu.Lock()
			defer snap.mu.Unlock()
			return snap.saves > 0 && len(snap.entries) == 1
		}, 2*time.Second, 5*time.Millisecond)
	})
}

// TestConcurrentAccess exercises the queue under parallel producers and
// consumers.
func TestConcurrentAccess(t *testing.T) {
	q := newTestQueue(t, Config{Capacity: 0})

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				task := testTask(fmt.Sprintf("p%d-t%d", p, i), types.Priority(i%4))
				assert.NoError(t, q.Enqueue(task))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(producers*perProducer), q.Stats().TotalEnqueued)

	seen := make(map[string]bool)
	var mu sync.Mutex
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				assert.False(t, seen[e.Task.ID], "task %s dequeued twice", e.Task.ID)
				seen[e.Task.ID] = true
				mu.Unlock()
				q.Complete(e.Task.ID, true, time.Microsecond)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, producers*perProducer)
	assert.Equal(t, int64(producers*perProducer), q.Stats().Completed)
}

// TestDeadlineWithMockClock drives a pending-task deadline entirely on the
// mock clock, with no real sleeps on the expiry path.
func TestDeadlineWithMockClock(t *testing.T) {
	mock := testutils.NewMockClock(t)
	q := newTestQueue(t, Config{
		Clock:         testutils.NewClockWrapper(mock),
		SweepInterval: time.Hour,
	})

	task := testTask("deadline", types.PriorityNormal)
	task.Timeout = 50 * time.Millisecond
	require.NoError(t, q.Enqueue(task))

	// wait for the watchdog timer to arm, then step past the deadline
	require.Eventually(t, func() bool {
		d, ok := mock.Peek()
		return ok && d <= 50*time.Millisecond
	}, time.Second, time.Millisecond)
	mock.Advance(50 * time.Millisecond).MustWait(context.Background())

	select {
	case e := <-q.Expirations():
		assert.Equal(t, "deadline", e.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("expiration never delivered")
	}
	assert.Equal(t, int64(1), q.Stats().Failed)
}
