package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fixedLimit is a Limiter with a constant bound.
type fixedLimit int

func (f fixedLimit) Update() int { return int(f) }

func newTestQueue(t *testing.T, maxSlots int) *Queue {
	t.Helper()
	q := New(Config{
		MaxDepth: 5,
		Limits:   fixedLimit(maxSlots),
	})
	t.Cleanup(q.Stop)
	return q
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnqueue_RunsWork(t *testing.T) {
	q := newTestQueue(t, 2)

	done := make(chan struct{})
	err := q.Enqueue("group-a", "", func(context.Context, *RunControl) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work never ran")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	q := newTestQueue(t, 1)

	block := make(chan struct{})
	wait := func(context.Context, *RunControl) error { <-block; return nil }

	// Occupy the single slot, then fill the backlog.
	if err := q.Enqueue("a", "", wait); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return q.ActiveCount() == 1 }, "first entry never started")
	for i := 0; i < 5; i++ {
		if err := q.Enqueue("a", "", wait); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	err := q.Enqueue("a", "", wait)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	close(block)
}

func TestEnqueue_DropsDuplicateOfRunningTask(t *testing.T) {
	q := newTestQueue(t, 3)

	var fRuns, gRuns atomic.Int32
	release := make(chan struct{})
	err := q.Enqueue("sched", "task-1", func(context.Context, *RunControl) error {
		fRuns.Add(1)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue f: %v", err)
	}
	waitFor(t, func() bool { return q.IsTaskRunning("task-1") }, "f never started")

	// Same task ID while running: dropped, not queued.
	err = q.Enqueue("sched", "task-1", func(context.Context, *RunControl) error {
		gRuns.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue g: %v", err)
	}
	close(release)
	waitFor(t, func() bool { return q.ActiveCount() == 0 }, "f never finished")

	if got := fRuns.Load(); got != 1 {
		t.Errorf("f ran %d times, want 1", got)
	}
	if got := gRuns.Load(); got != 0 {
		t.Errorf("g ran %d times, want 0", got)
	}
	if got := q.DedupDrops(); got != 1 {
		t.Errorf("DedupDrops = %d, want 1", got)
	}
}

func TestQueue_SingleInflightPerKey(t *testing.T) {
	q := newTestQueue(t, 4)

	var mu sync.Mutex
	inKey := 0
	maxInKey := 0
	var order []int

	for i := 0; i < 4; i++ {
		i := i
		err := q.Enqueue("same-key", "", func(context.Context, *RunControl) error {
			mu.Lock()
			inKey++
			if inKey > maxInKey {
				maxInKey = inKey
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inKey--
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, "not all entries ran")

	mu.Lock()
	defer mu.Unlock()
	if maxInKey != 1 {
		t.Errorf("max concurrent per key = %d, want 1", maxInKey)
	}
	for i, got := range order {
		if got != i {
			t.Errorf("order[%d] = %d, want %d (FIFO)", i, got, i)
		}
	}
}

func TestQueue_GlobalConcurrencyCap(t *testing.T) {
	q := newTestQueue(t, 2)

	var mu sync.Mutex
	active := 0
	maxActive := 0
	ran := 0

	for i := 0; i < 6; i++ {
		key := string(rune('a' + i))
		err := q.Enqueue(key, "", func(context.Context, *RunControl) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			ran++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue %s: %v", key, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 6
	}, "not all entries ran")

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 2 {
		t.Errorf("max concurrent = %d, want <= 2", maxActive)
	}
}

func TestQueue_DispatchesOnCompletion(t *testing.T) {
	q := newTestQueue(t, 1)

	first := make(chan struct{})
	second := make(chan struct{})
	if err := q.Enqueue("a", "", func(context.Context, *RunControl) error {
		<-first
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return q.ActiveCount() == 1 }, "first never started")
	if err := q.Enqueue("b", "", func(context.Context, *RunControl) error {
		close(second)
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Slot is taken; second must wait.
	select {
	case <-second:
		t.Fatal("second entry ran before a slot freed")
	case <-time.After(50 * time.Millisecond):
	}

	close(first)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second entry never ran after slot freed")
	}
}

func TestCloseStdin_ReachesRunningEntry(t *testing.T) {
	q := newTestQueue(t, 1)

	closed := make(chan struct{})
	attached := make(chan struct{})
	if err := q.Enqueue("a", "", func(_ context.Context, rc *RunControl) error {
		rc.SetCloser(func() { close(closed) })
		close(attached)
		<-closed
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-attached
	q.CloseStdin("a")
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closer never invoked")
	}
}

func TestPreempt_ClosesOldestIdleWorker(t *testing.T) {
	q := New(Config{
		MaxDepth:   5,
		IdleWindow: 20 * time.Millisecond,
		Limits:     fixedLimit(1),
	})
	t.Cleanup(q.Stop)

	closed := make(chan struct{})
	attached := make(chan struct{})
	if err := q.Enqueue("idle-group", "", func(_ context.Context, rc *RunControl) error {
		rc.SetCloser(func() { close(closed) })
		close(attached)
		<-closed
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-attached

	// Queue a task behind the occupied slot, then wait out the idle
	// window and preempt.
	ran := make(chan struct{})
	if err := q.Enqueue("other", "task-x", func(context.Context, *RunControl) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	q.PreemptForPendingTasks()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle worker never preempted")
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("pending task never ran after preemption")
	}
}

func TestPreempt_SparesActiveWorkers(t *testing.T) {
	q := New(Config{
		MaxDepth:   5,
		IdleWindow: time.Hour,
		Limits:     fixedLimit(1),
	})
	t.Cleanup(q.Stop)

	preempted := make(chan struct{})
	release := make(chan struct{})
	attached := make(chan struct{})
	if err := q.Enqueue("busy", "", func(_ context.Context, rc *RunControl) error {
		rc.SetCloser(func() { close(preempted) })
		rc.Touch()
		close(attached)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-attached

	if err := q.Enqueue("other", "", func(context.Context, *RunControl) error { return nil }); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.PreemptForPendingTasks()

	select {
	case <-preempted:
		t.Fatal("recently active worker was preempted")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
}

func TestStop_RejectsNewWork(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Stop()
	err := q.Enqueue("a", "", func(context.Context, *RunControl) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
