// Package queue implements the per-group work queue and worker pool
// behind chat messages and scheduled tasks.
//
// Keys are either real group JIDs or virtual scheduler keys. Guarantees:
//
//   - FIFO per key; at most one running entry per key.
//   - Total running entries never exceed the resource monitor's limit,
//     resampled before every admission decision.
//   - An entry whose task ID is already running anywhere is silently
//     discarded (an observability counter records the drop).
//
// Failures never re-enter the queue; retry policy belongs to the
// scheduler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shepherd/internal/errlog"
	"shepherd/internal/logging"
)

var (
	// ErrQueueFull is returned when a key's backlog is at capacity.
	// Channels surface it to the user as a polite "queue full" reply.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("queue closed")
)

// DefaultIdleWindow is how long a running entry must go without a
// streamed event before preemption may close its stdin.
const DefaultIdleWindow = 30 * time.Second

// Limiter supplies the effective concurrency bound. Update is called
// before every admission decision and may resample the host.
// *sysmetrics.Monitor satisfies it.
type Limiter interface {
	Update() int
}

// Work executes one queue entry. The RunControl carries the stdin
// closer registered by the worker runtime and the event activity clock
// used for idle detection.
type Work func(ctx context.Context, rc *RunControl) error

// RunControl links a running entry to its worker process.
type RunControl struct {
	mu        sync.Mutex
	closer    func()
	lastEvent time.Time
}

// SetCloser registers the function that closes the worker's stdin.
// Called by the runtime once the process is attached.
func (rc *RunControl) SetCloser(fn func()) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.closer = fn
}

// CloseStdin invokes the registered closer, if any. Idempotent from the
// caller's perspective; the runtime's closer must tolerate repeats.
func (rc *RunControl) CloseStdin() {
	rc.mu.Lock()
	fn := rc.closer
	rc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Touch records worker activity (a streamed event). Entries that are
// never touched count as idle from their start time.
func (rc *RunControl) Touch() {
	rc.mu.Lock()
	rc.lastEvent = time.Now()
	rc.mu.Unlock()
}

func (rc *RunControl) lastActivity() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastEvent
}

type entry struct {
	key        string
	taskID     string
	work       Work
	enqueuedAt time.Time
	startedAt  time.Time
	rc         *RunControl
}

// Config configures a Queue.
type Config struct {
	// MaxDepth bounds each key's backlog.
	MaxDepth int
	// IdleWindow is the preemption idle threshold; zero means
	// DefaultIdleWindow.
	IdleWindow time.Duration
	// Limits provides the effective concurrency bound.
	Limits Limiter
	// Errors receives run failures; may be nil.
	Errors *errlog.Ring
	Logger *slog.Logger
}

// Queue is the per-group work queue. All exported methods are safe for
// concurrent use.
type Queue struct {
	maxDepth   int
	idleWindow time.Duration
	limits     Limiter
	errs       *errlog.Ring
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	pending      map[string][]*entry
	keyOrder     []string // round-robin order over keys with pending work
	running      map[string]*entry
	runningTasks map[string]struct{}
	inflight     int

	dedupDrops atomic.Int64
}

// New creates a Queue. cfg.Limits is required.
func New(cfg Config) *Queue {
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 20
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		maxDepth:     cfg.MaxDepth,
		idleWindow:   cfg.IdleWindow,
		limits:       cfg.Limits,
		errs:         cfg.Errors,
		logger:       logging.Default(cfg.Logger).With("component", "queue"),
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string][]*entry),
		running:      make(map[string]*entry),
		runningTasks: make(map[string]struct{}),
	}
}

// Enqueue appends work to the tail of key's FIFO and attempts dispatch.
// A duplicate of a running task ID is dropped silently; a full backlog
// is rejected with ErrQueueFull.
func (q *Queue) Enqueue(key, taskID string, work Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if taskID != "" {
		if _, running := q.runningTasks[taskID]; running {
			q.dedupDrops.Add(1)
			q.logger.Debug("dropped duplicate of running task", "task", taskID, "key", key)
			return nil
		}
	}
	if len(q.pending[key]) >= q.maxDepth {
		return fmt.Errorf("%w: key %s at depth %d", ErrQueueFull, key, q.maxDepth)
	}

	if len(q.pending[key]) == 0 {
		q.keyOrder = append(q.keyOrder, key)
	}
	q.pending[key] = append(q.pending[key], &entry{
		key:        key,
		taskID:     taskID,
		work:       work,
		enqueuedAt: time.Now(),
	})
	q.dispatchLocked()
	return nil
}

// dispatchLocked starts as many head-of-line entries as the concurrency
// limit allows. One pass over the round-robin key order per freed slot.
func (q *Queue) dispatchLocked() {
	for q.inflight < q.limits.Update() {
		e := q.nextLocked()
		if e == nil {
			return
		}
		e.startedAt = time.Now()
		e.rc = &RunControl{}
		q.running[e.key] = e
		if e.taskID != "" {
			q.runningTasks[e.taskID] = struct{}{}
		}
		q.inflight++
		q.wg.Add(1)
		go q.run(e)
	}
}

// nextLocked pops the head-of-line entry of the first eligible key in
// round-robin order: the key must have pending work and no running
// entry.
func (q *Queue) nextLocked() *entry {
	for i := 0; i < len(q.keyOrder); i++ {
		key := q.keyOrder[0]
		q.keyOrder = q.keyOrder[1:]

		backlog := q.pending[key]
		if len(backlog) == 0 {
			continue // stale key entry
		}
		if q.running[key] != nil {
			q.keyOrder = append(q.keyOrder, key)
			continue
		}

		e := backlog[0]
		rest := backlog[1:]
		if len(rest) > 0 {
			q.pending[key] = rest
			q.keyOrder = append(q.keyOrder, key)
		} else {
			delete(q.pending, key)
		}
		return e
	}
	return nil
}

func (q *Queue) run(e *entry) {
	defer q.wg.Done()
	defer q.complete(e)

	if err := e.work(q.ctx, e.rc); err != nil {
		q.logger.Warn("queue entry failed", "key", e.key, "task", e.taskID, "error", err)
		if q.errs != nil {
			q.errs.Record("queue", fmt.Sprintf("%s: %v", e.key, err))
		}
	}
}

func (q *Queue) complete(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, e.key)
	if e.taskID != "" {
		delete(q.runningTasks, e.taskID)
	}
	q.inflight--
	if !q.closed {
		q.dispatchLocked()
	}
}

// CloseStdin asks the running entry under key (if any) to close its
// worker's stdin. Used by idle and hard-timeout paths.
func (q *Queue) CloseStdin(key string) {
	q.mu.Lock()
	e := q.running[key]
	q.mu.Unlock()
	if e != nil {
		e.rc.CloseStdin()
	}
}

// PreemptForPendingTasks closes stdin on the oldest idle running entry
// when pending work exists but every slot is taken. The scheduler calls
// this after enqueuing a batch of due tasks so they do not wait out a
// full idle window.
func (q *Queue) PreemptForPendingTasks() {
	q.mu.Lock()
	pendingCount := 0
	for _, backlog := range q.pending {
		pendingCount += len(backlog)
	}
	if pendingCount == 0 || q.inflight < q.limits.Update() {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	var victim *entry
	for _, e := range q.running {
		last := e.rc.lastActivity()
		if last.IsZero() {
			last = e.startedAt
		}
		if now.Sub(last) < q.idleWindow {
			continue
		}
		if victim == nil || e.startedAt.Before(victim.startedAt) {
			victim = e
		}
	}
	q.mu.Unlock()

	if victim != nil {
		q.logger.Info("preempting idle worker", "key", victim.key, "task", victim.taskID)
		victim.rc.CloseStdin()
	}
}

// IsTaskRunning reports whether taskID is currently executing.
func (q *Queue) IsTaskRunning(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runningTasks[taskID]
	return ok
}

// Depth returns the total number of pending entries across keys.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, backlog := range q.pending {
		n += len(backlog)
	}
	return n
}

// ActiveCount returns the number of running entries.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// ActiveKeys returns the keys with a running entry.
func (q *Queue) ActiveKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.running))
	for k := range q.running {
		keys = append(keys, k)
	}
	return keys
}

// DedupDrops returns how many enqueues were discarded as duplicates of
// a running task.
func (q *Queue) DedupDrops() int64 { return q.dedupDrops.Load() }

// Stop rejects new work, cancels the run context, and waits for inflight
// entries to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
