package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses. Cancelled is terminal; completed is reachable only from
// once-tasks after a successful run.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Task is a user-defined scheduled task.
type Task struct {
	ID            string     `msgpack:"id" json:"id"`
	GroupFolder   string     `msgpack:"group_folder" json:"groupFolder"`
	ChatJID       string     `msgpack:"chat_jid" json:"chatJid"`
	Prompt        string     `msgpack:"prompt" json:"prompt"`
	ScheduleType  string     `msgpack:"schedule_type" json:"scheduleType"`
	ScheduleValue string     `msgpack:"schedule_value" json:"scheduleValue"`
	ContextMode   string     `msgpack:"context_mode" json:"contextMode"`
	NextRun       *time.Time `msgpack:"next_run" json:"nextRun,omitempty"`
	LastRun       *time.Time `msgpack:"last_run" json:"lastRun,omitempty"`
	LastResult    string     `msgpack:"last_result" json:"lastResult,omitempty"`
	Status        string     `msgpack:"status" json:"status"`
	CreatedAt     time.Time  `msgpack:"created_at" json:"createdAt"`
	RetryCount    int        `msgpack:"retry_count" json:"retryCount"`
	MaxRetries    int        `msgpack:"max_retries" json:"maxRetries"`
	RetryDelayMs  int64      `msgpack:"retry_delay_ms" json:"retryDelayMs"`
	TaskTimeoutMs int64      `msgpack:"task_timeout_ms" json:"taskTimeoutMs,omitempty"`
	Label         string     `msgpack:"label" json:"label,omitempty"`
}

// DisplayName returns the label, or the first 8 characters of the ID.
func (t *Task) DisplayName() string {
	if t.Label != "" {
		return t.Label
	}
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// TaskRun is one entry in a task's bounded run history.
type TaskRun struct {
	TaskID     string    `msgpack:"task_id" json:"taskId"`
	StartedAt  time.Time `msgpack:"started_at" json:"startedAt"`
	FinishedAt time.Time `msgpack:"finished_at" json:"finishedAt"`
	Success    bool      `msgpack:"success" json:"success"`
	Result     string    `msgpack:"result" json:"result,omitempty"`
	Error      string    `msgpack:"error" json:"error,omitempty"`
}

// CreateTask persists a new task, assigning ID, status, and CreatedAt
// when unset.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	raw, err := encode(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), raw)
	})
}

// GetTask returns the task with the given ID, or ErrNotFound.
func (s *Store) GetTask(id string) (*Task, error) {
	var t *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		t = new(Task)
		return decode(raw, t)
	})
	return t, err
}

// AllTasks returns every task, sorted by creation time ascending.
func (s *Store) AllTasks() ([]*Task, error) {
	var tasks []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, raw []byte) error {
			t := new(Task)
			if err := decode(raw, t); err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// due reports whether t is due at now: active, scheduled, not
// claimed. This is the exact claim predicate.
func due(t *Task, now time.Time) bool {
	return t.Status == StatusActive &&
		t.NextRun != nil &&
		!IsSentinel(t.NextRun) &&
		!t.NextRun.After(now)
}

// DueTasks returns tasks due at now, ordered by NextRun ascending.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	all, err := s.AllTasks()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if due(t, now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	return out, nil
}

// ClaimTask atomically claims a due task by writing the sentinel into
// NextRun. It returns true iff this call performed the write: the
// predicate (active, due, not already claimed) is re-checked inside the
// write transaction, so concurrent claimers see exactly one winner.
func (s *Store) ClaimTask(id string, now time.Time) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		t := new(Task)
		if err := decode(raw, t); err != nil {
			return err
		}
		if !due(t, now) {
			return nil
		}
		sent := Sentinel
		t.NextRun = &sent
		enc, err := encode(t)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), enc); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// RecoverStaleClaims resets every active task stuck on the sentinel back
// to now, making orphaned claims reclaimable after a crash. Running it
// again is a no-op: recovered tasks no longer carry the sentinel.
func (s *Store) RecoverStaleClaims(now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, raw []byte) error {
			t := new(Task)
			if err := decode(raw, t); err != nil {
				return err
			}
			if t.Status != StatusActive || !IsSentinel(t.NextRun) {
				return nil
			}
			n := now.UTC()
			t.NextRun = &n
			enc, err := encode(t)
			if err != nil {
				return err
			}
			if err := b.Put(k, enc); err != nil {
				return err
			}
			count++
			return nil
		})
	})
	return count, err
}

// UpdateTask applies patch to the stored task inside one transaction and
// returns the updated record.
func (s *Store) UpdateTask(id string, patch func(*Task)) (*Task, error) {
	var updated *Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		t := new(Task)
		if err := decode(raw, t); err != nil {
			return err
		}
		patch(t)
		enc, err := encode(t)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), enc); err != nil {
			return err
		}
		updated = t
		return nil
	})
	return updated, err
}

// CancelTask marks a task cancelled. Idempotent: cancelling an already
// cancelled task succeeds without change.
func (s *Store) CancelTask(id string) error {
	_, err := s.UpdateTask(id, func(t *Task) {
		t.Status = StatusCancelled
	})
	return err
}

// UpdateTaskAfterRun records a run outcome: LastRun, LastResult, and the
// next occurrence. nextRun == nil completes the task (once-tasks). The
// transition is skipped entirely for tasks cancelled mid-run.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *time.Time, resultSummary string) error {
	_, err := s.UpdateTask(id, func(t *Task) {
		if t.Status == StatusCancelled {
			return
		}
		now := time.Now().UTC()
		t.LastRun = &now
		t.LastResult = resultSummary
		if nextRun == nil {
			t.NextRun = nil
			t.Status = StatusCompleted
			return
		}
		n := nextRun.UTC()
		t.NextRun = &n
	})
	return err
}

// ScheduleRetry pushes the task's next run out by delay and increments
// the retry counter.
func (s *Store) ScheduleRetry(id string, delay time.Duration) error {
	_, err := s.UpdateTask(id, func(t *Task) {
		n := time.Now().UTC().Add(delay)
		t.NextRun = &n
		t.RetryCount++
	})
	return err
}

// ResetRetryCount zeroes the retry counter after a successful run.
func (s *Store) ResetRetryCount(id string) error {
	_, err := s.UpdateTask(id, func(t *Task) { t.RetryCount = 0 })
	return err
}

// LogTaskRun appends a run record to the task's bounded history.
func (s *Store) LogTaskRun(run TaskRun) error {
	raw, err := encode(&run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendBounded(tx.Bucket(bucketTaskLog), run.TaskID, raw, s.runLogLimit)
	})
}

// TaskRunLogs returns up to limit run records for a task, newest first.
func (s *Store) TaskRunLogs(id string, limit int) ([]TaskRun, error) {
	var runs []TaskRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return readBounded(tx.Bucket(bucketTaskLog), id, limit, func(raw []byte) error {
			var r TaskRun
			if err := decode(raw, &r); err != nil {
				return err
			}
			runs = append(runs, r)
			return nil
		})
	})
	return runs, err
}
