// Package scheduler runs user-defined scheduled tasks: poll for due
// tasks, claim each one atomically, and hand the run to the group queue
// under a virtual key so scheduled work shares the worker fleet with
// chat traffic.
//
// The claim is the one multi-writer critical section in the system; the
// store's conditional sentinel write decides the winner. Retry,
// auto-pause, and next-run advancement all happen here, never in the
// queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"shepherd/internal/agent"
	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/logging"
	"shepherd/internal/queue"
	"shepherd/internal/store"
)

// VirtualKeyPrefix namespaces scheduler queue keys away from real group
// JIDs.
const VirtualKeyPrefix = "_sched_"

// snapshotFile is the per-group tasks snapshot the worker may read.
const snapshotFile = "scheduled_tasks.json"

// SpawnFunc runs one worker; agent.Runtime.Spawn in production.
type SpawnFunc func(ctx context.Context, req agent.Request, hooks agent.Hooks) (agent.ContainerOutput, error)

// Sender delivers chat notifications and streamed results.
type Sender interface {
	SendText(ctx context.Context, jid, text string) error
}

// Config configures the Scheduler.
type Config struct {
	Store  *store.Store
	Queue  *queue.Queue
	Groups *config.Groups
	Spawn  SpawnFunc
	Sender Sender
	// PollInterval is the due-task poll cadence.
	PollInterval time.Duration
	// DefaultTimeout is the per-run hard timeout when the task carries
	// none.
	DefaultTimeout time.Duration
	// Location is the timezone for cron expressions and snapshot
	// rendering.
	Location  *time.Location
	GroupsDir string
	Errors    *errlog.Ring
	Logger    *slog.Logger
}

// Scheduler polls, claims, and executes due tasks.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	groups   *config.Groups
	spawn    SpawnFunc
	sender   Sender
	poll     time.Duration
	timeout  time.Duration
	loc      *time.Location
	groupDir string
	errs     *errlog.Ring
	logger   *slog.Logger

	cron gocron.Scheduler
}

// New creates a Scheduler. Start must be called to begin polling.
func New(cfg Config) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		groups:   cfg.Groups,
		spawn:    cfg.Spawn,
		sender:   cfg.Sender,
		poll:     cfg.PollInterval,
		timeout:  cfg.DefaultTimeout,
		loc:      loc,
		groupDir: cfg.GroupsDir,
		errs:     cfg.Errors,
		logger:   logging.Default(cfg.Logger).With("component", "scheduler"),
		cron:     g,
	}

	_, err = g.NewJob(
		gocron.DurationJob(s.poll),
		gocron.NewTask(s.tick),
		gocron.WithName("due-task-poll"),
	)
	if err != nil {
		return nil, fmt.Errorf("register poll job: %w", err)
	}
	return s, nil
}

// Start recovers stale claims from a previous crash and begins polling.
func (s *Scheduler) Start() error {
	recovered, err := s.store.RecoverStaleClaims(time.Now())
	if err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered stale task claims", "count", recovered)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "poll", s.poll)
	return nil
}

// Stop halts polling. Inflight task runs drain through the queue.
func (s *Scheduler) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", "error", err)
	}
}

// tick is one poll pass: claim every due task and enqueue its run, then
// nudge the queue to preempt idle workers for the new batch.
func (s *Scheduler) tick() {
	now := time.Now()

	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		if s.errs != nil {
			s.errs.Record("scheduler", fmt.Sprintf("due query: %v", err))
		}
		return
	}

	claimed := 0
	for _, t := range due {
		won, err := s.store.ClaimTask(t.ID, now)
		if err != nil {
			s.logger.Error("claim failed", "task", t.ID, "error", err)
			continue
		}
		if !won {
			continue
		}

		// Re-read: the user may have paused or cancelled between the
		// due fetch and the claim.
		fresh, err := s.store.GetTask(t.ID)
		if err != nil || fresh.Status != store.StatusActive {
			continue
		}

		task := fresh
		err = s.queue.Enqueue(VirtualKeyPrefix+task.ID, task.ID, func(ctx context.Context, rc *queue.RunControl) error {
			s.executeTask(ctx, rc, task)
			return nil
		})
		if err != nil {
			s.logger.Warn("scheduled task not enqueued", "task", task.ID, "error", err)
			continue
		}
		claimed++
	}

	if claimed > 0 {
		s.logger.Info("claimed due tasks", "count", claimed)
		s.queue.PreemptForPendingTasks()
	}
}

// executeTask is the run-task action: snapshot, spawn, stream results,
// then settle the task's next state.
func (s *Scheduler) executeTask(ctx context.Context, rc *queue.RunControl, task *store.Task) {
	group, ok := s.groups.Get(task.GroupFolder)
	if !ok {
		// Deleted group: leave the claim on the sentinel; a restart
		// makes the task reclaimable.
		s.logger.Warn("group gone, leaving task claimed", "task", task.ID, "group", task.GroupFolder)
		return
	}

	if err := s.writeSnapshot(group.Folder); err != nil {
		s.logger.Warn("tasks snapshot not written", "group", group.Folder, "error", err)
	}

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID = "group-" + task.GroupFolder
	}
	timeout := s.timeout
	if task.TaskTimeoutMs > 0 {
		timeout = time.Duration(task.TaskTimeoutMs) * time.Millisecond
	}

	startedAt := time.Now()
	out, err := s.spawn(ctx, agent.Request{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		Group:           group,
		ChatJID:         task.ChatJID,
		IsScheduledTask: true,
		Timeout:         timeout,
	}, agent.Hooks{
		OnProcess: func(h *agent.Handle) {
			if rc != nil {
				rc.SetCloser(h.CloseStdin)
			}
		},
		OnOutput: func(ev agent.ContainerOutput) {
			if rc != nil {
				rc.Touch()
			}
			if ev.Status == agent.StatusResult && ev.Result != "" {
				if sendErr := s.sender.SendText(ctx, task.ChatJID, ev.Result); sendErr != nil {
					s.logger.Warn("streamed result undelivered", "task", task.ID, "error", sendErr)
				}
			}
		},
	})

	switch {
	case err != nil:
		s.settleFailure(ctx, task, startedAt, err.Error())
	case out.Status == agent.StatusError:
		s.settleFailure(ctx, task, startedAt, out.Error)
	default:
		s.settleSuccess(task, startedAt, out.Result)
	}
}

func (s *Scheduler) settleSuccess(task *store.Task, startedAt time.Time, result string) {
	if err := s.store.ResetRetryCount(task.ID); err != nil {
		s.logger.Error("retry reset failed", "task", task.ID, "error", err)
	}
	s.logRun(task.ID, startedAt, true, result, "")

	next, err := s.nextRun(task, time.Now())
	if err != nil {
		s.logger.Error("next-run computation failed", "task", task.ID, "error", err)
		next = nil
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, next, result); err != nil {
		s.logger.Error("task settle failed", "task", task.ID, "error", err)
		return
	}
	s.logger.Info("task succeeded", "task", task.DisplayName(), "next", next)
}

func (s *Scheduler) settleFailure(ctx context.Context, task *store.Task, startedAt time.Time, errMsg string) {
	if s.errs != nil {
		s.errs.Record("scheduler", fmt.Sprintf("task %s: %s", task.DisplayName(), errMsg))
	}

	if task.MaxRetries > 0 && task.RetryCount < task.MaxRetries {
		delay := time.Duration(task.RetryDelayMs) * time.Millisecond
		attempt := task.RetryCount + 1
		s.logRun(task.ID, startedAt, false, "", fmt.Sprintf("%s (retry %d/%d in %s)", errMsg, attempt, task.MaxRetries, delay))
		if err := s.store.ScheduleRetry(task.ID, delay); err != nil {
			s.logger.Error("retry scheduling failed", "task", task.ID, "error", err)
		}
		s.logger.Warn("task failed, retrying", "task", task.DisplayName(), "attempt", attempt, "max", task.MaxRetries, "delay", delay)
		return
	}

	s.logRun(task.ID, startedAt, false, "", errMsg)

	if task.MaxRetries == 0 {
		// Never-retry tasks advance their schedule on failure instead
		// of pausing.
		next, nerr := s.nextRun(task, time.Now())
		if nerr != nil {
			next = nil
		}
		if err := s.store.UpdateTaskAfterRun(task.ID, next, "error: "+errMsg); err != nil {
			s.logger.Error("task settle failed", "task", task.ID, "error", err)
		}
		return
	}

	// Retry budget exhausted: pause and tell the chat.
	if _, err := s.store.UpdateTask(task.ID, func(t *store.Task) {
		t.Status = store.StatusPaused
		t.LastResult = "error: " + errMsg
		now := time.Now()
		t.LastRun = &now
		t.NextRun = nil
	}); err != nil {
		s.logger.Error("auto-pause failed", "task", task.ID, "error", err)
		return
	}
	s.logger.Error("task auto-paused after retries", "task", task.DisplayName(), "failures", task.RetryCount)

	notice := fmt.Sprintf("⚠️ Task %s has failed %d times in a row and has been paused. Use resume_task to start again.",
		task.DisplayName(), task.RetryCount)
	if err := s.sender.SendText(ctx, task.ChatJID, notice); err != nil {
		s.logger.Warn("pause notice undelivered", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) logRun(taskID string, startedAt time.Time, success bool, result, errMsg string) {
	err := s.store.LogTaskRun(store.TaskRun{
		TaskID:     taskID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Success:    success,
		Result:     result,
		Error:      errMsg,
	})
	if err != nil {
		s.logger.Warn("run log not recorded", "task", taskID, "error", err)
	}
}

// nextRun computes the task's next execution instant: cron in the
// configured timezone, interval as now+ms, once as never again.
func (s *Scheduler) nextRun(task *store.Task, now time.Time) (*time.Time, error) {
	switch task.ScheduleType {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(task.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("bad cron expression %q: %w", task.ScheduleValue, err)
		}
		next := sched.Next(now.In(s.loc))
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("bad interval %q", task.ScheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

// snapshotEntry is one task in the workspace snapshot, with local-time
// rendering for the worker.
type snapshotEntry struct {
	ID            string `json:"id"`
	Label         string `json:"label,omitempty"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	Status        string `json:"status"`
	NextRunLocal  string `json:"nextRunLocal,omitempty"`
	LastRunLocal  string `json:"lastRunLocal,omitempty"`
}

// writeSnapshot writes the group's task list into its workspace so the
// worker can inspect schedules. Claimed tasks (sentinel next run) render
// with an empty next run.
func (s *Scheduler) writeSnapshot(folder string) error {
	all, err := s.store.AllTasks()
	if err != nil {
		return err
	}

	entries := []snapshotEntry{}
	for _, t := range all {
		if t.GroupFolder != folder || t.Status == store.StatusCancelled {
			continue
		}
		e := snapshotEntry{
			ID:            t.ID,
			Label:         t.Label,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun != nil && !store.IsSentinel(t.NextRun) {
			e.NextRunLocal = t.NextRun.In(s.loc).Format("2006-01-02 15:04:05")
		}
		if t.LastRun != nil {
			e.LastRunLocal = t.LastRun.In(s.loc).Format("2006-01-02 15:04:05")
		}
		entries = append(entries, e)
	}

	doc := struct {
		GeneratedAt string          `json:"generatedAt"`
		Timezone    string          `json:"timezone"`
		Tasks       []snapshotEntry `json:"tasks"`
	}{
		GeneratedAt: time.Now().In(s.loc).Format(time.RFC3339),
		Timezone:    s.loc.String(),
		Tasks:       entries,
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Join(s.groupDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, snapshotFile))
}
