// Package agent runs sandboxed worker processes in containers: spawn
// with allowlist-checked workspace mounts, stream newline-delimited JSON
// events from stdout, enforce hard and idle timeouts, and classify exit.
//
// Cancellation is cooperative: closing the worker's stdin asks it to
// finish. A signal kill is the escalation when the process ignores the
// close past a grace window.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/ipc"
	"shepherd/internal/logging"
)

// ContainerOutput event statuses.
const (
	StatusProgress = "progress"
	StatusResult   = "result"
	StatusError    = "error"
	StatusDone     = "done"
)

// DefaultKillGrace is how long a worker may ignore a stdin close before
// it is signalled.
const DefaultKillGrace = 10 * time.Second

// ErrSpawn wraps failures before the worker produced any output.
var ErrSpawn = errors.New("spawn failed")

// ContainerOutput is one event from the worker's stdout stream.
type ContainerOutput struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Request describes one worker run.
type Request struct {
	Prompt          string
	SessionID       string
	Group           config.Group
	ChatJID         string
	IsScheduledTask bool
	// Timeout overrides the group/global hard timeout when positive.
	Timeout time.Duration
}

// Handle lets the caller steer a running worker.
type Handle struct {
	ContainerID   string
	ContainerName string

	closeOnce sync.Once
	closer    func()
}

// CloseStdin asks the worker to finish. Idempotent.
func (h *Handle) CloseStdin() {
	h.closeOnce.Do(func() {
		if h.closer != nil {
			h.closer()
		}
	})
}

// Hooks are the caller's observation points. Either may be nil.
type Hooks struct {
	// OnProcess fires once the container is running.
	OnProcess func(h *Handle)
	// OnOutput fires for every decoded event, in stream order.
	OnOutput func(ev ContainerOutput)
}

// ContainerInfo describes an active worker for observability surfaces.
type ContainerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	ChatJID   string    `json:"chatJid"`
	Scheduled bool      `json:"scheduled"`
	StartedAt time.Time `json:"startedAt"`
}

// Config configures the Runtime.
type Config struct {
	// Image is the worker container image.
	Image string
	// GroupsDir is the host directory holding per-group workspaces.
	GroupsDir string
	// Allowlist gates additional mounts; re-read on every spawn.
	Allowlist *config.AllowlistSource
	// Secret verifies signed worker events.
	Secret ipc.Secret
	// HardTimeout is the global default hard timeout.
	HardTimeout time.Duration
	// IdleTimeout closes stdin after this much silence, but only once a
	// result event has been seen.
	IdleTimeout time.Duration
	// KillGrace is the stdin-close-to-signal escalation window; zero
	// means DefaultKillGrace.
	KillGrace time.Duration
	Errors    *errlog.Ring
	Logger    *slog.Logger
}

// Runtime spawns and supervises worker containers.
type Runtime struct {
	eng       engine
	image     string
	groupsDir string
	allowlist *config.AllowlistSource
	secret    ipc.Secret
	hard      time.Duration
	idle      time.Duration
	killGrace time.Duration
	errs      *errlog.Ring
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]ContainerInfo
}

// New creates a Runtime backed by the Docker daemon from the
// environment.
func New(cfg Config) (*Runtime, error) {
	eng, err := newSDKEngine()
	if err != nil {
		return nil, err
	}
	return newWithEngine(eng, cfg), nil
}

func newWithEngine(eng engine, cfg Config) *Runtime {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Runtime{
		eng:       eng,
		image:     cfg.Image,
		groupsDir: cfg.GroupsDir,
		allowlist: cfg.Allowlist,
		secret:    cfg.Secret,
		hard:      cfg.HardTimeout,
		idle:      cfg.IdleTimeout,
		killGrace: cfg.KillGrace,
		errs:      cfg.Errors,
		logger:    logging.Default(cfg.Logger).With("component", "agent"),
		active:    make(map[string]ContainerInfo),
	}
}

// Active returns the currently running workers.
func (r *Runtime) Active() []ContainerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ContainerInfo, 0, len(r.active))
	for _, info := range r.active {
		out = append(out, info)
	}
	return out
}

// ActiveCount returns the number of running workers.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Ping reports the container engine version.
func (r *Runtime) Ping(ctx context.Context) (string, error) {
	return r.eng.Ping(ctx)
}

// Spawn runs one worker to completion and returns the final classified
// output. Mount violations and container failures before first output
// return an error wrapping ErrSpawn.
func (r *Runtime) Spawn(ctx context.Context, req Request, hooks Hooks) (ContainerOutput, error) {
	binds, err := r.resolveMounts(req.Group)
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	name := containerName(req.Group.Folder)
	id, err := r.eng.Create(ctx, containerSpec{
		name:  name,
		image: r.image,
		env:   r.containerEnv(req),
		binds: binds,
		labels: map[string]string{
			"shepherd.group": req.Group.Folder,
		},
	})
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer func() {
		if rmErr := r.eng.Remove(context.Background(), id); rmErr != nil {
			r.logger.Warn("container remove failed", "container", name, "error", rmErr)
		}
	}()

	stream, err := r.eng.Attach(ctx, id)
	if err != nil {
		return ContainerOutput{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer stream.Close()

	if err := r.eng.Start(ctx, id); err != nil {
		return ContainerOutput{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	r.track(id, name, req)
	defer r.untrack(id)
	r.logger.Info("worker started", "container", name, "group", req.Group.Folder, "scheduled", req.IsScheduledTask)

	handle := &Handle{
		ContainerID:   id,
		ContainerName: name,
		closer: func() {
			if err := stream.CloseWrite(); err != nil {
				r.logger.Debug("stdin close failed", "container", name, "error", err)
			}
		},
	}
	if hooks.OnProcess != nil {
		hooks.OnProcess(handle)
	}

	if _, err := stream.Write(append([]byte(req.Prompt), '\n')); err != nil {
		return ContainerOutput{}, fmt.Errorf("%w: write prompt: %w", ErrSpawn, err)
	}

	return r.supervise(ctx, id, name, req, stream, handle, hooks), nil
}

// supervise consumes the event stream under the two timeout timers and
// classifies the exit.
func (r *Runtime) supervise(ctx context.Context, id, name string, req Request, stream attachStream, handle *Handle, hooks Hooks) ContainerOutput {
	effective := req.Group.Timeout(r.hard)
	if req.Timeout > 0 {
		effective = req.Timeout
	}

	events := make(chan ContainerOutput, 16)
	go r.readEvents(stream, name, events)

	exitCh, exitErrCh := r.eng.Wait(ctx, id)

	hardTimer := time.NewTimer(effective)
	defer hardTimer.Stop()
	idleTimer := time.NewTimer(time.Hour)
	idleTimer.Stop()
	defer idleTimer.Stop()

	var killOnce sync.Once
	var killTimer *time.Timer
	armKill := func() {
		killOnce.Do(func() {
			killTimer = time.AfterFunc(r.killGrace, func() {
				if err := r.eng.Kill(context.Background(), id, "SIGKILL"); err != nil {
					r.logger.Warn("kill escalation failed", "container", name, "error", err)
				}
			})
		})
	}
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	var final *ContainerOutput
	lastError := ""
	sawResult := false
	timedOut := false
	ctxDone := ctx.Done()

	for streamOpen := true; streamOpen; {
		select {
		case ev, ok := <-events:
			if !ok {
				streamOpen = false
				break
			}
			switch ev.Status {
			case StatusResult:
				sawResult = true
				idleTimer.Reset(r.idle)
			case StatusError:
				lastError = ev.Error
				if sawResult {
					idleTimer.Reset(r.idle)
				}
			case StatusDone:
				final = &ev
			}
			if hooks.OnOutput != nil {
				hooks.OnOutput(ev)
			}

		case <-hardTimer.C:
			timedOut = true
			r.logger.Warn("worker hard timeout", "container", name, "timeout", effective)
			handle.CloseStdin()
			armKill()

		case <-idleTimer.C:
			r.logger.Info("worker idle, closing stdin", "container", name)
			handle.CloseStdin()
			armKill()

		case <-ctxDone:
			ctxDone = nil
			handle.CloseStdin()
			armKill()
		}
	}

	exitCode := int64(0)
	select {
	case exitCode = <-exitCh:
	case err := <-exitErrCh:
		r.logger.Warn("worker wait failed", "container", name, "error", err)
	case <-time.After(r.killGrace + 5*time.Second):
		armKill()
		select {
		case exitCode = <-exitCh:
		case <-time.After(r.killGrace):
			r.logger.Error("worker unreaped after kill", "container", name)
		}
	}

	out := classify(final, lastError, sawResult, timedOut, effective, exitCode)
	if out.Status == StatusError && r.errs != nil {
		r.errs.Record("agent", fmt.Sprintf("%s: %s", name, out.Error))
	}
	r.logger.Info("worker finished", "container", name, "status", out.Status, "exit", exitCode)
	return out
}

// classify derives the final output per the exit contract: hard timeout
// beats everything once no final event arrived; a non-zero exit with no
// prior error becomes "worker exited with status N"; a clean exit with
// no result is empty.
func classify(final *ContainerOutput, lastError string, sawResult, timedOut bool, effective time.Duration, exitCode int64) ContainerOutput {
	if final != nil {
		return *final
	}
	if timedOut {
		return ContainerOutput{
			Status: StatusError,
			Error:  fmt.Sprintf("Hard timeout after %dms", effective.Milliseconds()),
		}
	}
	if lastError != "" {
		return ContainerOutput{Status: StatusError, Error: lastError}
	}
	if exitCode != 0 {
		return ContainerOutput{
			Status: StatusError,
			Error:  fmt.Sprintf("worker exited with status %d", exitCode),
		}
	}
	return ContainerOutput{Status: StatusDone}
}

// readEvents decodes NDJSON events until the stream ends. Signed events
// are verified; a bad signature drops the event rather than failing the
// run.
func (r *Runtime) readEvents(stream attachStream, name string, out chan<- ContainerOutput) {
	defer close(out)

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			r.logger.Debug("unparseable worker line", "container", name)
			continue
		}
		if _, signed := obj[ipc.FieldHMAC]; signed {
			payload, err := ipc.Verify(obj, r.secret)
			if err != nil {
				r.logger.Warn("rejected worker event", "container", name, "error", err)
				if r.errs != nil {
					r.errs.Record("agent", fmt.Sprintf("%s: rejected event: %v", name, err))
				}
				continue
			}
			obj = payload
		}

		var ev ContainerOutput
		raw, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Status == "" {
			continue
		}
		out <- ev
	}
}

// resolveMounts builds the container binds: the group workspace plus
// allowlist-checked additional mounts. Non-main groups get read-only
// additional mounts when the allowlist demands it.
func (r *Runtime) resolveMounts(group config.Group) ([]string, error) {
	workspace := filepath.Join(r.groupsDir, group.Folder)
	binds := []string{workspace + ":/workspace"}

	if len(group.Container.AdditionalMounts) == 0 {
		return binds, nil
	}

	allow := config.Allowlist{NonMainReadOnly: true}
	if r.allowlist != nil {
		allow = r.allowlist.Current()
	}

	for _, m := range group.Container.AdditionalMounts {
		host, target, ro, err := parseMount(m)
		if err != nil {
			return nil, err
		}
		if err := allow.Check(host); err != nil {
			return nil, err
		}
		if allow.NonMainReadOnly && !group.IsMain() {
			ro = true
		}
		bind := host + ":" + target
		if ro {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds, nil
}

// parseMount splits "host:container[:ro]".
func parseMount(m string) (host, target string, ro bool, err error) {
	parts := strings.Split(m, ":")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], false, nil
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return "", "", false, fmt.Errorf("bad mount mode %q in %q", parts[2], m)
		}
		return parts[0], parts[1], parts[2] == "ro", nil
	default:
		return "", "", false, fmt.Errorf("bad mount spec %q", m)
	}
}

func (r *Runtime) containerEnv(req Request) []string {
	env := []string{
		"SHEPHERD_GROUP=" + req.Group.Folder,
		"SHEPHERD_CHAT_JID=" + req.ChatJID,
	}
	if req.SessionID != "" {
		env = append(env, "SHEPHERD_SESSION_ID="+req.SessionID)
	}
	if req.IsScheduledTask {
		env = append(env, "SHEPHERD_SCHEDULED=1")
	}
	if req.Group.IsMain() {
		env = append(env, "SHEPHERD_MAIN=1")
	}
	return env
}

func (r *Runtime) track(id, name string, req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = ContainerInfo{
		ID:        id,
		Name:      name,
		Group:     req.Group.Folder,
		ChatJID:   req.ChatJID,
		Scheduled: req.IsScheduledTask,
		StartedAt: time.Now(),
	}
}

func (r *Runtime) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func containerName(folder string) string {
	clean := strings.Map(func(c rune) rune {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			return c
		}
		return '-'
	}, strings.ToLower(folder))
	return fmt.Sprintf("shepherd-%s-%s-%s", clean, petname.Generate(2, "-"), uuid.NewString()[:8])
}
