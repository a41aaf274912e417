// Package health serves the local control plane: liveness, system
// status, scheduled-task inspection and control, and heartbeat config.
// The server binds localhost only; it has no auth.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/heartbeat"
	"shepherd/internal/logging"
	"shepherd/internal/store"
	"shepherd/internal/sysmetrics"
)

// DefaultPort is the control-plane port.
const DefaultPort = 47779

const recentLimit = 20

// QueueStats exposes the work queue to /status.
type QueueStats interface {
	Depth() int
}

// WorkerStats exposes the container fleet to /status.
type WorkerStats interface {
	ActiveCount() int
}

// Deps wires the server.
type Deps struct {
	Store     *store.Store
	Queue     QueueStats
	Workers   WorkerStats
	Groups    *config.Groups
	Resources *sysmetrics.Monitor
	Errors    *errlog.Ring
	Heartbeat *heartbeat.Heartbeat
	Version   string
	StartedAt time.Time
	Logger    *slog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
}

// New builds the server for the given port. Port 0 picks DefaultPort.
func New(port int, deps Deps) *Server {
	if port <= 0 {
		port = DefaultPort
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		deps:   deps,
		logger: logging.Default(deps.Logger).With("component", "health"),
	}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           s.cors(s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /scheduler/tasks", s.handleTaskList)
	mux.HandleFunc("GET /scheduler/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("POST /scheduler/tasks/{id}/{action}", s.handleTaskAction)
	mux.HandleFunc("GET /scheduler/stats", s.handleSchedulerStats)
	mux.HandleFunc("GET /heartbeat/config", s.handleHeartbeatConfigGet)
	mux.HandleFunc("POST /heartbeat/config", s.handleHeartbeatConfigPatch)
	mux.HandleFunc("PATCH /heartbeat/config", s.handleHeartbeatConfigPatch)
	mux.HandleFunc("POST /heartbeat/ping", s.handleHeartbeatPing)
	mux.HandleFunc("GET /heartbeat/jobs", s.handleHeartbeatJobs)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	return mux
}

// cors allows browser dashboards on other local ports to call the API.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. It returns when the listener closes; a clean
// Shutdown yields nil.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) uptimeSeconds() int64 {
	return int64(time.Since(s.deps.StartedAt).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    s.uptimeSeconds(),
		"version":   s.deps.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	groups := s.deps.Groups.List()
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Folder)
	}
	recent := s.deps.Errors.Recent(recentLimit)
	if recent == nil {
		recent = []errlog.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"activeContainers": s.deps.Workers.ActiveCount(),
		"queueDepth":       s.deps.Queue.Depth(),
		"registeredGroups": names,
		"resources":        s.deps.Resources.Stats(),
		"recentErrors":     recent,
		"uptime":           s.uptimeSeconds(),
		"version":          s.deps.Version,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Store.AllTasks()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := r.URL.Query().Get("status")
	group := r.URL.Query().Get("group")

	tasks := make([]*store.Task, 0, len(all))
	for _, t := range all {
		// Cancelled tasks are hidden unless explicitly requested.
		if status == "" && t.Status == store.StatusCancelled {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if group != "" && t.GroupFolder != group {
			continue
		}
		tasks = append(tasks, t)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := s.deps.Store.TaskRunLogs(task.ID, recentLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.TaskRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task":       task,
		"recentRuns": runs,
	})
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	task, err := s.deps.Store.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch action {
	case "pause":
		if task.Status != store.StatusActive {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot pause %s task", task.Status))
			return
		}
		updated, err := s.deps.Store.UpdateTask(id, func(t *store.Task) {
			t.Status = store.StatusPaused
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": updated.Status})

	case "resume":
		if task.Status != store.StatusPaused {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot resume %s task", task.Status))
			return
		}
		// Resumed tasks become due immediately; the scheduler computes
		// the following run from the schedule after it fires.
		updated, err := s.deps.Store.UpdateTask(id, func(t *store.Task) {
			now := time.Now().UTC()
			t.Status = store.StatusActive
			t.NextRun = &now
			t.RetryCount = 0
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": updated.Status})

	case "cancel":
		// Idempotent: cancelling a cancelled task succeeds.
		if err := s.deps.Store.CancelTask(id); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": store.StatusCancelled})

	case "run":
		if task.Status != store.StatusActive {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot run %s task", task.Status))
			return
		}
		if _, err := s.deps.Store.UpdateTask(id, func(t *store.Task) {
			now := time.Now().UTC()
			t.NextRun = &now
		}); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "task will run on the next scheduler poll",
		})

	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, _ *http.Request) {
	all, err := s.deps.Store.AllTasks()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	soon := now.Add(24 * time.Hour)

	byStatus := map[string]int{}
	var dueSoon, overdue, withRetries int
	for _, t := range all {
		byStatus[t.Status]++
		if t.RetryCount > 0 {
			withRetries++
		}
		if t.Status != store.StatusActive || t.NextRun == nil {
			continue
		}
		if t.NextRun.Before(now) {
			overdue++
		} else if t.NextRun.Before(soon) {
			dueSoon++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(all),
		"byStatus":    byStatus,
		"dueSoon":     dueSoon,
		"overdue":     overdue,
		"withRetries": withRetries,
		"timestamp":   now.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHeartbeatConfigGet(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Heartbeat.Config())
}

func (s *Server) handleHeartbeatConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch heartbeat.ConfigPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Heartbeat.PatchConfig(patch))
}

func (s *Server) handleHeartbeatPing(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Heartbeat.Ping(r.Context())
	if errors.Is(err, heartbeat.ErrNotRegistered) {
		s.writeError(w, http.StatusServiceUnavailable, "heartbeat not registered")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHeartbeatJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.deps.Store.AllHeartbeatJobs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*store.HeartbeatJob{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
