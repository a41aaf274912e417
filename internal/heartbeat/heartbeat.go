// Package heartbeat runs periodic health jobs through the worker fleet
// and watches for silence. Runtime config is mutable while the loop is
// running; invalid patch values clamp to the previous value instead of
// failing.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"shepherd/internal/agent"
	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/logging"
	"shepherd/internal/store"
)

// ErrNotRegistered is returned when a manual heartbeat is requested
// before a main chat JID is configured.
var ErrNotRegistered = errors.New("heartbeat not registered")

// Config value bounds.
const (
	minIntervalMs = 60_000
	minSilenceMs  = 60_000
	minAckChars   = 50
	maxAckChars   = 4000
)

// RuntimeConfig is the process-wide mutable heartbeat configuration.
type RuntimeConfig struct {
	Enabled               bool   `json:"enabled"`
	IntervalMs            int64  `json:"intervalMs"`
	SilenceThresholdMs    int64  `json:"silenceThresholdMs"`
	MainChatJID           string `json:"mainChatJid"`
	EscalateAfterErrors   int    `json:"escalateAfterErrors"`
	ShowOk                bool   `json:"showOk"`
	ShowAlerts            bool   `json:"showAlerts"`
	UseIndicator          bool   `json:"useIndicator"`
	DeliveryMuted         bool   `json:"deliveryMuted"`
	AlertRepeatCooldownMs int64  `json:"alertRepeatCooldownMs"`
	HeartbeatPrompt       string `json:"heartbeatPrompt"`
	AckMaxChars           int    `json:"ackMaxChars"`
}

// DefaultConfig returns the starting configuration.
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		Enabled:               true,
		IntervalMs:            30 * 60_000,
		SilenceThresholdMs:    60 * 60_000,
		EscalateAfterErrors:   3,
		ShowOk:                false,
		ShowAlerts:            true,
		UseIndicator:          true,
		AlertRepeatCooldownMs: 60 * 60_000,
		HeartbeatPrompt:       "Run a quick health check and report anything unusual in one short paragraph.",
		AckMaxChars:           300,
	}
}

// ConfigPatch carries partial config updates; nil fields are left
// untouched. Out-of-range values clamp to the previous value.
type ConfigPatch struct {
	Enabled               *bool   `json:"enabled,omitempty"`
	IntervalMs            *int64  `json:"intervalMs,omitempty"`
	SilenceThresholdMs    *int64  `json:"silenceThresholdMs,omitempty"`
	MainChatJID           *string `json:"mainChatJid,omitempty"`
	EscalateAfterErrors   *int    `json:"escalateAfterErrors,omitempty"`
	ShowOk                *bool   `json:"showOk,omitempty"`
	ShowAlerts            *bool   `json:"showAlerts,omitempty"`
	UseIndicator          *bool   `json:"useIndicator,omitempty"`
	DeliveryMuted         *bool   `json:"deliveryMuted,omitempty"`
	AlertRepeatCooldownMs *int64  `json:"alertRepeatCooldownMs,omitempty"`
	HeartbeatPrompt       *string `json:"heartbeatPrompt,omitempty"`
	AckMaxChars           *int    `json:"ackMaxChars,omitempty"`
}

// SpawnFunc runs one worker; agent.Runtime.Spawn in production.
type SpawnFunc func(ctx context.Context, req agent.Request, hooks agent.Hooks) (agent.ContainerOutput, error)

// Sender delivers heartbeat messages.
type Sender interface {
	SendText(ctx context.Context, jid, text string) error
}

// Deps wires the heartbeat system.
type Deps struct {
	Store  *store.Store
	Groups *config.Groups
	Spawn  SpawnFunc
	Sender Sender
	Errors *errlog.Ring
	Logger *slog.Logger
}

// Heartbeat owns the tick loop and the runtime config.
type Heartbeat struct {
	store  *store.Store
	groups *config.Groups
	spawn  SpawnFunc
	sender Sender
	errs   *errlog.Ring
	logger *slog.Logger

	mu            sync.Mutex
	cfg           RuntimeConfig
	observers     map[int]func(RuntimeConfig)
	nextObs       int
	consecErrs    int
	lastActivity  time.Time
	lastAlertText string
	lastAlertAt   time.Time
	lastTick      time.Time

	stop    chan struct{}
	stopped chan struct{}
	// wake lets config patches re-arm the loop timer immediately.
	wake chan struct{}
}

// New creates a Heartbeat with the given starting config.
func New(cfg RuntimeConfig, deps Deps) *Heartbeat {
	return &Heartbeat{
		store:     deps.Store,
		groups:    deps.Groups,
		spawn:     deps.Spawn,
		sender:    deps.Sender,
		errs:      deps.Errors,
		logger:    logging.Default(deps.Logger).With("component", "heartbeat"),
		cfg:       cfg,
		observers: make(map[int]func(RuntimeConfig)),
		wake:      make(chan struct{}, 1),
	}
}

// Config returns a snapshot of the runtime config.
func (h *Heartbeat) Config() RuntimeConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Registered reports whether a main chat JID is configured.
func (h *Heartbeat) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.MainChatJID != ""
}

// RegisterObserver adds a config-change callback and returns its id.
// Observers are error-isolated: a panicking observer cannot abort a
// patch.
func (h *Heartbeat) RegisterObserver(fn func(RuntimeConfig)) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextObs
	h.nextObs++
	h.observers[id] = fn
	return id
}

// UnregisterObserver removes a callback. Unknown ids are ignored.
func (h *Heartbeat) UnregisterObserver(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, id)
}

// PatchConfig applies a partial update, clamping invalid values to the
// previous ones, then notifies observers and returns the new config.
func (h *Heartbeat) PatchConfig(p ConfigPatch) RuntimeConfig {
	h.mu.Lock()
	if p.Enabled != nil {
		h.cfg.Enabled = *p.Enabled
	}
	if p.IntervalMs != nil && *p.IntervalMs >= minIntervalMs {
		h.cfg.IntervalMs = *p.IntervalMs
	}
	if p.SilenceThresholdMs != nil && *p.SilenceThresholdMs >= minSilenceMs {
		h.cfg.SilenceThresholdMs = *p.SilenceThresholdMs
	}
	if p.MainChatJID != nil && *p.MainChatJID != "" {
		h.cfg.MainChatJID = *p.MainChatJID
	}
	if p.EscalateAfterErrors != nil && *p.EscalateAfterErrors >= 1 {
		h.cfg.EscalateAfterErrors = *p.EscalateAfterErrors
	}
	if p.ShowOk != nil {
		h.cfg.ShowOk = *p.ShowOk
	}
	if p.ShowAlerts != nil {
		h.cfg.ShowAlerts = *p.ShowAlerts
	}
	if p.UseIndicator != nil {
		h.cfg.UseIndicator = *p.UseIndicator
	}
	if p.DeliveryMuted != nil {
		h.cfg.DeliveryMuted = *p.DeliveryMuted
	}
	if p.AlertRepeatCooldownMs != nil && *p.AlertRepeatCooldownMs >= 0 {
		h.cfg.AlertRepeatCooldownMs = *p.AlertRepeatCooldownMs
	}
	if p.HeartbeatPrompt != nil && *p.HeartbeatPrompt != "" {
		h.cfg.HeartbeatPrompt = *p.HeartbeatPrompt
	}
	if p.AckMaxChars != nil && *p.AckMaxChars >= minAckChars && *p.AckMaxChars <= maxAckChars {
		h.cfg.AckMaxChars = *p.AckMaxChars
	}
	cfg := h.cfg
	observers := make([]func(RuntimeConfig), 0, len(h.observers))
	for _, fn := range h.observers {
		observers = append(observers, fn)
	}
	h.mu.Unlock()

	for _, fn := range observers {
		h.notify(fn, cfg)
	}

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return cfg
}

func (h *Heartbeat) notify(fn func(RuntimeConfig), cfg RuntimeConfig) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("config observer panicked", "panic", r)
		}
	}()
	fn(cfg)
}

// RecordActivity marks system activity for the silence watchdog.
// Inbound message handling calls this.
func (h *Heartbeat) RecordActivity() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// Start launches the tick loop. Stop tears it down.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	h.stop = make(chan struct{})
	h.stopped = make(chan struct{})
	h.mu.Unlock()

	go h.run(ctx)
	h.logger.Info("heartbeat started", "interval", time.Duration(h.Config().IntervalMs)*time.Millisecond)
}

// Stop halts the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop := h.stop
	stopped := h.stopped
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	h.mu.Lock()
	h.stop = nil
	h.stopped = nil
	h.mu.Unlock()
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.stopped)

	for {
		timer := time.NewTimer(h.effectiveInterval())
		select {
		case <-timer.C:
			h.Tick(ctx, false)
		case <-h.wake:
			timer.Stop()
		case <-h.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// effectiveInterval is the configured interval, halved (doubled
// frequency) while consecutive errors exceed the escalation threshold.
func (h *Heartbeat) effectiveInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	iv := time.Duration(h.cfg.IntervalMs) * time.Millisecond
	if h.consecErrs > h.cfg.EscalateAfterErrors {
		iv /= 2
	}
	return iv
}

// Tick runs one heartbeat pass: the silence watchdog, the baseline
// health check, then every active job whose interval has elapsed. force
// ignores elapsed intervals (the manual /heartbeat/ping path).
func (h *Heartbeat) Tick(ctx context.Context, force bool) {
	cfg := h.Config()
	if !cfg.Enabled && !force {
		return
	}
	now := time.Now()
	h.mu.Lock()
	h.lastTick = now
	lastActivity := h.lastActivity
	h.mu.Unlock()

	if !lastActivity.IsZero() && now.Sub(lastActivity) > time.Duration(cfg.SilenceThresholdMs)*time.Millisecond {
		gap := now.Sub(lastActivity).Round(time.Minute)
		h.deliver(ctx, fmt.Sprintf("🔕 No activity for %s", gap), true)
	}

	h.runBase(ctx, cfg)

	jobs, err := h.store.AllHeartbeatJobs()
	if err != nil {
		h.logger.Error("heartbeat jobs query failed", "error", err)
		return
	}
	for _, job := range jobs {
		if job.Status != store.HBStatusActive {
			continue
		}
		if !force && !jobDue(job, cfg.IntervalMs, now) {
			continue
		}
		h.runJob(ctx, cfg, job)
	}
}

// jobDue reports whether a job's own interval (or the global one when
// unset) has elapsed since its last run.
func jobDue(job *store.HeartbeatJob, globalMs int64, now time.Time) bool {
	if job.LastRun == nil {
		return true
	}
	iv := job.IntervalMs
	if iv <= 0 {
		iv = globalMs
	}
	return now.Sub(*job.LastRun) >= time.Duration(iv)*time.Millisecond
}

// runBase runs the global HeartbeatPrompt against the main group. Jobs
// cover specific checks; this is the baseline pulse every tick carries.
// A silent success (empty result) delivers nothing.
func (h *Heartbeat) runBase(ctx context.Context, cfg RuntimeConfig) {
	if cfg.MainChatJID == "" || cfg.HeartbeatPrompt == "" {
		return
	}
	group, ok := h.groups.Get(config.MainGroupFolder)
	if !ok {
		h.logger.Warn("main group missing, skipping heartbeat check")
		return
	}

	out, err := h.spawn(ctx, agent.Request{
		Prompt:          cfg.HeartbeatPrompt,
		Group:           group,
		ChatJID:         cfg.MainChatJID,
		IsScheduledTask: true,
	}, agent.Hooks{})

	if failed := err != nil || out.Status == agent.StatusError; failed {
		errMsg := out.Error
		if err != nil {
			errMsg = err.Error()
		}
		h.mu.Lock()
		h.consecErrs++
		count := h.consecErrs
		h.mu.Unlock()
		if h.errs != nil {
			h.errs.Record("heartbeat", errMsg)
		}
		h.logger.Warn("heartbeat check failed", "consecutive", count)
		h.deliver(ctx, "⚠️ Heartbeat check failed: "+errMsg, true)
		return
	}

	h.mu.Lock()
	h.consecErrs = 0
	h.mu.Unlock()

	if out.Result == "" {
		return
	}
	ack := out.Result
	if len(ack) > cfg.AckMaxChars {
		ack = ack[:cfg.AckMaxChars] + "…"
	}
	h.deliver(ctx, "✅ heartbeat: "+ack, false)
}

func (h *Heartbeat) runJob(ctx context.Context, cfg RuntimeConfig, job *store.HeartbeatJob) {
	group, ok := h.groups.Get(config.MainGroupFolder)
	if !ok {
		h.logger.Warn("main group missing, skipping heartbeat job", "job", job.Label)
		return
	}

	startedAt := time.Now()
	out, err := h.spawn(ctx, agent.Request{
		Prompt:          job.Prompt,
		Group:           group,
		ChatJID:         job.ChatJID,
		IsScheduledTask: true,
	}, agent.Hooks{})

	failed := err != nil || out.Status == agent.StatusError
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if out.Status == agent.StatusError {
		errMsg = out.Error
	}

	logErr := h.store.LogHeartbeatRun(store.HeartbeatRun{
		JobID:      job.ID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Success:    !failed,
		Result:     out.Result,
		Error:      errMsg,
	})
	if logErr != nil {
		h.logger.Warn("heartbeat run not logged", "job", job.Label, "error", logErr)
	}
	if _, uerr := h.store.UpdateHeartbeatJob(job.ID, func(j *store.HeartbeatJob) {
		now := time.Now()
		j.LastRun = &now
		if failed {
			j.LastResult = "error: " + errMsg
		} else {
			j.LastResult = out.Result
		}
	}); uerr != nil {
		h.logger.Warn("heartbeat job not updated", "job", job.Label, "error", uerr)
	}

	if failed {
		h.mu.Lock()
		h.consecErrs++
		count := h.consecErrs
		h.mu.Unlock()
		if h.errs != nil {
			h.errs.Record("heartbeat", fmt.Sprintf("%s: %s", job.Label, errMsg))
		}
		h.logger.Warn("heartbeat job failed", "job", job.Label, "consecutive", count)
		h.deliver(ctx, fmt.Sprintf("⚠️ Heartbeat %q failed: %s", job.Label, errMsg), true)
		return
	}

	h.mu.Lock()
	h.consecErrs = 0
	h.mu.Unlock()

	ack := out.Result
	if len(ack) > cfg.AckMaxChars {
		ack = ack[:cfg.AckMaxChars] + "…"
	}
	h.deliver(ctx, fmt.Sprintf("✅ %s: %s", job.Label, ack), false)
}

// deliver sends a heartbeat message to the main chat, honoring the
// mute/show gates and alert duplicate suppression.
func (h *Heartbeat) deliver(ctx context.Context, text string, isAlert bool) {
	h.mu.Lock()
	cfg := h.cfg
	if cfg.DeliveryMuted || cfg.MainChatJID == "" ||
		(isAlert && !cfg.ShowAlerts) || (!isAlert && !cfg.ShowOk) {
		h.mu.Unlock()
		return
	}
	if isAlert {
		cooldown := time.Duration(cfg.AlertRepeatCooldownMs) * time.Millisecond
		if text == h.lastAlertText && time.Since(h.lastAlertAt) < cooldown {
			h.mu.Unlock()
			return
		}
		h.lastAlertText = text
		h.lastAlertAt = time.Now()
	}
	jid := cfg.MainChatJID
	h.mu.Unlock()

	if err := h.sender.SendText(ctx, jid, text); err != nil {
		h.logger.Warn("heartbeat message undelivered", "error", err)
	}
}

// Ping triggers a manual heartbeat pass. ErrNotRegistered when no main
// chat is configured yet.
func (h *Heartbeat) Ping(ctx context.Context) error {
	if !h.Registered() {
		return ErrNotRegistered
	}
	h.Tick(ctx, true)
	return nil
}

// HandleCommand implements the /heartbeat chat command. Read-only
// subcommands work from any group; mutations are main-group only.
func (h *Heartbeat) HandleCommand(args string, isMain bool) string {
	sub, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "status":
		return h.statusText()
	}

	if !isMain {
		return "Only main group"
	}

	switch sub {
	case "on":
		v := true
		h.PatchConfig(ConfigPatch{Enabled: &v})
		return "Heartbeat on ✅"
	case "off":
		v := false
		h.PatchConfig(ConfigPatch{Enabled: &v})
		return "Heartbeat off"
	case "mute":
		v := true
		h.PatchConfig(ConfigPatch{DeliveryMuted: &v})
		return "Heartbeat delivery muted"
	case "unmute":
		v := false
		h.PatchConfig(ConfigPatch{DeliveryMuted: &v})
		return "Heartbeat delivery unmuted"
	case "showok":
		v := rest == "on"
		h.PatchConfig(ConfigPatch{ShowOk: &v})
		return fmt.Sprintf("showOk = %v", v)
	case "showalerts":
		v := rest == "on"
		h.PatchConfig(ConfigPatch{ShowAlerts: &v})
		return fmt.Sprintf("showAlerts = %v", v)
	case "interval":
		minutes, err := strconv.Atoi(rest)
		if err != nil || int64(minutes)*60_000 < minIntervalMs {
			return "Interval must be at least 1 minute"
		}
		ms := int64(minutes) * 60_000
		h.PatchConfig(ConfigPatch{IntervalMs: &ms})
		return fmt.Sprintf("Heartbeat interval set to %dm", minutes)
	case "prompt":
		if rest == "" {
			return "Usage: /heartbeat prompt <text>"
		}
		h.PatchConfig(ConfigPatch{HeartbeatPrompt: &rest})
		return "Heartbeat prompt updated"
	case "ping":
		if err := h.Ping(context.Background()); err != nil {
			return "Heartbeat not registered yet"
		}
		return "Heartbeat triggered"
	default:
		return "Unknown subcommand. Use /heartbeat status|on|off|mute|unmute|interval|showok|showalerts|prompt|ping"
	}
}

func (h *Heartbeat) statusText() string {
	h.mu.Lock()
	cfg := h.cfg
	consec := h.consecErrs
	lastTick := h.lastTick
	h.mu.Unlock()

	state := "off"
	if cfg.Enabled {
		state = "on"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Heartbeat %s\n", state)
	fmt.Fprintf(&b, "Interval: %s\n", time.Duration(cfg.IntervalMs)*time.Millisecond)
	fmt.Fprintf(&b, "Silence threshold: %s\n", time.Duration(cfg.SilenceThresholdMs)*time.Millisecond)
	fmt.Fprintf(&b, "Muted: %v, showOk: %v, showAlerts: %v\n", cfg.DeliveryMuted, cfg.ShowOk, cfg.ShowAlerts)
	fmt.Fprintf(&b, "Consecutive errors: %d (escalate after %d)\n", consec, cfg.EscalateAfterErrors)
	if !lastTick.IsZero() {
		fmt.Fprintf(&b, "Last tick: %s", lastTick.Format("15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}
