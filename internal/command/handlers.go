package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shepherd/internal/store"
)

// registry returns the static command table. Order is the order shown
// in /help and registered with channels.
func registry() []Spec {
	return []Spec{
		{Name: "ping", Description: "Check the bot is alive", Category: CategoryGeneral, Handler: handlePing},
		{Name: "help", Description: "List available commands", Category: CategoryGeneral, Handler: handleHelp},
		{Name: "start", Description: "Introduction and quick start", Category: CategoryGeneral, Handler: handleStart},
		{Name: "me", Description: "Show your sender identity", Category: CategoryGeneral, Handler: handleMe},
		{Name: "soul", Description: "Show the assistant persona for this group", Category: CategoryGeneral, Handler: handleSoul},
		{Name: "status", Description: "System status overview", Category: CategoryGeneral, Handler: handleStatus},
		{Name: "health", Description: "Quick health check", Category: CategoryGeneral, Handler: handleHealth},

		{Name: "clear", Description: "Clear the conversation session", Category: CategorySession, Handler: handleClear},
		{Name: "reset", Description: "Reset the conversation session", Category: CategorySession, Handler: handleReset},
		{Name: "session", Description: "Show session info", Category: CategorySession, Handler: handleSession},
		{Name: "model", Description: "Show the active model", Category: CategorySession, Handler: handleModel},

		{Name: "usage", Description: "Token usage today", Category: CategoryCost, Handler: handleUsage},
		{Name: "cost", Description: "Spend today and this month", Category: CategoryCost, Handler: handleCost},
		{Name: "budget", Description: "Monthly budget status", Category: CategoryCost, Handler: handleBudget},

		{Name: "containers", Description: "List active worker containers", Category: CategoryAdmin, Handler: handleContainers},
		{Name: "queue", Description: "Queue and concurrency status", Category: CategoryAdmin, Handler: handleQueue},
		{Name: "errors", Description: "Recent errors", Category: CategoryAdmin, Handler: handleErrors},
		{Name: "docker", Description: "Container engine info", Category: CategoryAdmin, Handler: handleDocker},
		{Name: "heartbeat", Description: "Heartbeat status and control", Category: CategoryAdmin, Handler: handleHeartbeat},
		{Name: "hbjob", Description: "Manage heartbeat jobs", Category: CategoryAdmin, HelpDescription: "Manage heartbeat jobs: add|list|label|prompt|interval|category|pause|resume|remove", Handler: handleHbjob},
		{Name: "kill", Description: "Stop all running workers", Category: CategoryAdmin, MainOnly: true, Handler: handleKill},
		{Name: "restart", Description: "Restart the orchestrator", Category: CategoryAdmin, MainOnly: true, Handler: handleRestart},

		{Name: "tgmedia", Description: "Media sending help", Category: CategoryGeneral, Handler: handleTgmedia},
		{Name: "tgsendfile", Description: "Send a file from the group workspace", Category: CategoryGeneral, HelpDescription: "Send a file: /tgsendfile <relative path> <caption>", Handler: handleTgsendfile},
		{Name: "tgsendphoto", Description: "Send a photo from the group workspace", Category: CategoryGeneral, HelpDescription: "Send a photo: /tgsendphoto <relative path> <caption>", Handler: handleTgsendphoto},
	}
}

func handlePing(context.Context, *Dispatcher, Request) Action {
	return Reply("pong 🏓")
}

func handleHelp(_ context.Context, d *Dispatcher, _ Request) Action {
	titles := map[string]string{
		CategoryGeneral: "General",
		CategorySession: "Session",
		CategoryCost:    "Cost",
		CategoryAdmin:   "Admin",
	}
	var b strings.Builder
	b.WriteString("Available commands\n")
	for _, cat := range []string{CategoryGeneral, CategorySession, CategoryCost, CategoryAdmin} {
		b.WriteString("\n" + titles[cat] + "\n")
		for _, spec := range d.specs {
			if spec.Category != cat {
				continue
			}
			desc := spec.Description
			if spec.HelpDescription != "" {
				desc = spec.HelpDescription
			}
			fmt.Fprintf(&b, "/%s - %s\n", spec.Name, desc)
		}
	}
	return Reply(strings.TrimRight(b.String(), "\n"))
}

func handleStart(_ context.Context, d *Dispatcher, _ Request) Action {
	name := d.deps.AssistantName
	if name == "" {
		name = "the assistant"
	}
	return Reply(fmt.Sprintf("Hi, I'm %s. Send me a message and I'll get to work.\nUse /help to see what I can do.", name))
}

func handleMe(_ context.Context, _ *Dispatcher, req Request) Action {
	name := req.SenderName
	if name == "" {
		name = "unknown"
	}
	return Reply(fmt.Sprintf("You are %s (%s)\nChat: %s\nGroup: %s", name, req.Sender, req.ChatJID, req.GroupFolder))
}

func handleSoul(_ context.Context, d *Dispatcher, req Request) Action {
	if d.deps.GroupsDir == "" || req.GroupFolder == "" {
		return Reply("No soul file for this group")
	}
	raw, err := os.ReadFile(filepath.Join(d.deps.GroupsDir, req.GroupFolder, "SOUL.md"))
	if err != nil {
		return Reply("No soul file for this group")
	}
	text := string(raw)
	if len(text) > 3500 {
		text = text[:3500] + "\n…"
	}
	return Reply(text)
}

func handleStatus(_ context.Context, d *Dispatcher, _ Request) Action {
	var b strings.Builder
	b.WriteString("System status\n")
	if !d.deps.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s\n", time.Since(d.deps.StartedAt).Round(time.Second))
	}
	if d.deps.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", d.deps.Version)
	}
	if d.deps.Workers != nil {
		fmt.Fprintf(&b, "Active containers: %d\n", len(d.deps.Workers.Active()))
	}
	if d.deps.Queue != nil {
		fmt.Fprintf(&b, "Queue depth: %d\n", d.deps.Queue.Depth())
	}
	if d.deps.Groups != nil {
		fmt.Fprintf(&b, "Groups: %d\n", len(d.deps.Groups.List()))
	}
	if d.deps.Resources != nil {
		st := d.deps.Resources.Stats()
		fmt.Fprintf(&b, "Workers: max %d/%d, CPU %.0f%%, mem free %.0f%%\n",
			st.CurrentMax, st.BaseMax, st.CPUUsagePercent, st.MemoryFreePct)
	}
	return Reply(strings.TrimRight(b.String(), "\n"))
}

func handleHealth(ctx context.Context, d *Dispatcher, _ Request) Action {
	var b strings.Builder
	b.WriteString("Health: ok")
	if d.deps.Workers != nil {
		if ver, err := d.deps.Workers.Ping(ctx); err != nil {
			fmt.Fprintf(&b, "\nDocker: unreachable (%v)", err)
		} else {
			fmt.Fprintf(&b, "\nDocker: %s", ver)
		}
	}
	if !d.deps.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nUptime: %s", time.Since(d.deps.StartedAt).Round(time.Second))
	}
	return Reply(b.String())
}

func handleClear(context.Context, *Dispatcher, Request) Action {
	return Action{Kind: KindClearSession, Reply: "Session cleared ✅"}
}

func handleReset(context.Context, *Dispatcher, Request) Action {
	return Action{Kind: KindClearSession, Reply: "Session reset ✅"}
}

func handleSession(_ context.Context, d *Dispatcher, req Request) Action {
	if d.deps.Sessions == nil {
		return Reply("No session layer configured")
	}
	info, ok := d.deps.Sessions.Describe(req.ChatJID)
	if !ok {
		return Reply("No active session")
	}
	return Reply(info)
}

func handleModel(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.ModelName == "" {
		return Reply("Model: (default)")
	}
	return Reply("Model: " + d.deps.ModelName)
}

func handleUsage(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Store == nil {
		return Reply("Usage tracking not available")
	}
	today, err := d.deps.Store.UsageToday(d.location())
	if err != nil {
		return Reply("Usage tracking not available")
	}
	return Reply(fmt.Sprintf("Usage today\nRequests: %d\nInput tokens: %d\nOutput tokens: %d\nCost: $%.4f",
		today.Count, today.InputTokens, today.OutputTokens, today.CostUSD))
}

func handleCost(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Store == nil {
		return Reply("Usage tracking not available")
	}
	today, err := d.deps.Store.UsageToday(d.location())
	if err != nil {
		return Reply("Usage tracking not available")
	}
	month, err := d.deps.Store.UsageThisMonth(d.location())
	if err != nil {
		return Reply("Usage tracking not available")
	}
	return Reply(fmt.Sprintf("Cost\nToday: $%.4f (%d requests)\nThis month: $%.4f (%d requests)",
		today.CostUSD, today.Count, month.CostUSD, month.Count))
}

func handleBudget(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.BudgetUSD <= 0 {
		return Reply("No budget configured")
	}
	if d.deps.Store == nil {
		return Reply("Usage tracking not available")
	}
	month, err := d.deps.Store.UsageThisMonth(d.location())
	if err != nil {
		return Reply("Usage tracking not available")
	}
	remaining := d.deps.BudgetUSD - month.CostUSD
	pct := month.CostUSD / d.deps.BudgetUSD * 100
	return Reply(fmt.Sprintf("Budget\nSpent: $%.2f of $%.2f (%.0f%%)\nRemaining: $%.2f",
		month.CostUSD, d.deps.BudgetUSD, pct, remaining))
}

func handleContainers(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Workers == nil {
		return Reply("Worker runtime not available")
	}
	active := d.deps.Workers.Active()
	if len(active) == 0 {
		return Reply("No active containers")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active containers (%d)\n", len(active))
	for _, c := range active {
		kind := "chat"
		if c.Scheduled {
			kind = "scheduled"
		}
		fmt.Fprintf(&b, "• %s [%s, %s] up %s\n", c.Name, c.Group, kind, time.Since(c.StartedAt).Round(time.Second))
	}
	return Reply(strings.TrimRight(b.String(), "\n"))
}

func handleQueue(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Queue == nil {
		return Reply("Queue not available")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Queue\nPending: %d\nRunning: %d\n", d.deps.Queue.Depth(), d.deps.Queue.ActiveCount())
	if d.deps.Resources != nil {
		st := d.deps.Resources.Stats()
		fmt.Fprintf(&b, "Limit: %d (base %d)\n", st.CurrentMax, st.BaseMax)
	}
	fmt.Fprintf(&b, "Dedup drops: %d", d.deps.Queue.DedupDrops())
	return Reply(b.String())
}

func handleErrors(_ context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Errors == nil || d.deps.Errors.Len() == 0 {
		return Reply("No recent errors 🎉")
	}
	var b strings.Builder
	b.WriteString("Recent errors\n")
	for _, e := range d.deps.Errors.Recent(10) {
		fmt.Fprintf(&b, "• %s [%s] %s\n", e.Time.Format("15:04:05"), e.Source, e.Message)
	}
	return Reply(strings.TrimRight(b.String(), "\n"))
}

func handleDocker(ctx context.Context, d *Dispatcher, _ Request) Action {
	if d.deps.Workers == nil {
		return Reply("Worker runtime not available")
	}
	ver, err := d.deps.Workers.Ping(ctx)
	if err != nil {
		return Reply(fmt.Sprintf("Docker unreachable: %v", err))
	}
	return Reply(fmt.Sprintf("Docker engine %s\nActive containers: %d", ver, len(d.deps.Workers.Active())))
}

func handleHeartbeat(_ context.Context, d *Dispatcher, req Request) Action {
	if d.deps.Heartbeat == nil {
		return Reply("Heartbeat not running")
	}
	return Reply(d.deps.Heartbeat.HandleCommand(req.Args, req.IsMain))
}

func handleKill(context.Context, *Dispatcher, Request) Action {
	return Action{Kind: KindKillWorkers, Reply: "Stopping all workers…"}
}

func handleRestart(context.Context, *Dispatcher, Request) Action {
	return Action{Kind: KindRestart, Reply: "Restarting…"}
}

func handleTgmedia(context.Context, *Dispatcher, Request) Action {
	return Reply("Media sending\n/tgsendphoto <relative path> <caption>: send a photo\n/tgsendfile <relative path> <caption>: send a document\nPaths are relative to the group workspace.")
}

func handleTgsendfile(_ context.Context, d *Dispatcher, req Request) Action {
	return sendMedia(d, req, KindSendDocument)
}

func handleTgsendphoto(_ context.Context, d *Dispatcher, req Request) Action {
	return sendMedia(d, req, KindSendPhoto)
}

func sendMedia(d *Dispatcher, req Request, kind string) Action {
	rel, caption, ok := strings.Cut(req.Args, " ")
	if !ok && rel == "" {
		return Reply(fmt.Sprintf("Usage: /%s <relative path> <caption>", req.Command))
	}
	path, err := workspacePath(d.deps.GroupsDir, req.GroupFolder, rel)
	if err != nil {
		return Reply("Invalid path: must stay inside the group workspace")
	}
	if _, err := os.Stat(path); err != nil {
		return Reply(fmt.Sprintf("File not found: %s", rel))
	}
	return Action{
		Kind:     kind,
		FilePath: path,
		Caption:  strings.TrimSpace(caption),
		FileName: filepath.Base(path),
	}
}

// workspacePath resolves rel inside the group workspace and rejects
// escapes.
func workspacePath(groupsDir, folder, rel string) (string, error) {
	if groupsDir == "" || folder == "" {
		return "", errors.New("no workspace")
	}
	root := filepath.Join(groupsDir, folder)
	path := filepath.Clean(filepath.Join(root, rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return path, nil
}

// handleHbjob manages HeartbeatJob records. Listing is open; mutations
// are main-group only.
func handleHbjob(_ context.Context, d *Dispatcher, req Request) Action {
	if d.deps.Store == nil {
		return Reply("Heartbeat jobs not available")
	}
	sub, rest, _ := strings.Cut(strings.TrimSpace(req.Args), " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "list":
		return hbjobList(d)
	case "add", "label", "prompt", "interval", "category", "pause", "resume", "remove":
		if !req.IsMain {
			return Reply(OnlyMainReply)
		}
	default:
		return Reply("Unknown subcommand. Use /hbjob add|list|label|prompt|interval|category|pause|resume|remove")
	}

	switch sub {
	case "add":
		return hbjobAdd(d, req, rest)
	case "pause":
		return hbjobSetStatus(d, rest, store.HBStatusPaused, "paused")
	case "resume":
		return hbjobSetStatus(d, rest, store.HBStatusActive, "resumed")
	case "remove":
		return hbjobRemove(d, rest)
	default:
		return hbjobPatchField(d, sub, rest)
	}
}

func hbjobList(d *Dispatcher) Action {
	jobs, err := d.deps.Store.AllHeartbeatJobs()
	if err != nil {
		return Reply(fmt.Sprintf("Could not list jobs: %v", err))
	}
	if len(jobs) == 0 {
		return Reply("No heartbeat jobs. Add one with /hbjob add label|category|intervalMinutes|prompt")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Heartbeat jobs (%d)\n", len(jobs))
	for _, j := range jobs {
		interval := "global"
		if j.IntervalMs > 0 {
			interval = fmt.Sprintf("%dm", j.IntervalMs/60000)
		}
		fmt.Fprintf(&b, "• %s [%s, %s, %s] %s\n", j.Label, j.Category, j.Status, interval, shortID(j.ID))
	}
	return Reply(strings.TrimRight(b.String(), "\n"))
}

// hbjobAdd parses the pipe-separated payload `label|category|intervalMinutes|prompt`.
func hbjobAdd(d *Dispatcher, req Request, payload string) Action {
	parts := strings.SplitN(payload, "|", 4)
	if len(parts) != 4 {
		return Reply("Usage: /hbjob add label|category|intervalMinutes|prompt")
	}
	label := strings.TrimSpace(parts[0])
	category := strings.TrimSpace(parts[1])
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	prompt := strings.TrimSpace(parts[3])

	if label == "" || prompt == "" {
		return Reply("Label and prompt must not be empty")
	}
	if !store.ValidHBCategory(category) {
		return Reply("Category must be one of: learning, monitor, health, custom")
	}
	if err != nil || minutes < 0 {
		return Reply("Interval must be a non-negative number of minutes (0 = global interval)")
	}

	job := &store.HeartbeatJob{
		ChatJID:    req.ChatJID,
		Label:      label,
		Prompt:     prompt,
		Category:   category,
		IntervalMs: int64(minutes) * 60000,
		CreatedBy:  req.Sender,
	}
	if err := d.deps.Store.CreateHeartbeatJob(job); err != nil {
		return Reply(fmt.Sprintf("Could not create job: %v", err))
	}
	return Reply(fmt.Sprintf("Added heartbeat job %q (%s)", label, shortID(job.ID)))
}

func hbjobSetStatus(d *Dispatcher, id, status, verb string) Action {
	if id == "" {
		return Reply("Usage: /hbjob pause|resume <id>")
	}
	job, err := d.deps.Store.UpdateHeartbeatJob(id, func(j *store.HeartbeatJob) { j.Status = status })
	if err != nil {
		return hbjobError(id, err)
	}
	return Reply(fmt.Sprintf("Job %q %s", job.Label, verb))
}

func hbjobRemove(d *Dispatcher, id string) Action {
	if id == "" {
		return Reply("Usage: /hbjob remove <id>")
	}
	if err := d.deps.Store.DeleteHeartbeatJob(id); err != nil {
		return hbjobError(id, err)
	}
	return Reply(fmt.Sprintf("Removed job %s", id))
}

func hbjobPatchField(d *Dispatcher, field, rest string) Action {
	id, value, ok := strings.Cut(rest, " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return Reply(fmt.Sprintf("Usage: /hbjob %s <id> <value>", field))
	}

	var patch func(*store.HeartbeatJob)
	switch field {
	case "label":
		patch = func(j *store.HeartbeatJob) { j.Label = value }
	case "prompt":
		patch = func(j *store.HeartbeatJob) { j.Prompt = value }
	case "interval":
		minutes, err := strconv.Atoi(value)
		if err != nil || minutes < 0 {
			return Reply("Interval must be a non-negative number of minutes")
		}
		patch = func(j *store.HeartbeatJob) { j.IntervalMs = int64(minutes) * 60000 }
	case "category":
		if !store.ValidHBCategory(value) {
			return Reply("Category must be one of: learning, monitor, health, custom")
		}
		patch = func(j *store.HeartbeatJob) { j.Category = value }
	}

	job, err := d.deps.Store.UpdateHeartbeatJob(id, patch)
	if err != nil {
		return hbjobError(id, err)
	}
	return Reply(fmt.Sprintf("Updated %s for job %q", field, job.Label))
}

func hbjobError(id string, err error) Action {
	if errors.Is(err, store.ErrNotFound) {
		return Reply(fmt.Sprintf("No job matching %q", id))
	}
	return Reply(fmt.Sprintf("Job update failed: %v", err))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (d *Dispatcher) location() *time.Location {
	if d.deps.Location != nil {
		return d.deps.Location
	}
	return time.Local
}
