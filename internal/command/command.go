// Package command implements the inline slash-command dispatcher: a
// static ordered registry of commands that short-circuit known slash
// messages without spawning a worker.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"shepherd/internal/agent"
	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/logging"
	"shepherd/internal/store"
	"shepherd/internal/sysmetrics"
)

// Command categories.
const (
	CategoryGeneral = "general"
	CategorySession = "session"
	CategoryCost    = "cost"
	CategoryAdmin   = "admin"
)

// Action kinds. An empty kind plus a Reply is a plain text reply.
const (
	KindReply        = "reply"
	KindClearSession = "clear-session"
	KindSendPhoto    = "send-photo"
	KindSendDocument = "send-document"
	KindKillWorkers  = "kill-workers"
	KindRestart      = "restart"
)

// OnlyMainReply rejects privileged commands outside the main group.
const OnlyMainReply = "Only main group"

// Action is the dispatch result: a reply string or a structured action
// the orchestrator interprets.
type Action struct {
	Kind     string
	Reply    string
	FilePath string
	Caption  string
	FileName string
}

// Reply builds a plain text reply action.
func Reply(text string) Action { return Action{Kind: KindReply, Reply: text} }

// Request carries one parsed command invocation.
type Request struct {
	Command     string
	Args        string
	ChatJID     string
	GroupFolder string
	IsMain      bool
	Sender      string
	SenderName  string
}

// Handler executes one command.
type Handler func(ctx context.Context, d *Dispatcher, req Request) Action

// Spec is one registry entry.
type Spec struct {
	Name        string
	Description string
	Category    string
	// HelpDescription overrides Description in /help output.
	HelpDescription string
	// MainOnly restricts the command to the main group.
	MainOnly bool
	Handler  Handler
}

// BotCommand is the channel-facing command projection.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// HeartbeatController is the slice of the heartbeat system the /heartbeat
// command needs.
type HeartbeatController interface {
	HandleCommand(args string, isMain bool) string
}

// SessionDescriber supplies /session info when a session layer is wired.
type SessionDescriber interface {
	Describe(chatJID string) (string, bool)
}

// Deps are the capabilities handlers read from. Any field may be nil;
// handlers degrade to an informative reply.
type Deps struct {
	Queue interface {
		Depth() int
		ActiveCount() int
		DedupDrops() int64
	}
	Workers interface {
		Active() []agent.ContainerInfo
		Ping(ctx context.Context) (string, error)
	}
	Resources interface {
		Stats() sysmetrics.Stats
	}
	Errors    *errlog.Ring
	Store     *store.Store
	Heartbeat HeartbeatController
	Groups    *config.Groups
	Sessions  SessionDescriber

	GroupsDir     string
	ModelName     string
	AssistantName string
	Version       string
	StartedAt     time.Time
	Location      *time.Location
	// BudgetUSD is the monthly spend budget; zero means unconfigured.
	BudgetUSD float64
}

// Dispatcher matches parsed slash commands against the registry.
type Dispatcher struct {
	specs  []Spec
	byName map[string]int
	deps   Deps
	logger *slog.Logger
}

// New builds a Dispatcher over the default registry.
func New(deps Deps, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		byName: make(map[string]int),
		logger: logging.Default(logger).With("component", "command"),
	}
	d.specs = registry()
	for i, spec := range d.specs {
		d.byName[spec.Name] = i
	}
	return d
}

// slashRe matches `/name[@bot] [args...]`: 1-32 chars of [a-z0-9_],
// optional @bot suffix of 3+ chars, case-insensitive, args spanning
// lines.
var slashRe = regexp.MustCompile(`(?is)^/([a-z0-9_]{1,32})(?:@([a-z0-9_]{3,}))?(?:\s+(.*))?$`)

// ParseSlash parses a slash command. The command name is folded to
// lower case; an @bot suffix is stripped.
func ParseSlash(text string) (command, args string, ok bool) {
	m := slashRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[3]), true
}

// HandleText parses and dispatches a slash message. Unknown or
// unparseable commands get the recovery reply; they never fall through
// to a worker.
func (d *Dispatcher) HandleText(ctx context.Context, text string, req Request) Action {
	name, args, ok := ParseSlash(text)
	if !ok {
		return Reply(unknownReply(text))
	}
	req.Command = name
	req.Args = args
	return d.Dispatch(ctx, req)
}

// Dispatch runs an already-parsed command.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Action {
	idx, found := d.byName[req.Command]
	if !found {
		d.logger.Debug("unknown command", "command", req.Command)
		return Reply(unknownReply("/" + req.Command))
	}
	spec := d.specs[idx]
	if spec.MainOnly && !req.IsMain {
		return Reply(OnlyMainReply)
	}
	return spec.Handler(ctx, d, req)
}

// SetSessions wires the session layer after construction. The session
// tracker and the dispatcher reference each other, so one side attaches
// late.
func (d *Dispatcher) SetSessions(s SessionDescriber) {
	d.deps.Sessions = s
}

// Commands returns the registry in declaration order.
func (d *Dispatcher) Commands() []Spec {
	out := make([]Spec, len(d.specs))
	copy(out, d.specs)
	return out
}

// TelegramCommands projects the registry for channel registration,
// preserving order.
func (d *Dispatcher) TelegramCommands() []BotCommand {
	out := make([]BotCommand, len(d.specs))
	for i, spec := range d.specs {
		out[i] = BotCommand{Command: spec.Name, Description: spec.Description}
	}
	return out
}

func unknownReply(cmd string) string {
	return fmt.Sprintf("ไม่รู้จักคำสั่ง %s\nSee /help for available commands", cmd)
}
