package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shepherd/internal/agent"
	"shepherd/internal/channel"
	"shepherd/internal/command"
	"shepherd/internal/config"
	"shepherd/internal/heartbeat"
	"shepherd/internal/logging"
	"shepherd/internal/queue"
	"shepherd/internal/router"
)

// session is the per-chat conversational state. The worker returns a
// sessionId on completion; passing it back on the next spawn resumes
// the conversation.
type session struct {
	id            string
	startedAt     time.Time
	messagesToday int
	day           string
}

// sessions tracks per-chat sessions and implements the /session and
// /clear surfaces.
type sessions struct {
	mu sync.Mutex
	m  map[string]*session
}

func newSessions() *sessions {
	return &sessions{m: make(map[string]*session)}
}

func (s *sessions) get(jid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[jid]; ok {
		return sess.id
	}
	return ""
}

// update records a completed exchange and adopts the worker's session id.
func (s *sessions) update(jid, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := time.Now().Format("2006-01-02")
	sess, ok := s.m[jid]
	if !ok || sess.day != today {
		sess = &session{startedAt: time.Now(), day: today}
		s.m[jid] = sess
	}
	sess.messagesToday++
	if sessionID != "" {
		sess.id = sessionID
	}
}

func (s *sessions) clear(jid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, jid)
}

// Describe implements command.SessionDescriber for /session.
func (s *sessions) Describe(jid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[jid]
	if !ok {
		return "", false
	}
	light := "🟢"
	switch {
	case sess.messagesToday > 100:
		light = "🔴"
	case sess.messagesToday > 50:
		light = "🟡"
	}
	age := time.Since(sess.startedAt).Round(time.Minute)
	return fmt.Sprintf("Session age %s, %d messages today %s", age, sess.messagesToday, light), true
}

type dispatcherDeps struct {
	Classifier *router.Classifier
	Commands   *command.Dispatcher
	Outbound   *router.Outbound
	Queue      *queue.Queue
	Spawn      func(ctx context.Context, req agent.Request, hooks agent.Hooks) (agent.ContainerOutput, error)
	Heartbeat  *heartbeat.Heartbeat
	// Restart asks the process to exit cleanly; the supervisor brings it
	// back up.
	Restart func()
	Logger  *slog.Logger
}

// dispatcher is the inbound message pump: classify, short-circuit inline
// commands, and queue worker runs. Channel adapters call HandleMessage
// with the group their chat is registered to.
type dispatcher struct {
	deps     dispatcherDeps
	sessions *sessions
	logger   *slog.Logger
}

func newDispatcher(deps dispatcherDeps) *dispatcher {
	return &dispatcher{
		deps:     deps,
		sessions: newSessions(),
		logger:   logging.Default(deps.Logger).With("component", "dispatch"),
	}
}

// Sessions exposes the session tracker for the /session command.
func (d *dispatcher) Sessions() *sessions { return d.sessions }

// HandleMessage admits one inbound message. Admission is non-blocking:
// worker runs go through the queue, and a full backlog becomes a polite
// reply instead of an error.
func (d *dispatcher) HandleMessage(ctx context.Context, group config.Group, msg channel.Message) {
	if msg.IsFromMe {
		return
	}
	if d.deps.Heartbeat != nil {
		d.deps.Heartbeat.RecordActivity()
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	cls := d.deps.Classifier.Classify(content)

	// Trigger gating applies to worker-bound text only; commands always
	// pass so /help works in untriggered groups.
	if cls.Tier != router.TierInline && group.RequiresTrigger {
		prefix := group.TriggerPrefix
		if prefix == "" || !strings.HasPrefix(strings.ToLower(content), strings.ToLower(prefix)) {
			return
		}
		content = strings.TrimSpace(content[len(prefix):])
		if content == "" {
			return
		}
	}

	switch cls.Tier {
	case router.TierInline:
		d.handleInline(ctx, group, msg, content)
	default:
		// Oracle routing falls through to the worker path when no oracle
		// backend is wired; the router never fails closed here.
		d.handleWorker(ctx, group, msg, content)
	}
}

func (d *dispatcher) handleInline(ctx context.Context, group config.Group, msg channel.Message, content string) {
	action := d.deps.Commands.HandleText(ctx, content, command.Request{
		ChatJID:     msg.ChatJID,
		GroupFolder: group.Folder,
		IsMain:      group.IsMain(),
		Sender:      msg.Sender,
		SenderName:  msg.SenderName,
	})

	switch action.Kind {
	case command.KindClearSession:
		d.sessions.clear(msg.ChatJID)
	case command.KindKillWorkers:
		for _, key := range d.deps.Queue.ActiveKeys() {
			d.deps.Queue.CloseStdin(key)
		}
	case command.KindRestart:
		if d.deps.Restart != nil {
			defer d.deps.Restart()
		}
	case command.KindSendPhoto:
		d.send(ctx, msg.ChatJID, channel.Photo(action.FilePath, action.Caption))
		return
	case command.KindSendDocument:
		d.send(ctx, msg.ChatJID, channel.Document(action.FilePath, action.Caption, action.FileName))
		return
	}
	if action.Reply != "" {
		if err := d.deps.Outbound.SendText(ctx, msg.ChatJID, action.Reply); err != nil {
			d.logger.Warn("command reply undelivered", "jid", msg.ChatJID, "error", err)
		}
	}
}

func (d *dispatcher) send(ctx context.Context, jid string, p channel.Payload) {
	if err := d.deps.Outbound.SendPayload(ctx, jid, p); err != nil {
		d.logger.Warn("payload undelivered", "jid", jid, "error", err)
	}
}

func (d *dispatcher) handleWorker(ctx context.Context, group config.Group, msg channel.Message, content string) {
	jid := msg.ChatJID
	err := d.deps.Queue.Enqueue(jid, "", func(runCtx context.Context, rc *queue.RunControl) error {
		d.deps.Outbound.SetTyping(runCtx, jid, true)
		defer d.deps.Outbound.SetTyping(runCtx, jid, false)

		var streamed bool
		out, err := d.deps.Spawn(runCtx, agent.Request{
			Prompt:    content,
			SessionID: d.sessions.get(jid),
			Group:     group,
			ChatJID:   jid,
		}, agent.Hooks{
			OnProcess: func(h *agent.Handle) { rc.SetCloser(h.CloseStdin) },
			OnOutput: func(ev agent.ContainerOutput) {
				rc.Touch()
				if ev.Status == agent.StatusResult && ev.Result != "" {
					streamed = true
					if serr := d.deps.Outbound.SendText(runCtx, jid, ev.Result); serr != nil {
						d.logger.Warn("streamed result undelivered", "jid", jid, "error", serr)
					}
				}
			},
		})
		if err != nil {
			return err
		}

		d.sessions.update(jid, out.SessionID)
		switch {
		case out.Error != "":
			return d.deps.Outbound.SendText(runCtx, jid, "⚠️ "+out.Error)
		case out.Result != "" && !streamed:
			// Streamed results already reached the chat; only a final
			// result that never streamed needs delivery.
			return d.deps.Outbound.SendText(runCtx, jid, out.Result)
		}
		return nil
	})
	if errors.Is(err, queue.ErrQueueFull) {
		d.deps.Outbound.SendQueueFull(ctx, jid)
		return
	}
	if err != nil {
		d.logger.Warn("enqueue failed", "jid", jid, "error", err)
	}
}
