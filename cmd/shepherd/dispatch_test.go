package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shepherd/internal/agent"
	"shepherd/internal/channel"
	"shepherd/internal/command"
	"shepherd/internal/config"
	"shepherd/internal/logging"
	"shepherd/internal/queue"
	"shepherd/internal/router"
)

type fixedLimit int

func (f fixedLimit) Update() int { return int(f) }

type fixture struct {
	d      *dispatcher
	ch     *channel.Memory
	q      *queue.Queue
	spawns *atomic.Int32
	prompt *atomic.Value
}

func newFixture(t *testing.T, out agent.ContainerOutput, limit int, maxDepth int) *fixture {
	t.Helper()
	ch := channel.NewMemory("telegram", "@tg")
	outbound := router.NewOutbound([]channel.Channel{ch}, 100, 10, "", logging.Discard())

	q := queue.New(queue.Config{
		MaxDepth: maxDepth,
		Limits:   fixedLimit(limit),
		Logger:   logging.Discard(),
	})
	t.Cleanup(q.Stop)

	spawns := new(atomic.Int32)
	prompt := new(atomic.Value)
	d := newDispatcher(dispatcherDeps{
		Classifier: router.NewClassifier(),
		Commands:   command.New(command.Deps{}, logging.Discard()),
		Outbound:   outbound,
		Queue:      q,
		Logger:     logging.Discard(),
		Spawn: func(ctx context.Context, req agent.Request, hooks agent.Hooks) (agent.ContainerOutput, error) {
			spawns.Add(1)
			prompt.Store(req.Prompt)
			return out, nil
		},
	})
	return &fixture{d: d, ch: ch, q: q, spawns: spawns, prompt: prompt}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func msg(text string) channel.Message {
	return channel.Message{ID: "m1", ChatJID: "42@tg", Sender: "u1", Content: text}
}

func TestHandleMessage_WorkerPathDeliversResult(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "the answer", SessionID: "sess-1"}, 2, 5)

	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, msg("what is the answer"))

	waitFor(t, func() bool { return len(f.ch.Sent()) == 1 })
	if got := f.ch.Sent()[0].Payload.Text; got != "the answer" {
		t.Errorf("reply = %q", got)
	}
	if f.d.sessions.get("42@tg") != "sess-1" {
		t.Errorf("session id not adopted")
	}
}

func TestHandleMessage_InlineCommandSkipsWorker(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone}, 2, 5)

	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, msg("/ping"))

	waitFor(t, func() bool { return len(f.ch.Sent()) == 1 })
	if !strings.Contains(f.ch.Sent()[0].Payload.Text, "pong") {
		t.Errorf("reply = %q", f.ch.Sent()[0].Payload.Text)
	}
	if f.spawns.Load() != 0 {
		t.Errorf("spawns = %d, want 0", f.spawns.Load())
	}
}

func TestHandleMessage_UnknownCommandNeverSpawns(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone}, 2, 5)

	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, msg("/not_exists"))

	waitFor(t, func() bool { return len(f.ch.Sent()) == 1 })
	if !strings.Contains(f.ch.Sent()[0].Payload.Text, "/help") {
		t.Errorf("reply = %q", f.ch.Sent()[0].Payload.Text)
	}
	if f.spawns.Load() != 0 {
		t.Errorf("spawns = %d, want 0", f.spawns.Load())
	}
}

func TestHandleMessage_QueueFullReply(t *testing.T) {
	// Limit 0 never dispatches, so depth 1 fills on the first enqueue.
	f := newFixture(t, agent.ContainerOutput{}, 0, 1)

	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, msg("first"))
	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, msg("second"))

	waitFor(t, func() bool { return len(f.ch.Sent()) == 1 })
	if !strings.Contains(f.ch.Sent()[0].Payload.Text, "queue is full") {
		t.Errorf("reply = %q", f.ch.Sent()[0].Payload.Text)
	}
}

func TestHandleMessage_TriggerGating(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "ok"}, 2, 5)
	group := config.Group{Folder: "family", RequiresTrigger: true, TriggerPrefix: "@bot"}

	f.d.HandleMessage(context.Background(), group, msg("no trigger here"))
	if f.spawns.Load() != 0 {
		t.Fatalf("untriggered message spawned a worker")
	}

	f.d.HandleMessage(context.Background(), group, msg("@bot do the thing"))
	waitFor(t, func() bool { return f.spawns.Load() == 1 })
	if got := f.prompt.Load().(string); got != "do the thing" {
		t.Errorf("prompt = %q, want trigger stripped", got)
	}

	// Commands bypass the trigger.
	f.d.HandleMessage(context.Background(), group, msg("/ping"))
	waitFor(t, func() bool { return len(f.ch.Sent()) >= 2 })
}

func TestHandleMessage_IgnoresOwnMessages(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "ok"}, 2, 5)

	m := msg("hello")
	m.IsFromMe = true
	f.d.HandleMessage(context.Background(), config.Group{Folder: "family"}, m)

	time.Sleep(20 * time.Millisecond)
	if f.spawns.Load() != 0 || len(f.ch.Sent()) != 0 {
		t.Errorf("own message was processed")
	}
}

func TestSessions_DescribeAndClear(t *testing.T) {
	s := newSessions()
	if _, ok := s.Describe("42@tg"); ok {
		t.Fatal("empty tracker described a session")
	}

	s.update("42@tg", "sess-1")
	desc, ok := s.Describe("42@tg")
	if !ok || !strings.Contains(desc, "1 messages today") || !strings.Contains(desc, "🟢") {
		t.Errorf("desc = %q ok=%v", desc, ok)
	}

	s.clear("42@tg")
	if s.get("42@tg") != "" {
		t.Error("clear did not drop the session")
	}
}
