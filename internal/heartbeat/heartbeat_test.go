package heartbeat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shepherd/internal/agent"
	"shepherd/internal/config"
	"shepherd/internal/errlog"
	"shepherd/internal/logging"
	"shepherd/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type fixture struct {
	h      *Heartbeat
	store  *store.Store
	sender *recordingSender
	spawns *atomic.Int32

	mu      sync.Mutex
	prompts []string
}

func (f *fixture) seenPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func newFixture(t *testing.T, out agent.ContainerOutput, spawnErr error) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "shepherd.db"), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	groups, err := config.LoadGroups(filepath.Join(dir, "groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := groups.Add(config.Group{Name: "Main", Folder: config.MainGroupFolder}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.MainChatJID = "120@g.us"
	cfg.ShowOk = true

	f := &fixture{store: st, sender: &recordingSender{}, spawns: new(atomic.Int32)}
	f.h = New(cfg, Deps{
		Store:  st,
		Groups: groups,
		Sender: f.sender,
		Errors: errlog.New(20),
		Logger: logging.Discard(),
		Spawn: func(ctx context.Context, req agent.Request, hooks agent.Hooks) (agent.ContainerOutput, error) {
			f.spawns.Add(1)
			f.mu.Lock()
			f.prompts = append(f.prompts, req.Prompt)
			f.mu.Unlock()
			return out, spawnErr
		},
	})
	return f
}

func addJob(t *testing.T, st *store.Store, j store.HeartbeatJob) *store.HeartbeatJob {
	t.Helper()
	if j.Label == "" {
		j.Label = "disk check"
	}
	if j.Prompt == "" {
		j.Prompt = "check disk space"
	}
	if err := st.CreateHeartbeatJob(&j); err != nil {
		t.Fatal(err)
	}
	return &j
}

func TestPatchConfig_ClampsInvalidValues(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)
	before := f.h.Config()

	badInterval := int64(5_000)
	badSilence := int64(-1)
	badEscalate := 0
	badCooldown := int64(-100)
	badAck := 10
	got := f.h.PatchConfig(ConfigPatch{
		IntervalMs:            &badInterval,
		SilenceThresholdMs:    &badSilence,
		EscalateAfterErrors:   &badEscalate,
		AlertRepeatCooldownMs: &badCooldown,
		AckMaxChars:           &badAck,
	})

	if got.IntervalMs != before.IntervalMs {
		t.Errorf("IntervalMs = %d, want previous %d", got.IntervalMs, before.IntervalMs)
	}
	if got.SilenceThresholdMs != before.SilenceThresholdMs {
		t.Errorf("SilenceThresholdMs = %d, want previous %d", got.SilenceThresholdMs, before.SilenceThresholdMs)
	}
	if got.EscalateAfterErrors != before.EscalateAfterErrors {
		t.Errorf("EscalateAfterErrors = %d, want previous %d", got.EscalateAfterErrors, before.EscalateAfterErrors)
	}
	if got.AlertRepeatCooldownMs != before.AlertRepeatCooldownMs {
		t.Errorf("AlertRepeatCooldownMs = %d, want previous %d", got.AlertRepeatCooldownMs, before.AlertRepeatCooldownMs)
	}
	if got.AckMaxChars != before.AckMaxChars {
		t.Errorf("AckMaxChars = %d, want previous %d", got.AckMaxChars, before.AckMaxChars)
	}
}

func TestPatchConfig_AppliesValidValues(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	iv := int64(120_000)
	ack := 500
	muted := true
	got := f.h.PatchConfig(ConfigPatch{IntervalMs: &iv, AckMaxChars: &ack, DeliveryMuted: &muted})

	if got.IntervalMs != 120_000 || got.AckMaxChars != 500 || !got.DeliveryMuted {
		t.Errorf("config = %+v", got)
	}
}

func TestPatchConfig_ObserversAreErrorIsolated(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	var seen atomic.Int32
	f.h.RegisterObserver(func(RuntimeConfig) { panic("boom") })
	f.h.RegisterObserver(func(RuntimeConfig) { seen.Add(1) })

	v := false
	f.h.PatchConfig(ConfigPatch{Enabled: &v})

	if seen.Load() != 1 {
		t.Errorf("second observer ran %d times, want 1", seen.Load())
	}
	if f.h.Config().Enabled {
		t.Error("patch did not apply despite panicking observer")
	}
}

func TestTick_RunsDueJobAndDeliversOk(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "all good"}, nil)
	job := addJob(t, f.store, store.HeartbeatJob{})

	f.h.Tick(context.Background(), false)

	// Baseline check plus the job itself.
	if f.spawns.Load() != 2 {
		t.Fatalf("spawns = %d, want 2", f.spawns.Load())
	}
	msgs := f.sender.sent()
	if len(msgs) != 2 || !strings.Contains(msgs[1], "disk check") || !strings.Contains(msgs[1], "all good") {
		t.Errorf("messages = %v", msgs)
	}
	updated, err := f.store.GetHeartbeatJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastRun == nil || updated.LastResult != "all good" {
		t.Errorf("job = %+v", updated)
	}
	runs, err := f.store.HeartbeatRunLogs(job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !runs[0].Success {
		t.Errorf("runs = %+v", runs)
	}
}

func TestTick_SkipsJobsNotYetDue(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "ok"}, nil)
	recent := time.Now().Add(-time.Minute)
	addJob(t, f.store, store.HeartbeatJob{IntervalMs: 60 * 60_000, LastRun: &recent})

	f.h.Tick(context.Background(), false)

	// Only the baseline check ran, not the job.
	if got := f.seenPrompts(); len(got) != 1 || got[0] != DefaultConfig().HeartbeatPrompt {
		t.Errorf("prompts = %v, want baseline check only", got)
	}
}

func TestTick_SkipsPausedJobs(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "ok"}, nil)
	addJob(t, f.store, store.HeartbeatJob{Status: store.HBStatusPaused})

	f.h.Tick(context.Background(), false)

	// Only the baseline check ran, not the paused job.
	if got := f.seenPrompts(); len(got) != 1 || got[0] != DefaultConfig().HeartbeatPrompt {
		t.Errorf("prompts = %v, want baseline check only", got)
	}
}

func TestTick_UsesConfiguredHealthCheckPrompt(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: "nominal"}, nil)

	f.h.Tick(context.Background(), false)
	if got := f.seenPrompts(); len(got) != 1 || got[0] != DefaultConfig().HeartbeatPrompt {
		t.Fatalf("prompts = %v", got)
	}

	custom := "Check the backup volume and report free space."
	f.h.PatchConfig(ConfigPatch{HeartbeatPrompt: &custom})
	f.h.Tick(context.Background(), false)
	if got := f.seenPrompts(); len(got) != 2 || got[1] != custom {
		t.Errorf("prompts = %v, want patched prompt on second tick", got)
	}

	msgs := f.sender.sent()
	if len(msgs) != 2 || !strings.Contains(msgs[0], "nominal") {
		t.Errorf("messages = %v", msgs)
	}
}

func TestTick_TruncatesAckToConfiguredLength(t *testing.T) {
	long := strings.Repeat("x", 600)
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone, Result: long}, nil)
	addJob(t, f.store, store.HeartbeatJob{})

	ack := 50
	f.h.PatchConfig(ConfigPatch{AckMaxChars: &ack})
	f.h.Tick(context.Background(), false)

	msgs := f.sender.sent()
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	for _, msg := range msgs {
		if strings.Count(msg, "x") != 50 {
			t.Errorf("ack not truncated: %d chars of payload in %q", strings.Count(msg, "x"), msg)
		}
	}
}

func TestTick_FailureEscalatesFrequencyUntilSuccess(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, errors.New("docker down"))
	addJob(t, f.store, store.HeartbeatJob{})

	escalate := 2
	f.h.PatchConfig(ConfigPatch{EscalateAfterErrors: &escalate})
	base := time.Duration(f.h.Config().IntervalMs) * time.Millisecond

	for i := 0; i < 3; i++ {
		f.h.Tick(context.Background(), true)
	}
	if got := f.h.effectiveInterval(); got != base/2 {
		t.Errorf("escalated interval = %s, want %s", got, base/2)
	}

	// Next success resets the streak and the interval.
	f.h.spawn = func(context.Context, agent.Request, agent.Hooks) (agent.ContainerOutput, error) {
		return agent.ContainerOutput{Status: agent.StatusDone, Result: "recovered"}, nil
	}
	f.h.Tick(context.Background(), true)
	if got := f.h.effectiveInterval(); got != base {
		t.Errorf("interval after success = %s, want %s", got, base)
	}
}

func TestDeliver_SuppressesDuplicateAlertsWithinCooldown(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	f.h.deliver(context.Background(), "⚠️ disk full", true)
	f.h.deliver(context.Background(), "⚠️ disk full", true)
	f.h.deliver(context.Background(), "⚠️ something else", true)

	msgs := f.sender.sent()
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want duplicate suppressed", msgs)
	}
}

func TestDeliver_HonorsGates(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	noAlerts := false
	f.h.PatchConfig(ConfigPatch{ShowAlerts: &noAlerts})
	f.h.deliver(context.Background(), "⚠️ alert", true)

	noOk := false
	f.h.PatchConfig(ConfigPatch{ShowOk: &noOk})
	f.h.deliver(context.Background(), "✅ fine", false)

	muted := true
	yesOk := true
	yesAlerts := true
	f.h.PatchConfig(ConfigPatch{DeliveryMuted: &muted, ShowOk: &yesOk, ShowAlerts: &yesAlerts})
	f.h.deliver(context.Background(), "⚠️ muted alert", true)

	if msgs := f.sender.sent(); len(msgs) != 0 {
		t.Errorf("messages = %v, want none", msgs)
	}
}

func TestTick_SilenceAlert(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	f.h.mu.Lock()
	f.h.lastActivity = time.Now().Add(-3 * time.Hour)
	f.h.mu.Unlock()

	f.h.Tick(context.Background(), false)

	msgs := f.sender.sent()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "No activity") {
		t.Errorf("messages = %v", msgs)
	}
}

func TestPing_RequiresRegistration(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone}, nil)

	empty := DefaultConfig()
	unregistered := New(empty, Deps{Store: f.store, Logger: logging.Discard()})
	if err := unregistered.Ping(context.Background()); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}

	if err := f.h.Ping(context.Background()); err != nil {
		t.Errorf("registered ping: %v", err)
	}
}

func TestHandleCommand_MutationsRequireMain(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	if got := f.h.HandleCommand("off", false); got != "Only main group" {
		t.Errorf("off outside main = %q", got)
	}
	if got := f.h.HandleCommand("status", false); !strings.Contains(got, "Heartbeat on") {
		t.Errorf("status outside main = %q", got)
	}
	if got := f.h.HandleCommand("off", true); !strings.Contains(got, "off") {
		t.Errorf("off in main = %q", got)
	}
	if f.h.Config().Enabled {
		t.Error("off did not disable heartbeat")
	}
}

func TestHandleCommand_Interval(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{}, nil)

	if got := f.h.HandleCommand("interval 15", true); !strings.Contains(got, "15m") {
		t.Errorf("reply = %q", got)
	}
	if f.h.Config().IntervalMs != 15*60_000 {
		t.Errorf("IntervalMs = %d", f.h.Config().IntervalMs)
	}
	if got := f.h.HandleCommand("interval 0", true); !strings.Contains(got, "at least 1 minute") {
		t.Errorf("reply = %q", got)
	}
	if got := f.h.HandleCommand("interval abc", true); !strings.Contains(got, "at least 1 minute") {
		t.Errorf("reply = %q", got)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, agent.ContainerOutput{Status: agent.StatusDone}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.h.Start(ctx)
	f.h.Stop()
	// Stop on a stopped loop is a no-op.
	f.h.Stop()
}
