package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shepherd/internal/config"
	"shepherd/internal/ipc"
)

// fakeStream is a scripted worker connection. The test writes NDJSON to
// the stdout side; prompt writes are captured.
type fakeStream struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	prompt bytes.Buffer

	closeOnce  sync.Once
	stdinClose chan struct{}
}

func newFakeStream() *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{stdoutR: r, stdoutW: w, stdinClose: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.stdoutR.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt.Write(p)
}

func (s *fakeStream) CloseWrite() error {
	s.closeOnce.Do(func() { close(s.stdinClose) })
	return nil
}

func (s *fakeStream) Close() error {
	return s.stdoutR.Close()
}

func (s *fakeStream) promptText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt.String()
}

// emit writes one NDJSON event to the worker's stdout.
func (s *fakeStream) emit(t *testing.T, ev map[string]any) {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := s.stdoutW.Write(append(raw, '\n')); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

// exitWorker closes stdout and reports the exit code.
func (s *fakeStream) exitWorker(eng *fakeEngine, code int64) {
	_ = s.stdoutW.Close()
	eng.exit <- code
}

type fakeEngine struct {
	stream  *fakeStream
	exit    chan int64
	waitErr chan error

	created atomic.Bool
	kills   atomic.Int32
	removes atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		stream:  newFakeStream(),
		exit:    make(chan int64, 1),
		waitErr: make(chan error, 1),
	}
}

func (e *fakeEngine) Create(context.Context, containerSpec) (string, error) {
	e.created.Store(true)
	return "c-test", nil
}
func (e *fakeEngine) Attach(context.Context, string) (attachStream, error) { return e.stream, nil }
func (e *fakeEngine) Start(context.Context, string) error                  { return nil }
func (e *fakeEngine) Wait(context.Context, string) (<-chan int64, <-chan error) {
	return e.exit, e.waitErr
}
func (e *fakeEngine) Kill(context.Context, string, string) error {
	e.kills.Add(1)
	return nil
}
func (e *fakeEngine) Remove(context.Context, string) error {
	e.removes.Add(1)
	return nil
}
func (e *fakeEngine) Ping(context.Context) (string, error) { return "fake", nil }

var testSecret = ipc.Secret([]byte("0123456789abcdef0123456789abcdef"))

func newTestRuntime(eng *fakeEngine) *Runtime {
	return newWithEngine(eng, Config{
		Image:       "shepherd-agent:test",
		GroupsDir:   "/tmp/groups",
		Secret:      testSecret,
		HardTimeout: 5 * time.Second,
		IdleTimeout: 5 * time.Second,
		KillGrace:   50 * time.Millisecond,
	})
}

func testGroup() config.Group {
	return config.Group{Name: "Test", Folder: "test"}
}

func TestSpawn_StreamsResultsAndReturnsFinal(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	var mu sync.Mutex
	var seen []ContainerOutput
	done := make(chan ContainerOutput, 1)

	go func() {
		out, err := rt.Spawn(context.Background(), Request{
			Prompt:  "hello worker",
			Group:   testGroup(),
			ChatJID: "123@g.us",
		}, Hooks{
			OnOutput: func(ev ContainerOutput) {
				mu.Lock()
				seen = append(seen, ev)
				mu.Unlock()
			},
		})
		if err != nil {
			t.Errorf("Spawn: %v", err)
		}
		done <- out
	}()

	s := eng.stream
	s.emit(t, map[string]any{"status": "progress"})
	s.emit(t, map[string]any{"status": "result", "result": "partial one"})
	s.emit(t, map[string]any{"status": "result", "result": "partial two"})
	s.emit(t, map[string]any{"status": "done", "result": "final answer", "sessionId": "sess-9"})
	s.exitWorker(eng, 0)

	out := <-done
	if out.Status != StatusDone || out.Result != "final answer" || out.SessionID != "sess-9" {
		t.Errorf("final = %+v", out)
	}
	if !strings.Contains(s.promptText(), "hello worker") {
		t.Errorf("prompt not written: %q", s.promptText())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("saw %d events, want 4", len(seen))
	}
	if seen[1].Result != "partial one" || seen[2].Result != "partial two" {
		t.Errorf("stream order wrong: %+v", seen)
	}
	if eng.removes.Load() != 1 {
		t.Errorf("container not removed")
	}
}

func TestSpawn_NonZeroExitWithNoError(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	done := make(chan ContainerOutput, 1)
	go func() {
		out, err := rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup()}, Hooks{})
		if err != nil {
			t.Errorf("Spawn: %v", err)
		}
		done <- out
	}()

	eng.stream.exitWorker(eng, 3)

	out := <-done
	if out.Status != StatusError {
		t.Fatalf("status = %s, want error", out.Status)
	}
	if out.Error != "worker exited with status 3" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestSpawn_CleanExitNoResultIsEmpty(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	done := make(chan ContainerOutput, 1)
	go func() {
		out, _ := rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup()}, Hooks{})
		done <- out
	}()

	eng.stream.exitWorker(eng, 0)

	out := <-done
	if out.Status != StatusDone || out.Result != "" || out.Error != "" {
		t.Errorf("final = %+v, want empty done", out)
	}
}

func TestSpawn_HardTimeout(t *testing.T) {
	eng := newFakeEngine()
	rt := newWithEngine(eng, Config{
		Image:       "img",
		GroupsDir:   "/tmp/groups",
		Secret:      testSecret,
		HardTimeout: 30 * time.Millisecond,
		IdleTimeout: 5 * time.Second,
		KillGrace:   time.Second,
	})

	// Worker ignores everything until stdin closes, then exits 0 with
	// no output.
	go func() {
		<-eng.stream.stdinClose
		eng.stream.exitWorker(eng, 0)
	}()

	out, err := rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup()}, Hooks{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if out.Status != StatusError {
		t.Fatalf("status = %s, want error", out.Status)
	}
	if out.Error != "Hard timeout after 30ms" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestSpawn_IdleTimeoutAfterFirstResult(t *testing.T) {
	eng := newFakeEngine()
	rt := newWithEngine(eng, Config{
		Image:       "img",
		GroupsDir:   "/tmp/groups",
		Secret:      testSecret,
		HardTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Millisecond,
		KillGrace:   time.Second,
	})

	go func() {
		<-eng.stream.stdinClose
		eng.stream.exitWorker(eng, 0)
	}()

	done := make(chan ContainerOutput, 1)
	go func() {
		out, _ := rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup()}, Hooks{})
		done <- out
	}()

	eng.stream.emit(t, map[string]any{"status": "result", "result": "first"})

	select {
	case out := <-done:
		// Idle close after the result, clean exit.
		if out.Status != StatusDone {
			t.Errorf("final = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never closed stdin")
	}
}

func TestSpawn_MountDeniedRefusesSpawn(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	group := testGroup()
	group.Container.AdditionalMounts = []string{"/etc:/mnt/etc"}

	// No allowlist source: every additional mount is refused.
	_, err := rt.Spawn(context.Background(), Request{Prompt: "p", Group: group}, Hooks{})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("got %v, want ErrSpawn", err)
	}
	if !errors.Is(err, config.ErrMountDenied) {
		t.Fatalf("got %v, want ErrMountDenied", err)
	}
	if eng.created.Load() {
		t.Error("container created despite denied mount")
	}
}

func TestSpawn_VerifiesSignedEvents(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	var mu sync.Mutex
	var seen []ContainerOutput
	done := make(chan ContainerOutput, 1)
	go func() {
		out, _ := rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup()}, Hooks{
			OnOutput: func(ev ContainerOutput) {
				mu.Lock()
				seen = append(seen, ev)
				mu.Unlock()
			},
		})
		done <- out
	}()

	signed, err := ipc.Sign(map[string]any{"status": "result", "result": "signed ok"}, testSecret)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	eng.stream.emit(t, signed)

	// Tampered copy: signature no longer matches.
	tampered := map[string]any{}
	for k, v := range signed {
		tampered[k] = v
	}
	tampered["result"] = "forged"
	eng.stream.emit(t, tampered)

	eng.stream.emit(t, map[string]any{"status": "done"})
	eng.stream.exitWorker(eng, 0)
	<-done

	mu.Lock()
	defer mu.Unlock()
	var results []string
	for _, ev := range seen {
		if ev.Status == StatusResult {
			results = append(results, ev.Result)
		}
	}
	if len(results) != 1 || results[0] != "signed ok" {
		t.Errorf("results = %v, want only the signed one", results)
	}
}

func TestParseMount(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		target  string
		ro      bool
		wantErr bool
	}{
		{in: "/data:/mnt", host: "/data", target: "/mnt"},
		{in: "/data:/mnt:ro", host: "/data", target: "/mnt", ro: true},
		{in: "/data:/mnt:rw", host: "/data", target: "/mnt"},
		{in: "/data:/mnt:zz", wantErr: true},
		{in: "/data", wantErr: true},
	}
	for _, tt := range tests {
		host, target, ro, err := parseMount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMount(%q): want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMount(%q): %v", tt.in, err)
			continue
		}
		if host != tt.host || target != tt.target || ro != tt.ro {
			t.Errorf("parseMount(%q) = %q %q %v", tt.in, host, target, ro)
		}
	}
}

func TestActiveTracking(t *testing.T) {
	eng := newFakeEngine()
	rt := newTestRuntime(eng)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = rt.Spawn(context.Background(), Request{Prompt: "p", Group: testGroup(), ChatJID: "j"}, Hooks{
			OnProcess: func(*Handle) { close(started) },
		})
		close(done)
	}()

	<-started
	if rt.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", rt.ActiveCount())
	}
	infos := rt.Active()
	if len(infos) != 1 || infos[0].Group != "test" {
		t.Errorf("Active = %+v", infos)
	}

	eng.stream.exitWorker(eng, 0)
	<-done
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount after exit = %d, want 0", rt.ActiveCount())
	}
}
