package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/shanemcd/llamachat/pkg/control"
	"github.com/shanemcd/llamachat/pkg/generator"
	"github.com/shanemcd/llamachat/pkg/metrics"
	"github.com/shanemcd/llamachat/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted streams fixed chunks and then ends with final. If block is set it
// waits for cancellation after the chunks instead.
type scripted struct {
	chunks []string
	final  error
	block  bool

	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func (g *scripted) Stream(ctx context.Context, p string) (<-chan generator.Event, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	g.mu.Unlock()

	ch := make(chan generator.Event)
	go func() {
		defer close(ch)
		for _, c := range g.chunks {
			select {
			case ch <- generator.Event{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		err := g.final
		if g.block {
			<-ctx.Done()
			err = ctx.Err()
		}
		select {
		case ch <- generator.Event{Done: true, Status: generator.StatusOf(err), Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *scripted) Name() string { return "scripted" }

func newStore(t *testing.T) (*session.Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "history")
	b, err := session.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return session.NewStore(b), dir
}

func seed(t *testing.T, store *session.Store, id string, turns ...session.Turn) {
	t.Helper()
	err := store.WithLock(context.Background(), id, func(s *session.Session) (*session.Session, error) {
		s.History = append(s.History, turns...)
		return s, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func history(t *testing.T, store *session.Store, id string) []session.Turn {
	t.Helper()
	s, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s.History
}

func TestTurn_PersistsCompletedTurn(t *testing.T) {
	store, dir := newStore(t)
	gen := &scripted{chunks: []string{"Hel", "lo!"}}
	svc := New(store, gen, DefaultConfig())

	var out strings.Builder
	res, err := svc.Turn(context.Background(), "s1", "Hi", &out)
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Status != generator.StatusDone || !res.Persisted {
		t.Fatalf("expected done and persisted, got %+v", res)
	}
	if out.String() != "Hello!" {
		t.Errorf("expected streamed %q, got %q", "Hello!", out.String())
	}
	if gen.prompts[0] != "### Human: Hi\n### Assistant:" {
		t.Errorf("unexpected prompt %q", gen.prompts[0])
	}

	sess, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.SystemPrompt != nil {
		t.Errorf("expected no system prompt, got %q", *sess.SystemPrompt)
	}
	want := []session.Turn{{User: "Hi", Assistant: "Hello!"}}
	if len(sess.History) != 1 || sess.History[0] != want[0] {
		t.Errorf("expected history %v, got %v", want, sess.History)
	}

	if _, err := os.Stat(filepath.Join(dir, "s1.json")); err != nil {
		t.Errorf("expected session file: %v", err)
	}
}

func TestTurn_UsesHistoryAndSystemPrompt(t *testing.T) {
	store, _ := newStore(t)
	sp := "Be brief."
	if err := store.SetSystemPrompt(context.Background(), "s1", &sp); err != nil {
		t.Fatalf("SetSystemPrompt: %v", err)
	}
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})

	gen := &scripted{chunks: []string{"Fine."}}
	svc := New(store, gen, DefaultConfig())

	var out strings.Builder
	if _, err := svc.Turn(context.Background(), "s1", "  How are you?  ", &out); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	want := "Be brief.\n### Human: Hi\n### Assistant: Hello!\n### Human: How are you?\n### Assistant:"
	if gen.prompts[0] != want {
		t.Errorf("expected prompt %q, got %q", want, gen.prompts[0])
	}
	h := history(t, store, "s1")
	if len(h) != 2 || h[1].User != "How are you?" || h[1].Assistant != "Fine." {
		t.Errorf("unexpected history %v", h)
	}
}

func TestTurn_AbortLeavesHistoryUntouched(t *testing.T) {
	tests := []struct {
		name    string
		gen     *scripted
		status  generator.Status
		trailer string
	}{
		{
			name:    "failed",
			gen:     &scripted{chunks: []string{"par"}, final: &generator.Error{Status: generator.StatusFailed, ExitCode: 1, Stderr: "model not found\n"}},
			status:  generator.StatusFailed,
			trailer: "par\n\n[ERROR] Model execution failed. Details:\nmodel not found\n",
		},
		{
			name:    "timeout",
			gen:     &scripted{chunks: []string{"par"}, final: &generator.Error{Status: generator.StatusTimeout, ExitCode: -1}},
			status:  generator.StatusTimeout,
			trailer: "par\n\n[ERROR] Generation timed out.\n",
		},
		{
			name:    "empty",
			gen:     &scripted{chunks: []string{"  ", "\n"}},
			status:  generator.StatusFailed,
			trailer: "  \n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, dir := newStore(t)
			seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
			before, err := os.ReadFile(filepath.Join(dir, "s1.json"))
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}

			svc := New(store, tt.gen, DefaultConfig())
			var out strings.Builder
			res, err := svc.Turn(context.Background(), "s1", "again", &out)
			if err != nil {
				t.Fatalf("Turn returned error: %v", err)
			}
			if res.Status != tt.status || res.Persisted {
				t.Errorf("expected %v and not persisted, got %+v", tt.status, res)
			}
			if out.String() != tt.trailer {
				t.Errorf("expected output %q, got %q", tt.trailer, out.String())
			}

			after, err := os.ReadFile(filepath.Join(dir, "s1.json"))
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(before) != string(after) {
				t.Errorf("session file changed:\nbefore %s\nafter  %s", before, after)
			}
		})
	}
}

func TestTurn_EmptyResponse(t *testing.T) {
	store, _ := newStore(t)
	svc := New(store, &scripted{chunks: []string{" "}}, DefaultConfig())

	res, err := svc.Turn(context.Background(), "s1", "Hi", &strings.Builder{})
	if err != nil {
		t.Fatalf("Turn returned error: %v", err)
	}
	if !errors.Is(res.Err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", res.Err)
	}
	exists, err := store.Exists(context.Background(), "s1")
	if err != nil || exists {
		t.Errorf("expected no session to be created, exists=%v err=%v", exists, err)
	}
}

type cancelOnWrite struct {
	strings.Builder
	cancel context.CancelFunc
}

func (w *cancelOnWrite) Write(p []byte) (int, error) {
	w.cancel()
	return w.Builder.Write(p)
}

func TestTurn_CallerCancellation(t *testing.T) {
	store, _ := newStore(t)
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
	gen := &scripted{chunks: []string{"first"}, block: true}
	state := control.NewState()
	state.SetReady()
	svc := New(store, gen, DefaultConfig(), WithState(state), WithMetrics(metrics.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelOnWrite{cancel: cancel}

	res, err := svc.Turn(ctx, "s1", "again", w)
	if err != nil {
		t.Fatalf("Turn returned error: %v", err)
	}
	if res.Status != generator.StatusCancelled || res.Persisted {
		t.Errorf("expected cancelled and not persisted, got %+v", res)
	}
	if w.String() != "first" {
		t.Errorf("expected only the streamed chunk, got %q", w.String())
	}
	if h := history(t, store, "s1"); len(h) != 1 {
		t.Errorf("expected history unchanged, got %v", h)
	}
	if state.ActiveGenerations() != 0 || state.Phase() != control.PhaseReady {
		t.Errorf("expected idle state, got %+v", state.Snapshot())
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestTurn_WriteErrorCancelsGeneration(t *testing.T) {
	store, _ := newStore(t)
	gen := &scripted{chunks: []string{"a", "b"}, block: true}
	svc := New(store, gen, DefaultConfig())

	res, err := svc.Turn(context.Background(), "s1", "Hi", brokenWriter{})
	if err != nil {
		t.Fatalf("Turn returned error: %v", err)
	}
	if res.Status != generator.StatusCancelled {
		t.Errorf("expected cancelled, got %v", res.Status)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "broken pipe") {
		t.Errorf("expected write error, got %v", res.Err)
	}
	if len(history(t, store, "s1")) != 0 {
		t.Error("expected nothing persisted")
	}
}

func TestTurn_LockWaitCancelled(t *testing.T) {
	store, _ := newStore(t)
	gen := &scripted{chunks: []string{"x"}}
	svc := New(store, gen, DefaultConfig())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithLock(context.Background(), "s1", func(*session.Session) (*session.Session, error) {
			close(held)
			<-release
			return nil, session.ErrNoChange
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := svc.Turn(ctx, "s1", "Hi", &strings.Builder{})
	close(release)

	if err != nil {
		t.Fatalf("Turn returned error: %v", err)
	}
	if res.Status != generator.StatusCancelled {
		t.Errorf("expected cancelled, got %v", res.Status)
	}
	if gen.calls.Load() != 0 {
		t.Error("generator must not run without the lock")
	}
	if err := <-done; err != nil {
		t.Errorf("holder failed: %v", err)
	}
}

func TestTurn_ConcurrentSameSession(t *testing.T) {
	store, _ := newStore(t)
	svc := New(store, generator.NewEcho(0), Config{})

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("message %d", i)
			var out strings.Builder
			res, err := svc.Turn(context.Background(), "s1", msg, &out)
			if err != nil || res.Status != generator.StatusDone {
				t.Errorf("turn %d: %+v %v", i, res, err)
			}
			if out.String() != msg {
				t.Errorf("turn %d streamed %q", i, out.String())
			}
		}(i)
	}
	wg.Wait()

	h := history(t, store, "s1")
	if len(h) != n {
		t.Fatalf("expected %d turns, got %d", n, len(h))
	}
	seen := make(map[string]bool)
	for _, turn := range h {
		if turn.User != turn.Assistant {
			t.Errorf("interleaved turn %+v", turn)
		}
		seen[turn.User] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct turns, got %d", n, len(seen))
	}
}

func TestTurn_DistinctSessionsRunInParallel(t *testing.T) {
	store, _ := newStore(t)
	blocking := &scripted{block: true}
	svc := New(store, blocking, Config{})
	other := New(store, &scripted{chunks: []string{"ok"}}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Turn(ctx, "a", "wait", &strings.Builder{})
	}()

	deadline := time.After(2 * time.Second)
	for blocking.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("blocking turn never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	res, err := other.Turn(context.Background(), "b", "Hi", &strings.Builder{})
	if err != nil || res.Status != generator.StatusDone {
		t.Errorf("expected session b to complete while a is busy, got %+v %v", res, err)
	}
	cancel()
	<-done
}

func TestTurn_InvalidMessage(t *testing.T) {
	store, _ := newStore(t)
	gen := &scripted{}
	svc := New(store, gen, Config{MaxInputLength: 5})

	for _, msg := range []string{"", "   ", "toolong"} {
		_, err := svc.Turn(context.Background(), "s1", msg, &strings.Builder{})
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("%q: expected ErrInvalidMessage, got %v", msg, err)
		}
	}
	if gen.calls.Load() != 0 {
		t.Error("generator must not run for invalid input")
	}
}

func TestTurn_SessionCap(t *testing.T) {
	store, _ := newStore(t)
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
	svc := New(store, &scripted{chunks: []string{"ok"}}, Config{MaxSessions: 1})

	if _, err := svc.Turn(context.Background(), "s2", "Hi", &strings.Builder{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
	if _, err := svc.Turn(context.Background(), "s1", "Hi again", &strings.Builder{}); err != nil {
		t.Errorf("existing session must still work: %v", err)
	}
}

func TestTurn_StorageError(t *testing.T) {
	store, dir := newStore(t)
	if err := os.WriteFile(filepath.Join(dir, "s1.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	gen := &scripted{chunks: []string{"x"}}
	svc := New(store, gen, Config{})

	var out strings.Builder
	_, err := svc.Turn(context.Background(), "s1", "Hi", &out)
	if !errors.Is(err, session.ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
	if out.Len() != 0 || gen.calls.Load() != 0 {
		t.Errorf("expected no output and no generation, got %q", out.String())
	}
}

func TestDryRun(t *testing.T) {
	store, dir := newStore(t)
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
	before, _ := os.ReadFile(filepath.Join(dir, "s1.json"))

	gen := &scripted{}
	svc := New(store, gen, DefaultConfig())

	first, err := svc.DryRun(context.Background(), "s1", "Next")
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	second, err := svc.DryRun(context.Background(), "s1", "Next")
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if first != second {
		t.Errorf("dry run not deterministic: %q vs %q", first, second)
	}
	want := "### Human: Hi\n### Assistant: Hello!\n### Human: Next\n### Assistant:"
	if first != want {
		t.Errorf("expected %q, got %q", want, first)
	}
	if gen.calls.Load() != 0 {
		t.Error("dry run must not invoke the generator")
	}
	after, _ := os.ReadFile(filepath.Join(dir, "s1.json"))
	if string(before) != string(after) {
		t.Error("dry run must not persist")
	}

	if _, err := svc.DryRun(context.Background(), "unknown", "Hi"); err != nil {
		t.Errorf("dry run on unknown id: %v", err)
	}
	if exists, _ := store.Exists(context.Background(), "unknown"); exists {
		t.Error("dry run must not create a session")
	}
}

// spawnFails fails before producing a stream, like a missing executable.
type spawnFails struct{}

func (spawnFails) Stream(context.Context, string) (<-chan generator.Event, error) {
	return nil, &generator.Error{Status: generator.StatusFailed, ExitCode: -1, Err: errors.New("start llama-cli: no such file or directory")}
}

func (spawnFails) Name() string { return "spawn-fails" }

func TestTurn_SpawnFailureReportsError(t *testing.T) {
	store, _ := newStore(t)
	svc := New(store, spawnFails{}, DefaultConfig())

	var out strings.Builder
	res, err := svc.Turn(context.Background(), "s1", "Hi", &out)
	if err != nil {
		t.Fatalf("Turn returned error: %v", err)
	}
	if res.Status != generator.StatusFailed || res.Persisted {
		t.Errorf("expected failed and not persisted, got %+v", res)
	}
	want := "\n\n[ERROR] Model execution failed. Details:\ngeneration failed: start llama-cli: no such file or directory\n"
	if out.String() != want {
		t.Errorf("expected %q, got %q", want, out.String())
	}
}

// beforeStream runs hook each time a stream starts.
type beforeStream struct {
	generator.Generator
	hook func()
}

func (g beforeStream) Stream(ctx context.Context, p string) (<-chan generator.Event, error) {
	g.hook()
	return g.Generator.Stream(ctx, p)
}

func TestTurn_SaveFailureAfterStreaming(t *testing.T) {
	store, dir := newStore(t)
	gen := beforeStream{
		Generator: &scripted{chunks: []string{"Hello!"}},
		hook:      func() { os.RemoveAll(dir) },
	}
	svc := New(store, gen, DefaultConfig())

	var out strings.Builder
	res, err := svc.Turn(context.Background(), "s1", "Hi", &out)
	if !errors.Is(err, session.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if res.Persisted {
		t.Error("turn must not be reported as persisted")
	}
	if out.String() != "Hello!"+saveFailedTrailer {
		t.Errorf("expected reply followed by save failure notice, got %q", out.String())
	}
}

func TestSetSystemPrompt_SessionCap(t *testing.T) {
	store, _ := newStore(t)
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
	svc := New(store, &scripted{}, Config{MaxSessions: 1})

	sp := "Be brief."
	if err := svc.SetSystemPrompt(context.Background(), "s2", &sp); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
	if n, _ := store.Count(context.Background()); n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}
	if err := svc.SetSystemPrompt(context.Background(), "s1", &sp); err != nil {
		t.Errorf("existing session must still accept a system prompt: %v", err)
	}
}

func TestDryRun_SessionCap(t *testing.T) {
	store, _ := newStore(t)
	seed(t, store, "s1", session.Turn{User: "Hi", Assistant: "Hello!"})
	svc := New(store, &scripted{}, Config{MaxSessions: 1})

	if _, err := svc.DryRun(context.Background(), "s2", "Hi"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("expected ErrTooManySessions, got %v", err)
	}
	if _, err := svc.DryRun(context.Background(), "s1", "Hi"); err != nil {
		t.Errorf("existing session dry run: %v", err)
	}
}
