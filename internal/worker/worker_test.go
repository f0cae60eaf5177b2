package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/callback"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/execute"
	"github.com/programme-lv/judge/internal/fanout"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/queue"
	"github.com/programme-lv/judge/internal/sandbox"
	"github.com/programme-lv/judge/internal/submission"
)

type scriptedWorkspace struct {
	respond  func(command string) *sandbox.ExecResult
	mu       sync.Mutex
	commands []string
	closed   bool
}

func (w *scriptedWorkspace) Path() string { return "/scripted" }

func (w *scriptedWorkspace) WriteFile(string, []byte) error { return nil }

func (w *scriptedWorkspace) Exec(_ context.Context, command string, _ io.Reader) (*sandbox.ExecResult, error) {
	w.mu.Lock()
	w.commands = append(w.commands, command)
	w.mu.Unlock()
	return w.respond(command), nil
}

func (w *scriptedWorkspace) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type scriptedExecutor struct {
	ws      *scriptedWorkspace
	alt     sandbox.Workspace
	failNew bool
}

func (e *scriptedExecutor) NewWorkspace(string) (sandbox.Workspace, error) {
	if e.failNew {
		return nil, errors.New("disk full")
	}
	if e.alt != nil {
		return e.alt, nil
	}
	return e.ws, nil
}

// waitingWorkspace blocks every command until the context dies, like a
// real execution outliving a worker shutdown.
type waitingWorkspace struct{}

func (w *waitingWorkspace) Path() string { return "/waiting" }

func (w *waitingWorkspace) WriteFile(string, []byte) error { return nil }

func (w *waitingWorkspace) Exec(ctx context.Context, _ string, _ io.Reader) (*sandbox.ExecResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (w *waitingWorkspace) Close() error { return nil }

type frameRecorder struct {
	id string
	mu sync.Mutex
	fs []any
}

func (r *frameRecorder) ID() string { return r.id }

func (r *frameRecorder) Send(frame any) error {
	r.mu.Lock()
	r.fs = append(r.fs, frame)
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) Close() error { return nil }

func (r *frameRecorder) frames() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.fs))
	copy(out, r.fs)
	return out
}

type fixture struct {
	actor *Actor
	store *submission.MemStore
	hub   *fanout.Hub
	exec  *scriptedExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := submission.NewMemStore()
	hub := fanout.NewHub(log, time.Hour)
	t.Cleanup(hub.Close)

	exec := &scriptedExecutor{ws: &scriptedWorkspace{
		respond: func(string) *sandbox.ExecResult {
			return &sandbox.ExecResult{Stdout: "42\n", Duration: 120 * time.Millisecond}
		},
	}}
	orch := execute.NewOrchestrator(exec, log, false)
	actor := NewActor(store, orch, hub, callback.NewClient(log), language.DefaultRegistry(), "test-host", log)
	return &fixture{actor: actor, store: store, hub: hub, exec: exec}
}

func (f *fixture) seed(t *testing.T, token string, langID int64) (*submission.Submission, queue.Job) {
	t.Helper()
	sub := &submission.Submission{
		Token:      token,
		SourceCode: "print(42)",
		LanguageID: langID,
		StatusID:   api.StatusInQueue,
		Limits:     config.DefaultLimits(),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, f.store.Create(context.Background(), sub))
	job := queue.Job{
		SubmissionID: sub.ID,
		Token:        token,
		LanguageID:   langID,
		SourceCode:   sub.SourceCode,
		Limits:       sub.Limits,
		NumberOfRuns: 1,
	}
	return sub, job
}

func TestHandleAcceptedSubmission(t *testing.T) {
	f := newFixture(t)
	_, job := f.seed(t, "tok-acc", 3)
	expected := "42"
	job.ExpectedOutput = &expected

	recorder := &frameRecorder{id: "rec"}
	f.hub.Subscribe("tok-acc", recorder)

	require.NoError(t, f.actor.Handle(context.Background(), job))

	sub, err := f.store.GetByToken(context.Background(), "tok-acc")
	require.NoError(t, err)
	assert.Equal(t, api.StatusAccepted, sub.StatusID)
	assert.Equal(t, "42\n", *sub.Stdout)
	assert.Equal(t, 0, *sub.ExitCode)
	assert.Equal(t, int64(120), *sub.TimeMillis)
	require.NotNil(t, sub.StartedAt)
	require.NotNil(t, sub.FinishedAt)
	assert.Equal(t, "test-host", *sub.ExecutionHost)

	recs, err := f.store.ResultsByToken(context.Background(), "tok-acc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, api.StatusAccepted, recs[0].StatusID)

	// connected, processing, progress, terminal status.
	frames := recorder.frames()
	require.Len(t, frames, 4)
	processing := frames[1].(api.StatusUpdateFrame)
	assert.Equal(t, api.StatusProcessing, processing.Status.ID)
	progress := frames[2].(api.ProgressUpdateFrame)
	assert.Equal(t, "running", progress.Stage)
	terminal := frames[3].(api.StatusUpdateFrame)
	assert.Equal(t, api.StatusAccepted, terminal.Status.ID)
	require.NotNil(t, terminal.Data)
	assert.Equal(t, "42\n", terminal.Data.Stdout)

	assert.True(t, f.exec.ws.closed, "workspace must be removed after judging")
}

func TestHandleWrongAnswer(t *testing.T) {
	f := newFixture(t)
	_, job := f.seed(t, "tok-wa", 3)
	expected := "43"
	job.ExpectedOutput = &expected

	require.NoError(t, f.actor.Handle(context.Background(), job))

	sub, err := f.store.GetByToken(context.Background(), "tok-wa")
	require.NoError(t, err)
	assert.Equal(t, api.StatusWrongAnswer, sub.StatusID)
	assert.Equal(t, "Wrong answer", *sub.Message)
}

func TestHandleCompileErrorSkipsRunPhase(t *testing.T) {
	f := newFixture(t)
	f.exec.ws.respond = func(command string) *sandbox.ExecResult {
		if strings.Contains(command, "g++") {
			return &sandbox.ExecResult{Stderr: "error: expected ';'", ExitCode: 1}
		}
		return &sandbox.ExecResult{Stdout: "should never run"}
	}
	_, job := f.seed(t, "tok-ce", 5)

	require.NoError(t, f.actor.Handle(context.Background(), job))

	sub, err := f.store.GetByToken(context.Background(), "tok-ce")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompilationError, sub.StatusID)
	assert.Contains(t, *sub.CompileOutput, "expected ';'")
	assert.Nil(t, sub.Stdout)

	// Only the compile command ran.
	require.Len(t, f.exec.ws.commands, 1)
	assert.Contains(t, f.exec.ws.commands[0], "g++")

	recs, err := f.store.ResultsByToken(context.Background(), "tok-ce")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, api.StatusCompilationError, recs[0].StatusID)
}

func TestHandleInternalErrorOnWorkspaceFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.failNew = true
	_, job := f.seed(t, "tok-ie", 3)

	recorder := &frameRecorder{id: "rec"}
	f.hub.Subscribe("tok-ie", recorder)

	require.NoError(t, f.actor.Handle(context.Background(), job))

	sub, err := f.store.GetByToken(context.Background(), "tok-ie")
	require.NoError(t, err)
	assert.Equal(t, api.StatusInternalError, sub.StatusID)
	assert.Equal(t, "Internal error", *sub.Message)
	require.NotNil(t, sub.Stderr)
	assert.Contains(t, *sub.Stderr, "disk full")

	recs, err := f.store.ResultsByToken(context.Background(), "tok-ie")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, *recs[0].Stderr, "disk full")

	var sawErrorFrame bool
	for _, frame := range recorder.frames() {
		if ef, ok := frame.(api.ErrorFrame); ok {
			sawErrorFrame = true
			assert.Equal(t, "internal error", ef.Error)
			assert.Contains(t, ef.Details, "disk full")
		}
	}
	assert.True(t, sawErrorFrame)
}

func TestHandleShutdownMidRunLeavesVerdictOpen(t *testing.T) {
	f := newFixture(t)
	f.exec.alt = &waitingWorkspace{}
	_, job := f.seed(t, "tok-shutdown", 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// A cancelled worker hands the job back for redelivery instead of
	// persisting a runtime-error verdict.
	err := f.actor.Handle(ctx, job)
	require.Error(t, err)

	sub, err := f.store.GetByToken(context.Background(), "tok-shutdown")
	require.NoError(t, err)
	assert.Equal(t, api.StatusProcessing, sub.StatusID)
	assert.Nil(t, sub.FinishedAt)
}

func TestHandleSkipsAlreadyTerminalSubmission(t *testing.T) {
	f := newFixture(t)
	sub, job := f.seed(t, "tok-done", 3)

	sub.StatusID = api.StatusAccepted
	require.NoError(t, f.store.Update(context.Background(), sub))

	require.NoError(t, f.actor.Handle(context.Background(), job))
	assert.Empty(t, f.exec.ws.commands)
}

func TestHandleUnknownTokenReturnsError(t *testing.T) {
	f := newFixture(t)
	err := f.actor.Handle(context.Background(), queue.Job{Token: "ghost", LanguageID: 3})
	assert.Error(t, err)
}

func TestHandleDeliversCallback(t *testing.T) {
	f := newFixture(t)

	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, job := f.seed(t, "tok-cb", 3)
	job.CallbackURL = srv.URL

	require.NoError(t, f.actor.Handle(context.Background(), job))

	select {
	case body := <-received:
		assert.Equal(t, "tok-cb", body["token"])
		status := body["status"].(map[string]any)
		assert.Equal(t, float64(api.StatusAccepted), status["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestRegistrySerializesSameToken(t *testing.T) {
	f := newFixture(t)
	registry := NewRegistry(f.actor)

	var active, maxActive int
	var mu sync.Mutex
	f.exec.ws.respond = func(string) *sandbox.ExecResult {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &sandbox.ExecResult{Stdout: "ok"}
	}

	_, job := f.seed(t, "tok-serial", 3)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = registry.Handle(context.Background(), job)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "same token must never judge concurrently")
}
