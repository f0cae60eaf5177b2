package execute

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/sandbox"
)

// stubWorkspace records writes and commands and replies from a script.
type stubWorkspace struct {
	files    map[string][]byte
	commands []string
	respond  func(command string) *sandbox.ExecResult
	delay    time.Duration
	closed   bool
}

func newStubWorkspace() *stubWorkspace {
	return &stubWorkspace{
		files: map[string][]byte{},
		respond: func(string) *sandbox.ExecResult {
			return &sandbox.ExecResult{Stdout: "ok"}
		},
	}
}

func (w *stubWorkspace) Path() string { return "/stub" }

func (w *stubWorkspace) WriteFile(name string, content []byte) error {
	w.files[name] = content
	return nil
}

func (w *stubWorkspace) Exec(ctx context.Context, command string, _ io.Reader) (*sandbox.ExecResult, error) {
	w.commands = append(w.commands, command)
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return w.respond(command), nil
}

func (w *stubWorkspace) Close() error {
	w.closed = true
	return nil
}

type stubExecutor struct {
	ws *stubWorkspace
}

func (e *stubExecutor) NewWorkspace(string) (sandbox.Workspace, error) {
	return e.ws, nil
}

func testOrchestrator(ws *stubWorkspace, networkIsolation bool) *Orchestrator {
	exec := &stubExecutor{ws: ws}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(exec, log, networkIsolation)
}

func pythonSpec() Spec {
	return Spec{
		Token:      "tok-1",
		SourceCode: "print(input())",
		Language: language.Language{
			ID:         3,
			Name:       "Python (3.11)",
			RunCmd:     "python3 solution.py",
			SourceFile: "solution.py",
		},
		Limits: config.DefaultLimits(),
	}
}

func cppSpec() Spec {
	compile := "g++ solution.cpp -o solution"
	spec := pythonSpec()
	spec.Language = language.Language{
		ID:         5,
		Name:       "C++ (GCC 11)",
		CompileCmd: &compile,
		RunCmd:     "./solution",
		SourceFile: "solution.cpp",
	}
	return spec
}

func TestNewWorkspaceWritesSourceAndAdditionalFiles(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	spec := pythonSpec()
	spec.Options.AdditionalFiles = []AdditionalFile{{Path: "data/input.txt", Content: []byte("hello")}}

	got, err := o.NewWorkspace(spec)
	require.NoError(t, err)
	assert.Same(t, sandbox.Workspace(ws), got)
	assert.Equal(t, []byte("print(input())"), ws.files["solution.py"])
	assert.Equal(t, []byte("hello"), ws.files["data/input.txt"])
}

func TestNewWorkspaceRejectsTraversalPaths(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	spec := pythonSpec()
	spec.Options.AdditionalFiles = []AdditionalFile{{Path: "../escape.txt", Content: []byte("x")}}

	_, err := o.NewWorkspace(spec)
	assert.Error(t, err)
	assert.Empty(t, ws.files)
}

func TestCompileIfNeededSkipsInterpretedLanguages(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	res, err := o.CompileIfNeeded(context.Background(), ws, pythonSpec())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, ws.commands)
}

func TestCompileIfNeededAppendsSanitizedFlags(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	spec := cppSpec()
	spec.Options.CompilerOptions = "-O2; rm -rf /"

	res, err := o.CompileIfNeeded(context.Background(), ws, spec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, ws.commands, 1)
	assert.Equal(t, "g++ solution.cpp -o solution -O2 rm -rf /", ws.commands[0])
}

func TestCompileIfNeededReportsFailureOutput(t *testing.T) {
	ws := newStubWorkspace()
	ws.respond = func(string) *sandbox.ExecResult {
		return &sandbox.ExecResult{Stderr: "solution.cpp:1: error: expected ';'", ExitCode: 1}
	}
	o := testOrchestrator(ws, false)

	res, err := o.CompileIfNeeded(context.Background(), ws, cppSpec())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "expected ';'")
}

func TestExecuteRunsBuildsUlimitWrappedCommand(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	spec := pythonSpec()
	spec.Stdin = "42\n"
	spec.Options.CommandLineArgs = "--fast"
	spec.Options.RedirectStderr = true

	results, err := o.ExecuteRuns(context.Background(), ws, spec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, []byte("42\n"), ws.files[stdinFilename])
	require.Len(t, ws.commands, 1)
	cmd := ws.commands[0]
	assert.Contains(t, cmd, "ulimit -t 6 && ")
	assert.Contains(t, cmd, "ulimit -f 1024 && ")
	assert.Contains(t, cmd, "python3 solution.py --fast")
	assert.Contains(t, cmd, "< "+stdinFilename)
	assert.True(t, strings.HasSuffix(cmd, "2>&1"))
}

func TestExecuteRunsRepeatsSequentially(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, false)

	results, err := o.ExecuteRuns(context.Background(), ws, pythonSpec(), 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Len(t, ws.commands, 3)
}

func TestExecuteRunsNetworkIsolationWrapsCommand(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, true)

	_, err := o.ExecuteRuns(context.Background(), ws, pythonSpec(), 1)
	require.NoError(t, err)
	require.Len(t, ws.commands, 1)
	assert.True(t, strings.HasPrefix(ws.commands[0], `unshare -n -- sh -c "`))
}

func TestExecuteRunsEnableNetworkSkipsIsolation(t *testing.T) {
	ws := newStubWorkspace()
	o := testOrchestrator(ws, true)

	spec := pythonSpec()
	spec.Options.EnableNetwork = true

	_, err := o.ExecuteRuns(context.Background(), ws, spec, 1)
	require.NoError(t, err)
	require.Len(t, ws.commands, 1)
	assert.False(t, strings.HasPrefix(ws.commands[0], "unshare"))
}

func TestRunOnceWallTimeoutProducesSyntheticResult(t *testing.T) {
	ws := newStubWorkspace()
	ws.delay = 2 * time.Second
	o := testOrchestrator(ws, false)

	spec := pythonSpec()
	spec.Limits.WallTimeLimit = 0.05

	results, err := o.ExecuteRuns(context.Background(), ws, spec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.TimeLimitExceeded)
	assert.Equal(t, timeoutExitCode, res.ExitCode)
	require.NotNil(t, res.ExitSignal)
	assert.Equal(t, timeoutExitSignal, *res.ExitSignal)

	status, _ := Evaluate(res, nil)
	assert.Equal(t, api.StatusTimeLimitExceeded, status)
}

func TestExecuteRunsReturnsErrorWhenContextCancelled(t *testing.T) {
	ws := newStubWorkspace()
	ws.delay = 2 * time.Second
	o := testOrchestrator(ws, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	// Interrupted runs must not be mistaken for runtime errors.
	_, err := o.ExecuteRuns(ctx, ws, pythonSpec(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteTestCasesJudgesEachCase(t *testing.T) {
	ws := newStubWorkspace()
	calls := 0
	ws.respond = func(string) *sandbox.ExecResult {
		calls++
		if calls == 2 {
			return &sandbox.ExecResult{Stdout: "wrong"}
		}
		return &sandbox.ExecResult{Stdout: "right"}
	}
	o := testOrchestrator(ws, false)

	cases := []TestCase{
		{Stdin: "a", ExpectedOutput: "right"},
		{Stdin: "b", ExpectedOutput: "right"},
		{Stdin: "c", ExpectedOutput: "right"},
	}
	results, summary, err := o.ExecuteTestCases(context.Background(), ws, pythonSpec(), cases)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.FirstFailed)
	assert.False(t, results[1].Passed)

	status, msg := EvaluateSummary(results, summary)
	assert.Equal(t, api.StatusWrongAnswer, status)
	assert.Equal(t, "2/3 test cases passed", msg)
}

func TestEvaluateSummaryAllPassed(t *testing.T) {
	results := []TestCaseResult{{StatusID: api.StatusAccepted, Passed: true}}
	summary := TestCaseSummary{Total: 1, Passed: 1, FirstFailed: -1}

	status, msg := EvaluateSummary(results, summary)
	assert.Equal(t, api.StatusAccepted, status)
	assert.Equal(t, "1/1 test cases passed", msg)
}
