// Package execute drives the compile, run and evaluate phases of one
// submission against an isolated executor workspace.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/sandbox"
)

const (
	stdinFilename  = ".stdin.txt"
	compileTimeout = 30 * time.Second

	timeoutExitCode   = 124
	timeoutExitSignal = 9
)

// AdditionalFile is an extra file placed into the workspace before
// compilation.
type AdditionalFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Options are the execution knobs of one submission.
type Options struct {
	NumberOfRuns    int
	CompilerOptions string
	CommandLineArgs string
	RedirectStderr  bool
	EnableNetwork   bool
	AdditionalFiles []AdditionalFile
}

// Spec bundles everything the orchestrator needs to execute a submission.
type Spec struct {
	Token          string
	SourceCode     string
	Language       language.Language
	Stdin          string
	ExpectedOutput *string
	Limits         config.Limits
	Options        Options
}

// TestCase is one stdin/expected-output pair in batch mode.
type TestCase struct {
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
}

// TestCaseResult is one case's execution outcome and verdict.
type TestCaseResult struct {
	Result   Result
	StatusID int
	Passed   bool
}

// TestCaseSummary aggregates per-case verdicts.
type TestCaseSummary struct {
	Total       int
	Passed      int
	Failed      int
	FirstFailed int // index of the first failing case, -1 when all pass
}

// CompileResult is the outcome of the optional compile phase.
type CompileResult struct {
	Success  bool
	Output   string
	ExitCode int
}

// Orchestrator runs submissions against an isolated executor.
type Orchestrator struct {
	exec             sandbox.Executor
	log              *slog.Logger
	networkIsolation bool
}

func NewOrchestrator(exec sandbox.Executor, log *slog.Logger, networkIsolation bool) *Orchestrator {
	return &Orchestrator{
		exec:             exec,
		log:              log.With(slog.String("component", "orchestrator")),
		networkIsolation: networkIsolation,
	}
}

// NewWorkspace creates the submission's private workspace and populates
// it with the source file and any additional files. Paths are validated
// before anything is written.
func (o *Orchestrator) NewWorkspace(spec Spec) (sandbox.Workspace, error) {
	if err := ValidatePath(spec.Language.SourceFile); err != nil {
		return nil, err
	}
	for _, f := range spec.Options.AdditionalFiles {
		if err := ValidatePath(f.Path); err != nil {
			return nil, err
		}
	}

	ws, err := o.exec.NewWorkspace(spec.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := ws.WriteFile(spec.Language.SourceFile, []byte(spec.SourceCode)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to write source file: %w", err)
	}
	for _, f := range spec.Options.AdditionalFiles {
		if err := ws.WriteFile(f.Path, f.Content); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("failed to write additional file %s: %w", f.Path, err)
		}
	}

	return ws, nil
}

// CompileIfNeeded runs the language's compile command, when it has one.
// Compilation is never throttled by the submission's runtime ulimits; a
// fixed generous timeout guards against hanging compilers instead.
func (o *Orchestrator) CompileIfNeeded(ctx context.Context, ws sandbox.Workspace, spec Spec) (CompileResult, error) {
	if spec.Language.CompileCmd == nil {
		return CompileResult{Success: true}, nil
	}

	command := strings.TrimSpace(*spec.Language.CompileCmd)
	if flags := SanitizeArg(strings.TrimSpace(spec.Options.CompilerOptions)); flags != "" {
		command += " " + flags
	}

	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	o.log.Debug("compiling", slog.String("token", spec.Token), slog.String("cmd", command))
	res, err := ws.Exec(ctx, command, nil)
	if err != nil {
		return CompileResult{}, fmt.Errorf("failed to run compile command: %w", err)
	}

	output := res.Stderr
	if output == "" {
		output = res.Stdout
	}

	return CompileResult{
		Success:  res.ExitCode == 0,
		Output:   output,
		ExitCode: res.ExitCode,
	}, nil
}

// ExecuteRuns runs the submission numberOfRuns times sequentially, each
// run independently racing the wall-clock limit.
func (o *Orchestrator) ExecuteRuns(ctx context.Context, ws sandbox.Workspace, spec Spec, numberOfRuns int) ([]Result, error) {
	if numberOfRuns < 1 {
		numberOfRuns = 1
	}

	hasStdin := spec.Stdin != ""
	if hasStdin {
		if err := ws.WriteFile(stdinFilename, []byte(spec.Stdin)); err != nil {
			return nil, fmt.Errorf("failed to write stdin file: %w", err)
		}
	}
	command := o.buildRunCommand(spec, hasStdin)

	results := make([]Result, 0, numberOfRuns)
	for i := 0; i < numberOfRuns; i++ {
		res, err := o.runOnce(ctx, ws, command, spec)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ExecuteTestCases runs the submission once per case and judges each
// case against its own expected output.
func (o *Orchestrator) ExecuteTestCases(ctx context.Context, ws sandbox.Workspace, spec Spec, cases []TestCase) ([]TestCaseResult, TestCaseSummary, error) {
	summary := TestCaseSummary{Total: len(cases), FirstFailed: -1}
	results := make([]TestCaseResult, 0, len(cases))

	for i, tc := range cases {
		hasStdin := tc.Stdin != ""
		if hasStdin {
			if err := ws.WriteFile(stdinFilename, []byte(tc.Stdin)); err != nil {
				return nil, summary, fmt.Errorf("failed to write stdin for case %d: %w", i, err)
			}
		}
		command := o.buildRunCommand(spec, hasStdin)
		res, err := o.runOnce(ctx, ws, command, spec)
		if err != nil {
			return nil, summary, err
		}

		expected := tc.ExpectedOutput
		statusID, _ := Evaluate(res, &expected)
		passed := statusID == api.StatusAccepted

		results = append(results, TestCaseResult{Result: res, StatusID: statusID, Passed: passed})
		if passed {
			summary.Passed++
		} else {
			summary.Failed++
			if summary.FirstFailed < 0 {
				summary.FirstFailed = i
			}
		}
	}

	return results, summary, nil
}

// EvaluateSummary folds per-case verdicts into one submission verdict:
// the first failing case's status, or accepted when every case passes.
func EvaluateSummary(results []TestCaseResult, summary TestCaseSummary) (statusID int, message string) {
	message = fmt.Sprintf("%d/%d test cases passed", summary.Passed, summary.Total)
	if summary.FirstFailed >= 0 {
		return results[summary.FirstFailed].StatusID, message
	}
	return api.StatusAccepted, message
}

// runOnce races one execution against the submission's wall-clock limit.
// The loser of the race is abandoned: the executor offers no forced
// cancellation, so a late result is simply discarded. A cancelled
// context is an interruption, not a verdict, and comes back as an error
// so the job can be redelivered.
func (o *Orchestrator) runOnce(ctx context.Context, ws sandbox.Workspace, command string, spec Spec) (Result, error) {
	wallLimit := spec.Limits.WallTimeLimit
	if wallLimit <= 0 {
		wallLimit = 10.0
	}
	wall := time.Duration(wallLimit * float64(time.Second))

	type outcome struct {
		res *sandbox.ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ws.Exec(ctx, command, nil)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(wall)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("execution interrupted: %w", ctx.Err())
			}
			o.log.Error("execution failed", slog.String("token", spec.Token), slog.Any("error", out.err))
			now := time.Now()
			return Result{
				Stderr:     out.err.Error(),
				ExitCode:   1,
				StartedAt:  now,
				FinishedAt: now,
			}, nil
		}
		return fromExecResult(out.res), nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("execution interrupted: %w", ctx.Err())
	case <-timer.C:
		o.log.Info("wall time limit exceeded", slog.String("token", spec.Token), slog.Duration("limit", wall))
		sig := timeoutExitSignal
		now := time.Now()
		wallMs := wall.Milliseconds()
		return Result{
			Stderr:            "Time Limit Exceeded",
			ExitCode:          timeoutExitCode,
			ExitSignal:        &sig,
			TimeMillis:        wallMs,
			WallTimeMillis:    wallMs,
			TimeLimitExceeded: true,
			StartedAt:         now.Add(-wall),
			FinishedAt:        now,
		}, nil
	}
}

// buildRunCommand assembles the shell command for one run: base run
// command, sanitized user arguments, runtime ulimits, stdin redirect,
// optional stderr redirect and optional network namespace unsharing.
func (o *Orchestrator) buildRunCommand(spec Spec, hasStdin bool) string {
	command := strings.TrimSpace(spec.Language.RunCmd)
	if args := SanitizeArg(strings.TrimSpace(spec.Options.CommandLineArgs)); args != "" {
		command += " " + args
	}

	var limitCmds []string
	if cpu := spec.Limits.CPUTimeLimit; cpu > 0 {
		limitCmds = append(limitCmds, fmt.Sprintf("ulimit -t %d", int(math.Ceil(cpu+spec.Limits.CPUExtraTime))))
	}
	if fsize := spec.Limits.MaxFileSize; fsize > 0 {
		limitCmds = append(limitCmds, fmt.Sprintf("ulimit -f %d", fsize))
	}
	if len(limitCmds) > 0 {
		command = strings.Join(limitCmds, " && ") + " && " + command
	}

	if hasStdin {
		command += " < " + stdinFilename
	}
	if spec.Options.RedirectStderr {
		command += " 2>&1"
	}

	if o.networkIsolation && !spec.Options.EnableNetwork {
		escaped := strings.ReplaceAll(command, `"`, `\"`)
		command = `unshare -n -- sh -c "` + escaped + `"`
	}

	return command
}

func fromExecResult(res *sandbox.ExecResult) Result {
	ms := res.Duration.Milliseconds()
	return Result{
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		ExitCode:       res.ExitCode,
		ExitSignal:     res.ExitSignal,
		TimeMillis:     ms,
		WallTimeMillis: ms,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
}
