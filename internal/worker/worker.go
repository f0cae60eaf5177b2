// Package worker consumes submission jobs and drives them through the
// compile, run, evaluate and persist pipeline. One worker process can
// judge many submissions concurrently, but never the same token twice
// at once.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/callback"
	"github.com/programme-lv/judge/internal/execute"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/queue"
	"github.com/programme-lv/judge/internal/submission"
)

// Broadcaster pushes lifecycle frames to whoever is listening. In one
// process that is the fanout hub; a split deployment substitutes the
// NATS bridge so frames reach subscribers on the API side.
type Broadcaster interface {
	Broadcast(token string, frame any) int
}

// Actor judges one job at a time. Broadcast and callback failures are
// logged and swallowed: the stored result is the source of truth and
// must not depend on any listener being reachable.
type Actor struct {
	store    submission.Store
	orch     *execute.Orchestrator
	events   Broadcaster
	callback *callback.Client
	langs    *language.Registry
	host     string
	log      *slog.Logger
}

func NewActor(
	store submission.Store,
	orch *execute.Orchestrator,
	events Broadcaster,
	cb *callback.Client,
	langs *language.Registry,
	host string,
	log *slog.Logger,
) *Actor {
	return &Actor{
		store:    store,
		orch:     orch,
		events:   events,
		callback: cb,
		langs:    langs,
		host:     host,
		log:      log.With(slog.String("component", "worker")),
	}
}

// Handle judges one job end to end. A nil return means the job's
// outcome, including a judged internal error, was persisted and the
// delivery can be acknowledged.
func (a *Actor) Handle(ctx context.Context, job queue.Job) error {
	log := a.log.With(slog.String("token", job.Token))

	sub, err := a.store.GetByToken(ctx, job.Token)
	if err != nil {
		return fmt.Errorf("failed to load submission %s: %w", job.Token, err)
	}
	if api.IsTerminal(sub.StatusID) {
		// Redelivered after a crash past the finish line; nothing to do.
		log.Info("submission already terminal", slog.Int("status_id", sub.StatusID))
		return nil
	}

	lang, ok := a.langs.ByID(job.LanguageID)
	if !ok {
		return a.failInternal(ctx, job, fmt.Errorf("unknown language id %d", job.LanguageID))
	}

	if err := a.store.MarkProcessing(ctx, job.Token, a.host); err != nil {
		return fmt.Errorf("failed to mark submission processing: %w", err)
	}
	a.broadcastStatus(job.Token, api.StatusProcessing, nil)

	spec := execute.Spec{
		Token:          job.Token,
		SourceCode:     job.SourceCode,
		Language:       lang,
		Stdin:          job.Stdin,
		ExpectedOutput: job.ExpectedOutput,
		Limits:         job.Limits,
		Options: execute.Options{
			NumberOfRuns:    job.NumberOfRuns,
			CompilerOptions: job.CompilerOptions,
			CommandLineArgs: job.CommandLineArgs,
			RedirectStderr:  job.RedirectStderr,
			EnableNetwork:   job.EnableNetwork,
			AdditionalFiles: job.AdditionalFiles,
		},
	}

	ws, err := a.orch.NewWorkspace(spec)
	if err != nil {
		return a.failInternal(ctx, job, fmt.Errorf("failed to prepare workspace: %w", err))
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn("failed to remove workspace", slog.Any("error", err))
		}
	}()

	compiled, err := a.orch.CompileIfNeeded(ctx, ws, spec)
	if err != nil {
		// A dying worker must not judge: hand the job back instead.
		if ctx.Err() != nil {
			return fmt.Errorf("judging interrupted: %w", err)
		}
		return a.failInternal(ctx, job, fmt.Errorf("compile phase failed: %w", err))
	}
	if !compiled.Success {
		return a.finishCompileError(ctx, job, compiled)
	}

	a.broadcastProgress(job.Token, "running", "execution started")

	var (
		rep      execute.Result
		statusID int
		message  string
	)
	if len(job.TestCases) > 0 {
		results, summary, err := a.orch.ExecuteTestCases(ctx, ws, spec, job.TestCases)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("judging interrupted: %w", err)
			}
			return a.failInternal(ctx, job, fmt.Errorf("test case execution failed: %w", err))
		}
		statusID, message = execute.EvaluateSummary(results, summary)
		rep = results[0].Result
		if summary.FirstFailed >= 0 {
			rep = results[summary.FirstFailed].Result
		}
	} else {
		results, err := a.orch.ExecuteRuns(ctx, ws, spec, job.NumberOfRuns)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("judging interrupted: %w", err)
			}
			return a.failInternal(ctx, job, fmt.Errorf("execution failed: %w", err))
		}
		rep = execute.AggregateResults(results)
		statusID, message = execute.Evaluate(rep, job.ExpectedOutput)
	}

	return a.finish(ctx, job, rep, statusID, message)
}

// finish persists the verdict, appends the run record and notifies
// listeners.
func (a *Actor) finish(ctx context.Context, job queue.Job, rep execute.Result, statusID int, message string) error {
	sub, err := a.store.GetByToken(ctx, job.Token)
	if err != nil {
		return fmt.Errorf("failed to reload submission %s: %w", job.Token, err)
	}

	now := time.Now()
	sub.StatusID = statusID
	sub.Stdout = strPtr(rep.Stdout)
	sub.Stderr = strPtr(rep.Stderr)
	sub.Message = strPtr(message)
	sub.ExitCode = &rep.ExitCode
	sub.ExitSignal = rep.ExitSignal
	sub.TimeMillis = &rep.TimeMillis
	sub.WallTimeMillis = &rep.WallTimeMillis
	sub.MemoryKB = &rep.MemoryKB
	sub.FinishedAt = &now

	if err := a.store.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist verdict for %s: %w", job.Token, err)
	}
	a.appendRecord(ctx, sub, rep.Stdout, rep.Stderr, &rep.ExitCode, &rep.TimeMillis, &rep.MemoryKB)

	a.broadcastStatus(job.Token, statusID, &api.ResultData{
		Stdout:   rep.Stdout,
		Stderr:   rep.Stderr,
		ExitCode: &rep.ExitCode,
		Memory:   rep.MemoryKB,
		Time:     secondsStr(rep.TimeMillis),
	})
	a.notifyCallback(ctx, job, sub)

	a.log.Info("submission judged",
		slog.String("token", job.Token),
		slog.Int("status_id", statusID),
		slog.Int64("time_ms", rep.TimeMillis))
	return nil
}

// finishCompileError persists the compilation failure. The run phase
// never starts.
func (a *Actor) finishCompileError(ctx context.Context, job queue.Job, compiled execute.CompileResult) error {
	sub, err := a.store.GetByToken(ctx, job.Token)
	if err != nil {
		return fmt.Errorf("failed to reload submission %s: %w", job.Token, err)
	}

	now := time.Now()
	sub.StatusID = api.StatusCompilationError
	sub.CompileOutput = strPtr(compiled.Output)
	sub.Message = strPtr("Compilation failed")
	sub.ExitCode = &compiled.ExitCode
	sub.FinishedAt = &now

	if err := a.store.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist compile error for %s: %w", job.Token, err)
	}
	a.appendRecord(ctx, sub, "", compiled.Output, &compiled.ExitCode, nil, nil)

	a.broadcastStatus(job.Token, api.StatusCompilationError, &api.ResultData{
		CompileOutput: compiled.Output,
		ExitCode:      &compiled.ExitCode,
	})
	a.notifyCallback(ctx, job, sub)

	a.log.Info("compilation failed", slog.String("token", job.Token))
	return nil
}

// failInternal records an internal error verdict. The cause lands in
// stderr and the error frame details so the failure is diagnosable from
// the submission itself.
func (a *Actor) failInternal(ctx context.Context, job queue.Job, cause error) error {
	a.log.Error("internal error while judging",
		slog.String("token", job.Token), slog.Any("error", cause))

	sub, err := a.store.GetByToken(ctx, job.Token)
	if err != nil {
		return fmt.Errorf("failed to reload submission %s: %w", job.Token, err)
	}

	now := time.Now()
	sub.StatusID = api.StatusInternalError
	sub.Message = strPtr("Internal error")
	sub.Stderr = strPtr(cause.Error())
	sub.FinishedAt = &now

	if err := a.store.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist internal error for %s: %w", job.Token, err)
	}
	a.appendRecord(ctx, sub, "", cause.Error(), nil, nil, nil)

	frame := api.ErrorFrame{
		FrameHeader: api.NewFrameHeader(api.FrameError, job.Token),
		Error:       "internal error",
		Details:     cause.Error(),
	}
	a.events.Broadcast(job.Token, frame)
	a.broadcastStatus(job.Token, api.StatusInternalError, nil)
	a.notifyCallback(ctx, job, sub)
	return nil
}

func (a *Actor) appendRecord(ctx context.Context, sub *submission.Submission, stdout, stderr string, exitCode *int, timeMillis, memoryKB *int64) {
	rec := &submission.RunRecord{
		SubmissionID: sub.ID,
		StatusID:     sub.StatusID,
		Stdout:       strPtr(stdout),
		Stderr:       strPtr(stderr),
		ExitCode:     exitCode,
		TimeMillis:   timeMillis,
		MemoryKB:     memoryKB,
	}
	if err := a.store.AppendResult(ctx, rec); err != nil {
		a.log.Warn("failed to append run record",
			slog.String("token", sub.Token), slog.Any("error", err))
	}
}

func (a *Actor) broadcastStatus(token string, statusID int, data *api.ResultData) {
	status, _ := api.StatusByID(statusID)
	frame := api.StatusUpdateFrame{
		FrameHeader: api.NewFrameHeader(api.FrameStatusUpdate, token),
		Status:      status,
		Data:        data,
	}
	a.events.Broadcast(token, frame)
}

func (a *Actor) broadcastProgress(token, stage, message string) {
	frame := api.ProgressUpdateFrame{
		FrameHeader: api.NewFrameHeader(api.FrameProgressUpdate, token),
		Stage:       stage,
		Message:     message,
	}
	a.events.Broadcast(token, frame)
}

func (a *Actor) notifyCallback(ctx context.Context, job queue.Job, sub *submission.Submission) {
	if job.CallbackURL == "" {
		return
	}
	a.callback.Notify(ctx, job.CallbackURL, job.Token, submission.TerminalView(sub, a.langs))
}

func strPtr(s string) *string { return &s }

func secondsStr(ms int64) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000.0)
}
