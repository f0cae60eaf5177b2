// Package sandbox provides the isolated-executor collaborator: a
// per-submission workspace into which files are written and shell
// commands are run, returning raw execution telemetry.
package sandbox

import (
	"context"
	"io"
	"time"
)

// ExecResult is the raw telemetry of one command run.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	ExitSignal *int
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// Workspace is one submission's private directory inside the executor.
// Close removes the workspace and everything in it.
type Workspace interface {
	Path() string
	WriteFile(name string, content []byte) error
	// Exec runs a shell command with the workspace as working directory.
	// stdin may be nil.
	Exec(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error)
	Close() error
}

// Executor creates workspaces. One workspace per submission token keeps
// submissions from observing each other's files.
type Executor interface {
	NewWorkspace(token string) (Workspace, error)
}
