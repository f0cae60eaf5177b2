package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LocalExecutor runs commands as ordinary processes under a root
// directory, one subdirectory per submission token. It implements the
// executor contract, not a security boundary; deploy it inside a
// container or jail.
type LocalExecutor struct {
	root string
}

func NewLocalExecutor(root string) (*LocalExecutor, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", root, err)
	}
	return &LocalExecutor{root: root}, nil
}

func (e *LocalExecutor) NewWorkspace(token string) (Workspace, error) {
	if token == "" || strings.ContainsAny(token, "/\\") || strings.Contains(token, "..") {
		return nil, fmt.Errorf("invalid workspace token %q", token)
	}
	path := filepath.Join(e.root, token)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", path, err)
	}
	return &localWorkspace{path: path}, nil
}

type localWorkspace struct {
	path string
}

func (w *localWorkspace) Path() string {
	return w.path
}

func (w *localWorkspace) WriteFile(name string, content []byte) error {
	full := filepath.Join(w.path, name)
	if dir := filepath.Dir(full); dir != w.path {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (w *localWorkspace) Exec(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = w.path
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startedAt := time.Now()
	err := cmd.Run()
	finishedAt := time.Now()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   finishedAt.Sub(startedAt),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := int(ws.Signal())
			result.ExitSignal = &sig
		}
	}

	// The shell reports a child killed by signal N as exit code 128+N.
	if result.ExitSignal == nil && result.ExitCode > 128 {
		sig := result.ExitCode - 128
		result.ExitSignal = &sig
	}

	return result, nil
}

func (w *localWorkspace) Close() error {
	return os.RemoveAll(w.path)
}
