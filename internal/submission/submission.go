// Package submission holds the submission domain model, its persistence
// contract and the intake service sitting between the HTTP layer and the
// queue.
package submission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/execute"
)

// ErrNotFound is returned when no submission exists for a token.
var ErrNotFound = errors.New("submission not found")

// ErrInvalidEncoding is returned when a field declared base64-encoded
// does not decode.
var ErrInvalidEncoding = errors.New("invalid base64 encoding")

// ValidationError carries either per-field messages or a single
// free-form message for requests that are well-formed but unprocessable.
type ValidationError struct {
	Fields map[string][]string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return strings.Join(parts, ", ")
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: {message}}}
}

// Submission is the persisted record of one execution request and, once
// judged, its outcome.
type Submission struct {
	ID         int64
	Token      string
	SourceCode string
	LanguageID int64

	Stdin          string
	ExpectedOutput *string

	Limits config.Limits

	NumberOfRuns    int
	CompilerOptions string
	CommandLineArgs string
	RedirectStderr  bool
	EnableNetwork   bool
	CallbackURL     string

	AdditionalFiles []execute.AdditionalFile
	TestCases       []execute.TestCase

	StatusID int

	Stdout        *string
	Stderr        *string
	CompileOutput *string
	Message       *string
	ExitCode      *int
	ExitSignal    *int

	TimeMillis     *int64
	WallTimeMillis *int64
	MemoryKB       *int64

	ExecutionHost *string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Clone returns a deep copy so callers can hand submissions across
// goroutines without sharing pointer fields.
func (s *Submission) Clone() *Submission {
	out := *s
	out.ExpectedOutput = clonePtr(s.ExpectedOutput)
	out.Stdout = clonePtr(s.Stdout)
	out.Stderr = clonePtr(s.Stderr)
	out.CompileOutput = clonePtr(s.CompileOutput)
	out.Message = clonePtr(s.Message)
	out.ExitCode = clonePtr(s.ExitCode)
	out.ExitSignal = clonePtr(s.ExitSignal)
	out.TimeMillis = clonePtr(s.TimeMillis)
	out.WallTimeMillis = clonePtr(s.WallTimeMillis)
	out.MemoryKB = clonePtr(s.MemoryKB)
	out.ExecutionHost = clonePtr(s.ExecutionHost)
	out.StartedAt = clonePtr(s.StartedAt)
	out.FinishedAt = clonePtr(s.FinishedAt)

	if s.AdditionalFiles != nil {
		out.AdditionalFiles = make([]execute.AdditionalFile, len(s.AdditionalFiles))
		copy(out.AdditionalFiles, s.AdditionalFiles)
	}
	if s.TestCases != nil {
		out.TestCases = make([]execute.TestCase, len(s.TestCases))
		copy(out.TestCases, s.TestCases)
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RunRecord is one append-only entry in the submission's execution
// history: every individual run, including failed compile attempts,
// leaves a record.
type RunRecord struct {
	ID           int64
	SubmissionID int64
	StatusID     int
	Stdout       *string
	Stderr       *string
	ExitCode     *int
	TimeMillis   *int64
	MemoryKB     *int64
	CreatedAt    time.Time
}
