// Package queue moves submission jobs from the API to workers. Three
// backends share one contract: an in-process channel for single-node
// deployments, NATS JetStream and AWS SQS for distributed ones.
package queue

import (
	"context"

	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/execute"
)

// Job is the full execution snapshot of one submission. Workers judge
// from the job alone and only touch the store for state transitions, so
// the payload carries everything the orchestrator needs.
type Job struct {
	SubmissionID int64  `json:"submission_id"`
	Token        string `json:"token"`
	LanguageID   int64  `json:"language_id"`
	SourceCode   string `json:"source_code"`

	Stdin          string  `json:"stdin,omitempty"`
	ExpectedOutput *string `json:"expected_output,omitempty"`

	Limits config.Limits `json:"limits"`

	NumberOfRuns    int    `json:"number_of_runs"`
	CompilerOptions string `json:"compiler_options,omitempty"`
	CommandLineArgs string `json:"command_line_arguments,omitempty"`
	RedirectStderr  bool   `json:"redirect_stderr_to_stdout,omitempty"`
	EnableNetwork   bool   `json:"enable_network,omitempty"`
	CallbackURL     string `json:"callback_url,omitempty"`

	AdditionalFiles []execute.AdditionalFile `json:"additional_files,omitempty"`
	TestCases       []execute.TestCase       `json:"test_cases,omitempty"`
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Delivery is one received job plus its acknowledgement handles. Ack
// removes the job from the backend; Nak asks for redelivery.
type Delivery struct {
	Job Job
	Ack func() error
	Nak func() error
}

// Consumer receives jobs. Receive blocks until at least one job is
// available or ctx is done.
type Consumer interface {
	Receive(ctx context.Context) ([]Delivery, error)
	Close() error
}
