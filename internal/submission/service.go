package submission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/execute"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/queue"
)

// Service validates incoming submissions, persists them and hands jobs
// to the queue. It is the only writer of the queued state.
type Service struct {
	store    Store
	pub      queue.Publisher
	langs    *language.Registry
	cfg      config.Config
	log      *slog.Logger
	onCreate func(token string)
}

func NewService(store Store, pub queue.Publisher, langs *language.Registry, cfg config.Config, log *slog.Logger) *Service {
	return &Service{
		store: store,
		pub:   pub,
		langs: langs,
		cfg:   cfg,
		log:   log.With(slog.String("component", "submission-service")),
	}
}

// OnCreate registers a hook invoked with the token of every newly
// queued submission. The combined binary uses it to attach a terminal
// follower per submission.
func (s *Service) OnCreate(fn func(token string)) {
	s.onCreate = fn
}

// Create validates the request, persists the submission in the queued
// state and publishes its job. The returned submission carries the token
// the client polls with.
func (s *Service) Create(ctx context.Context, req api.CreateSubmissionRequest, base64Encoded bool) (*Submission, error) {
	sub, err := s.buildSubmission(req, base64Encoded)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to persist submission: %w", err)
	}

	if err := s.pub.Publish(ctx, jobFromSubmission(sub)); err != nil {
		return nil, fmt.Errorf("failed to enqueue submission %s: %w", sub.Token, err)
	}

	if s.onCreate != nil {
		s.onCreate(sub.Token)
	}

	s.log.Info("submission queued",
		slog.String("token", sub.Token),
		slog.Int64("language_id", sub.LanguageID))
	return sub, nil
}

// BatchItem is one outcome of a batch create: a token or the error that
// rejected the item. Items fail independently.
type BatchItem struct {
	Token string
	Err   error
}

// CreateBatch creates up to cfg.BatchMaxSize submissions concurrently,
// preserving request order in the result.
func (s *Service) CreateBatch(ctx context.Context, reqs []api.CreateSubmissionRequest, base64Encoded bool) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Msg: "submissions list is empty"}
	}
	if len(reqs) > s.cfg.BatchMaxSize {
		return nil, &ValidationError{Msg: fmt.Sprintf("maximum batch size is %d", s.cfg.BatchMaxSize)}
	}

	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, req := range reqs {
		g.Go(func() error {
			sub, err := s.Create(gctx, req, base64Encoded)
			if err != nil {
				items[i] = BatchItem{Err: err}
				return nil
			}
			items[i] = BatchItem{Token: sub.Token}
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

// Get returns the submission as a field-projected map. fields is a
// comma-separated list, "*" selects every field and an empty list the
// default subset.
func (s *Service) Get(ctx context.Context, token, fields string, base64Encoded bool) (map[string]any, error) {
	sub, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.project(sub, fields, base64Encoded)
}

// GetBatch resolves each token independently; unknown tokens yield nil
// entries so the response keeps request order.
func (s *Service) GetBatch(ctx context.Context, tokens []string, fields string, base64Encoded bool) ([]map[string]any, error) {
	out := make([]map[string]any, len(tokens))
	for i, token := range tokens {
		view, err := s.Get(ctx, token, fields, base64Encoded)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[i] = view
	}
	return out, nil
}

// WaitForCompletion polls the store until the submission reaches a
// terminal status or the configured wait budget runs out. The last
// observed view is returned either way.
func (s *Service) WaitForCompletion(ctx context.Context, token string, base64Encoded bool) (map[string]any, error) {
	deadline := time.Now().Add(s.cfg.MaxWaitTime)
	for {
		sub, err := s.store.GetByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if api.IsTerminal(sub.StatusID) || time.Now().After(deadline) {
			return s.project(sub, "", base64Encoded)
		}
		select {
		case <-time.After(s.cfg.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// History returns the submission's append-only run records.
func (s *Service) History(ctx context.Context, token string) ([]RunRecord, error) {
	if _, err := s.store.GetByToken(ctx, token); err != nil {
		return nil, err
	}
	return s.store.ResultsByToken(ctx, token)
}

// StatusOf returns the submission's current status id.
func (s *Service) StatusOf(ctx context.Context, token string) (int, error) {
	sub, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return 0, err
	}
	return sub.StatusID, nil
}

// Exists reports whether a submission with the token exists.
func (s *Service) Exists(ctx context.Context, token string) bool {
	_, err := s.store.GetByToken(ctx, token)
	return err == nil
}

func (s *Service) buildSubmission(req api.CreateSubmissionRequest, base64Encoded bool) (*Submission, error) {
	fields := map[string][]string{}
	if strings.TrimSpace(req.SourceCode) == "" {
		fields["source_code"] = append(fields["source_code"], "can't be blank")
	}
	if req.LanguageID == 0 {
		fields["language_id"] = append(fields["language_id"], "can't be blank")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	if _, ok := s.langs.ByID(req.LanguageID); !ok {
		return nil, fieldError("language_id", fmt.Sprintf("language with id %d doesn't exist", req.LanguageID))
	}

	sourceCode := req.SourceCode
	stdin := strFromPtr(req.Stdin)
	expected := req.ExpectedOutput
	if base64Encoded {
		var err error
		if sourceCode, err = decodeBase64(sourceCode); err != nil {
			return nil, ErrInvalidEncoding
		}
		if stdin, err = decodeBase64(stdin); err != nil {
			return nil, ErrInvalidEncoding
		}
		if expected != nil {
			decoded, err := decodeBase64(*expected)
			if err != nil {
				return nil, ErrInvalidEncoding
			}
			expected = &decoded
		}
	}

	files, err := parseAdditionalFiles(strFromPtr(req.AdditionalFiles))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := execute.ValidatePath(f.Path); err != nil {
			return nil, fieldError("additional_files", err.Error())
		}
	}

	cases, err := parseTestCases(req.TestCases, base64Encoded)
	if err != nil {
		return nil, err
	}
	if len(cases) > 0 && (stdin != "" || expected != nil) {
		return nil, fieldError("test_cases", "mutually exclusive with stdin and expected_output")
	}

	callbackURL := strFromPtr(req.CallbackURL)
	if callbackURL != "" {
		parsed, err := url.Parse(callbackURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fieldError("callback_url", "must be a valid http(s) URL")
		}
	}

	limits, err := s.resolveLimits(req)
	if err != nil {
		return nil, err
	}

	numberOfRuns := s.cfg.NumberOfRuns
	if req.NumberOfRuns != nil {
		if *req.NumberOfRuns < 1 || *req.NumberOfRuns > 20 {
			return nil, fieldError("number_of_runs", "must be between 1 and 20")
		}
		numberOfRuns = *req.NumberOfRuns
	}

	return &Submission{
		Token:           uuid.NewString(),
		SourceCode:      sourceCode,
		LanguageID:      req.LanguageID,
		Stdin:           stdin,
		ExpectedOutput:  expected,
		Limits:          limits,
		NumberOfRuns:    numberOfRuns,
		CompilerOptions: strFromPtr(req.CompilerOptions),
		CommandLineArgs: strFromPtr(req.CommandLineArgs),
		RedirectStderr:  boolFromPtr(req.RedirectStderr),
		EnableNetwork:   boolFromPtr(req.EnableNetwork),
		CallbackURL:     callbackURL,
		AdditionalFiles: files,
		TestCases:       cases,
		StatusID:        api.StatusInQueue,
		CreatedAt:       time.Now(),
	}, nil
}

func (s *Service) resolveLimits(req api.CreateSubmissionRequest) (config.Limits, error) {
	limits := s.cfg.DefaultLimits

	setFloat := func(field string, dst *float64, src *float64) error {
		if src == nil {
			return nil
		}
		if *src <= 0 {
			return fieldError(field, "must be positive")
		}
		*dst = *src
		return nil
	}
	setInt := func(field string, dst *int64, src *int64) error {
		if src == nil {
			return nil
		}
		if *src <= 0 {
			return fieldError(field, "must be positive")
		}
		*dst = *src
		return nil
	}

	if err := setFloat("cpu_time_limit", &limits.CPUTimeLimit, req.CPUTimeLimit); err != nil {
		return limits, err
	}
	if err := setFloat("cpu_extra_time", &limits.CPUExtraTime, req.CPUExtraTime); err != nil {
		return limits, err
	}
	if err := setFloat("wall_time_limit", &limits.WallTimeLimit, req.WallTimeLimit); err != nil {
		return limits, err
	}
	if err := setInt("memory_limit", &limits.MemoryLimit, req.MemoryLimit); err != nil {
		return limits, err
	}
	if err := setInt("stack_limit", &limits.StackLimit, req.StackLimit); err != nil {
		return limits, err
	}
	if err := setInt("max_file_size", &limits.MaxFileSize, req.MaxFileSize); err != nil {
		return limits, err
	}
	if req.MaxProcesses != nil {
		if *req.MaxProcesses <= 0 {
			return limits, fieldError("max_processes_and_or_threads", "must be positive")
		}
		limits.MaxProcesses = *req.MaxProcesses
	}
	if req.PerProcessTime != nil {
		limits.PerProcTime = *req.PerProcessTime
	}
	if req.PerProcessMem != nil {
		limits.PerProcMem = *req.PerProcessMem
	}

	if limits.WallTimeLimit < limits.CPUTimeLimit {
		return limits, fieldError("wall_time_limit", "can't be smaller than cpu_time_limit")
	}
	return limits, nil
}

// additionalFileEntry is one element of the base64-wrapped JSON array
// carried in additional_files. Content is itself base64.
type additionalFileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func parseAdditionalFiles(encoded string) ([]execute.AdditionalFile, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fieldError("additional_files", "invalid base64 encoding")
	}
	var entries []additionalFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fieldError("additional_files", "must be a base64-encoded JSON array of {path, content}")
	}
	files := make([]execute.AdditionalFile, 0, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			return nil, fieldError("additional_files", "every file needs a path")
		}
		content, err := base64.StdEncoding.DecodeString(e.Content)
		if err != nil {
			return nil, fieldError("additional_files", fmt.Sprintf("content of %s is not valid base64", e.Path))
		}
		files = append(files, execute.AdditionalFile{Path: e.Path, Content: content})
	}
	return files, nil
}

func parseTestCases(reqs []api.TestCaseRequest, base64Encoded bool) ([]execute.TestCase, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	cases := make([]execute.TestCase, 0, len(reqs))
	for i, tc := range reqs {
		stdin := tc.Stdin
		expected := tc.ExpectedOutput
		if base64Encoded {
			var err error
			if stdin, err = decodeBase64(stdin); err != nil {
				return nil, fieldError("test_cases", fmt.Sprintf("case %d stdin is not valid base64", i))
			}
			if expected, err = decodeBase64(expected); err != nil {
				return nil, fieldError("test_cases", fmt.Sprintf("case %d expected_output is not valid base64", i))
			}
		}
		cases = append(cases, execute.TestCase{Stdin: stdin, ExpectedOutput: expected})
	}
	return cases, nil
}

func jobFromSubmission(sub *Submission) queue.Job {
	return queue.Job{
		SubmissionID:    sub.ID,
		Token:           sub.Token,
		LanguageID:      sub.LanguageID,
		SourceCode:      sub.SourceCode,
		Stdin:           sub.Stdin,
		ExpectedOutput:  sub.ExpectedOutput,
		Limits:          sub.Limits,
		NumberOfRuns:    sub.NumberOfRuns,
		CompilerOptions: sub.CompilerOptions,
		CommandLineArgs: sub.CommandLineArgs,
		RedirectStderr:  sub.RedirectStderr,
		EnableNetwork:   sub.EnableNetwork,
		CallbackURL:     sub.CallbackURL,
		AdditionalFiles: sub.AdditionalFiles,
		TestCases:       sub.TestCases,
	}
}

func decodeBase64(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func strFromPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolFromPtr(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
