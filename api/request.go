package api

// CreateSubmissionRequest is the body of POST /submissions. All limit and
// option fields are optional and fall back to the server's configured
// defaults.
type CreateSubmissionRequest struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int64   `json:"language_id"`
	Stdin          *string `json:"stdin"`
	ExpectedOutput *string `json:"expected_output"`

	NumberOfRuns    *int     `json:"number_of_runs"`
	CPUTimeLimit    *float64 `json:"cpu_time_limit"`
	CPUExtraTime    *float64 `json:"cpu_extra_time"`
	WallTimeLimit   *float64 `json:"wall_time_limit"`
	MemoryLimit     *int64   `json:"memory_limit"`
	StackLimit      *int64   `json:"stack_limit"`
	MaxProcesses    *int     `json:"max_processes_and_or_threads"`
	PerProcessTime  *bool    `json:"enable_per_process_and_thread_time_limit"`
	PerProcessMem   *bool    `json:"enable_per_process_and_thread_memory_limit"`
	MaxFileSize     *int64   `json:"max_file_size"`
	CompilerOptions *string  `json:"compiler_options"`
	CommandLineArgs *string  `json:"command_line_arguments"`
	RedirectStderr  *bool    `json:"redirect_stderr_to_stdout"`
	CallbackURL     *string  `json:"callback_url"`
	// AdditionalFiles is a base64-encoded JSON array of {path, content}
	// or {path, content_base64} objects.
	AdditionalFiles *string `json:"additional_files"`
	EnableNetwork   *bool   `json:"enable_network"`

	// TestCases switches the submission into batch-per-submission mode:
	// the program runs once per case and each case is judged against its
	// own expected output. Mutually exclusive with stdin/expected_output.
	TestCases []TestCaseRequest `json:"test_cases"`
}

type TestCaseRequest struct {
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
}

// BatchCreateRequest is the body of POST /submissions/batch.
type BatchCreateRequest struct {
	Submissions []CreateSubmissionRequest `json:"submissions"`
}
