package submission

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/language"
)

// Default projection of a submission read: outcome fields only, request
// fields on demand.
var defaultFields = []string{
	"token", "status", "stdout", "stderr", "compile_output", "message", "time", "memory",
}

var allFields = []string{
	"token", "source_code", "language_id", "language", "stdin", "expected_output",
	"stdout", "stderr", "compile_output", "message", "status", "status_id",
	"exit_code", "exit_signal", "time", "wall_time", "memory",
	"number_of_runs", "callback_url", "execution_host",
	"created_at", "started_at", "finished_at",
}

// base64Fields are the text fields re-encoded when the client asks for
// base64 output.
var base64Fields = map[string]bool{
	"source_code":     true,
	"stdin":           true,
	"expected_output": true,
	"stdout":          true,
	"stderr":          true,
	"compile_output":  true,
}

// project renders the submission as an ordered-key map honoring the
// fields parameter. Without base64 encoding, output fields that are not
// valid UTF-8 are rejected rather than silently mangled.
func (s *Service) project(sub *Submission, fields string, base64Encoded bool) (map[string]any, error) {
	selected := defaultFields
	switch strings.TrimSpace(fields) {
	case "":
	case "*":
		selected = allFields
	default:
		selected = nil
		known := map[string]bool{}
		for _, f := range allFields {
			known[f] = true
		}
		for _, f := range strings.Split(fields, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if !known[f] {
				return nil, &ValidationError{Msg: fmt.Sprintf("unknown field %q", f)}
			}
			selected = append(selected, f)
		}
		if len(selected) == 0 {
			selected = defaultFields
		}
	}

	if !base64Encoded {
		for _, f := range selected {
			if !base64Fields[f] {
				continue
			}
			if value := s.rawField(sub, f); value != nil && !utf8.ValidString(*value) {
				return nil, &ValidationError{
					Msg: "some attributes for this submission cannot be converted to UTF-8, use base64_encoded=true query parameter",
				}
			}
		}
	}

	view := make(map[string]any, len(selected))
	for _, f := range selected {
		view[f] = s.fieldValue(sub, f, base64Encoded)
	}
	return view, nil
}

func (s *Service) rawField(sub *Submission, field string) *string {
	switch field {
	case "source_code":
		return &sub.SourceCode
	case "stdin":
		return &sub.Stdin
	case "expected_output":
		return sub.ExpectedOutput
	case "stdout":
		return sub.Stdout
	case "stderr":
		return sub.Stderr
	case "compile_output":
		return sub.CompileOutput
	}
	return nil
}

func (s *Service) fieldValue(sub *Submission, field string, base64Encoded bool) any {
	if base64Fields[field] {
		value := s.rawField(sub, field)
		if value == nil {
			return nil
		}
		if base64Encoded {
			return base64.StdEncoding.EncodeToString([]byte(*value))
		}
		return *value
	}

	switch field {
	case "token":
		return sub.Token
	case "language_id":
		return sub.LanguageID
	case "language":
		return languageView(s.langs, sub.LanguageID)
	case "message":
		return sub.Message
	case "status":
		return statusView(sub.StatusID)
	case "status_id":
		return sub.StatusID
	case "exit_code":
		return sub.ExitCode
	case "exit_signal":
		return sub.ExitSignal
	case "time":
		return secondsString(sub.TimeMillis)
	case "wall_time":
		return secondsString(sub.WallTimeMillis)
	case "memory":
		return sub.MemoryKB
	case "number_of_runs":
		return sub.NumberOfRuns
	case "callback_url":
		return sub.CallbackURL
	case "execution_host":
		return sub.ExecutionHost
	case "created_at":
		return sub.CreatedAt.UTC().Format(time.RFC3339Nano)
	case "started_at":
		return timeString(sub.StartedAt)
	case "finished_at":
		return timeString(sub.FinishedAt)
	}
	return nil
}

// TerminalView is the fixed payload delivered to callback URLs on
// terminal transitions.
func TerminalView(sub *Submission, langs *language.Registry) map[string]any {
	return map[string]any{
		"token":          sub.Token,
		"status":         statusView(sub.StatusID),
		"language":       languageView(langs, sub.LanguageID),
		"stdout":         sub.Stdout,
		"stderr":         sub.Stderr,
		"compile_output": sub.CompileOutput,
		"message":        sub.Message,
		"exit_code":      sub.ExitCode,
		"exit_signal":    sub.ExitSignal,
		"time":           secondsString(sub.TimeMillis),
		"memory":         sub.MemoryKB,
	}
}

func languageView(langs *language.Registry, id int64) map[string]any {
	lang, ok := langs.ByID(id)
	if !ok {
		return map[string]any{"id": id}
	}
	return map[string]any{"id": lang.ID, "name": lang.Name}
}

func statusView(id int) map[string]any {
	status, ok := api.StatusByID(id)
	if !ok {
		return map[string]any{"id": id}
	}
	return map[string]any{"id": status.ID, "description": status.Name}
}

func secondsString(ms *int64) *string {
	if ms == nil {
		return nil
	}
	s := fmt.Sprintf("%.3f", float64(*ms)/1000.0)
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
