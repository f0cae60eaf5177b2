package api

// TokenResponse acknowledges an accepted submission.
type TokenResponse struct {
	Token string `json:"token"`
}

// LanguageInfo is the public view of a language row.
type LanguageInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ErrorResponse is the uniform body for unhandled server errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// BatchGetResponse wraps GET /submissions/batch results; each entry is
// either a projected submission or {token, error}.
type BatchGetResponse struct {
	Submissions []map[string]any `json:"submissions"`
}
