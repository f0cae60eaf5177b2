// Package callback notifies external services of finished submissions.
// Delivery is a single PUT, fire and forget: a failing receiver never
// affects the submission's stored result and is never retried.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

type Client struct {
	http *http.Client
	log  *slog.Logger
}

func NewClient(log *slog.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: requestTimeout},
		log:  log.With(slog.String("component", "callback")),
	}
}

// Notify PUTs the payload to the submission's callback URL. Errors are
// logged, not returned: the caller has nothing useful to do with them.
func (c *Client) Notify(ctx context.Context, url, token string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("failed to marshal callback payload",
			slog.String("token", token), slog.Any("error", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		c.log.Error("failed to build callback request",
			slog.String("token", token), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("callback delivery failed",
			slog.String("token", token), slog.String("url", url), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.log.Warn("callback rejected",
			slog.String("token", token),
			slog.String("url", url),
			slog.String("status", fmt.Sprintf("%d", resp.StatusCode)))
		return
	}
	c.log.Info("callback delivered", slog.String("token", token), slog.String("url", url))
}
