package callback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifySendsPutWithJSONBody(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	testClient().Notify(context.Background(), srv.URL, "tok", map[string]any{"token": "tok"})

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "tok", gotBody["token"])
}

func TestNotifySwallowsReceiverErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	testClient().Notify(context.Background(), srv.URL, "tok", map[string]any{})

	// One attempt, no retry.
	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifySwallowsUnreachableHost(t *testing.T) {
	assert.NotPanics(t, func() {
		testClient().Notify(context.Background(), "http://127.0.0.1:1/nope", "tok", map[string]any{})
	})
}
