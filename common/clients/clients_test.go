package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

func TestCanvasClient_RunNodeSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/canvases/c1/nodes/n%201/run", r.URL.EscapedPath())
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		assert.Equal(t, "tok", r.Header.Get("X-Lock-Token"))
		assert.Equal(t, "sk-1", r.Header.Get("X-Provider-Key"))

		var body RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fast", body.Context["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"task": models.Task{ID: "t1", CanvasID: "c1", NodeID: "n 1", Status: models.TaskQueued},
		})
	}))
	defer srv.Close()

	c := NewCanvasClient(srv.URL+"/", time.Second, &testLogger{t})
	ctx := WithProviderKey(WithLockToken(WithUserID(context.Background(), "u1"), "tok"), "sk-1")

	task, err := c.RunNode(ctx, "c1", "n 1", RunRequest{Context: map[string]string{"model": "fast"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, models.TaskQueued, task.Status)
}

func TestCanvasClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"node_busy","message":"node n1 is busy","task_id":"t0"}`))
	}))
	defer srv.Close()

	c := NewCanvasClient(srv.URL, time.Second, &testLogger{t})
	_, err := c.RunNode(context.Background(), "c1", "n1", RunRequest{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "node_busy", apiErr.Code)
	assert.Equal(t, "t0", apiErr.Body["task_id"])
}

func TestCanvasClient_ReleaseLockNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCanvasClient(srv.URL, time.Second, &testLogger{t})
	assert.NoError(t, c.ReleaseLock(context.Background(), "c1", true))
}

func TestWebhookImageProvider(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-1", r.Header.Get("X-Provider-Key"))

		var body imageWebhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a cat", body.Prompt)

		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"images":["img://1","img://2"]}`))
		}
	}))
	defer srv.Close()

	p := NewWebhookImageProvider(srv.URL, time.Second, &testLogger{t})
	req := processor.ImageRequest{Prompt: "a cat", Count: 2, APIKey: "sk-1"}

	resp, err := p.GenerateImages(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"img://1", "img://2"}, resp.Images)

	status.Store(http.StatusServiceUnavailable)
	_, err = p.GenerateImages(context.Background(), req)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = p.GenerateImages(context.Background(), req)
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
}

func TestWebhookImageProvider_RejectsInternalReference(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()

	p := NewWebhookImageProvider(srv.URL, time.Second, &testLogger{t})
	_, err := p.GenerateImages(context.Background(), processor.ImageRequest{
		Prompt:         "a cat",
		ReferenceImage: "http://169.254.169.254/latest/meta-data",
		Count:          1,
	})
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
	assert.Zero(t, calls.Load())
}

func TestReadClientConfig(t *testing.T) {
	t.Setenv("CANVAS_SERVER_URL", "http://canvas.test:9000")
	t.Setenv("CLIENT_TIMEOUT_SECONDS", "5")

	cfg := readClientConfig()
	assert.Equal(t, "http://canvas.test:9000", cfg.CanvasServerURL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Empty(t, cfg.ImageWebhookURL)
}
