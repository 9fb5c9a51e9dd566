package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	var out, errBuf bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestParseContext(t *testing.T) {
	ctx, err := parseContext([]string{"a=1", "b=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, ctx)

	_, err = parseContext([]string{"novalue"})
	assert.Error(t, err)

	ctx, err = parseContext(nil)
	require.NoError(t, err)
	assert.Nil(t, ctx)
}

func TestLoadPatch_YAML(t *testing.T) {
	path := writeTestFile(t, "patch.yaml", `
description: reword
operations:
  - op: replace
    path: /nodes/n1/config/content
    value: goodbye
  - op: add
    path: /nodes/n1/config/style
    value:
      bold: true
`)
	req, err := loadPatch(path)
	require.NoError(t, err)
	assert.Equal(t, "reword", req.Description)
	require.Len(t, req.Operations, 2)
	assert.Equal(t, models.OpReplace, req.Operations[0].Op)
	assert.JSONEq(t, `"goodbye"`, string(req.Operations[0].Value))
	assert.JSONEq(t, `{"bold":true}`, string(req.Operations[1].Value))
}

func TestLoadPatch_Empty(t *testing.T) {
	path := writeTestFile(t, "patch.json", `{"operations":[]}`)
	_, err := loadPatch(path)
	assert.Error(t, err)
}

func TestPatchApply_SendsIdentity(t *testing.T) {
	var gotUser, gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/canvases/c1/patches", r.URL.Path)
		gotUser = r.Header.Get("X-User-ID")
		gotToken = r.Header.Get("X-Lock-Token")
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		writeJSON(w, http.StatusCreated, clients.PatchResponse{Patch: &models.Patch{ID: "p-9", Seq: 1}, Version: 4})
	}))
	defer srv.Close()

	path := writeTestFile(t, "patch.json", `{"operations":[{"op":"remove","path":"/edges/e1"}]}`)
	out, err := executeCommand("--server", srv.URL, "--user", "u1", "--lock-token", "tok",
		"patch", "apply", "c1", "-f", path, "--id", "p-9")
	require.NoError(t, err)

	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "p-9", gjson.Get(gotBody, "id").String())
	assert.Equal(t, int64(4), gjson.Get(out, "version").Int())
}

func TestRun_WaitPollsUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/canvases/c1/nodes/n1/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "prov", r.Header.Get("X-Provider-Key"))
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"task": models.Task{ID: "t1", CanvasID: "c1", NodeID: "n1", Status: models.TaskQueued},
		})
	})
	mux.HandleFunc("/api/v1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		status := models.TaskRunning
		if polls.Add(1) >= 2 {
			status = models.TaskCompleted
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task": models.Task{ID: "t1", CanvasID: "c1", NodeID: "n1", Status: status},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := executeCommand("--server", srv.URL, "--provider-key", "prov",
		"run", "c1", "n1", "--wait", "--timeout", "10s", "--context", "source=cli")
	require.NoError(t, err)
	assert.Equal(t, "completed", gjson.Get(out, "status").String())
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestLockStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"locked": false})
	}))
	defer srv.Close()

	out, err := executeCommand("--server", srv.URL, "lock", "status", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1 is unlocked\n", out)
}

func TestLockRelease_RequiresToken(t *testing.T) {
	_, err := executeCommand("--server", "http://127.0.0.1:1", "lock", "release", "c1")
	assert.ErrorContains(t, err, "--lock-token")
}

func TestServerErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusLocked, map[string]interface{}{"error": "canvas_locked", "message": "held by agent-1"})
	}))
	defer srv.Close()

	_, err := executeCommand("--server", srv.URL, "run", "c1", "n1")
	var apiErr *clients.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusLocked, apiErr.Status)
	assert.Equal(t, "canvas_locked", apiErr.Code)
}
