package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/container"
	"github.com/lyzr/canvasgraph/common/bootstrap"
	"github.com/lyzr/canvasgraph/common/config"
	"github.com/lyzr/canvasgraph/common/logger"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/patch"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type server struct {
	t *testing.T
	e *echo.Echo
	c *container.Container
}

func newServer(t *testing.T) *server {
	t.Helper()

	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "canvas-server-test"},
		Store:   config.StoreConfig{Driver: "memory"},
		Queue: config.QueueConfig{
			Workers:     2,
			Buffer:      8,
			MaxAttempts: 1,
			TaskTimeout: 5 * time.Second,
		},
		Lock: config.LockConfig{DefaultTTL: time.Minute},
	}
	components := &bootstrap.Components{Config: cfg, Logger: logger.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := container.NewContainer(ctx, components,
		container.WithImageProvider(&processor.StaticImageProvider{Images: []string{"img"}}))
	require.NoError(t, err)
	c.Queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Queue.Stop()
		_ = c.Close()
	})

	e := echo.New()
	RegisterCanvasRoutes(e, c)
	RegisterLockRoutes(e, c)
	RegisterTaskRoutes(e, c)

	s := &server{t: t, e: e, c: c}
	rec := s.do(http.MethodPut, "/api/v1/canvases/c1", canvasJSON(t, c.Registry), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return s
}

func (s *server) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-User-ID", "u1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func canvasJSON(t *testing.T, reg *processor.Registry) string {
	t.Helper()
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1", Name: "test"}}
	add := func(id, nodeType string, cfg map[string]interface{}) {
		def, ok := reg.Definition(nodeType)
		require.True(t, ok)
		e.Nodes = append(e.Nodes, &models.Node{ID: id, CanvasID: "c1", Type: nodeType, Config: cfg})
		for _, hs := range def.Handles {
			e.Handles = append(e.Handles, &models.Handle{
				ID: id + "-" + hs.Key, CanvasID: "c1", NodeID: id, Key: hs.Key,
				Direction: hs.Direction, DataTypes: hs.DataTypes, Order: hs.Order, Required: hs.Required,
			})
		}
	}
	add("n1", processor.TypeText, map[string]interface{}{"content": "hello"})
	add("n2", processor.TypeTextMerger, map[string]interface{}{})
	e.Edges = append(e.Edges, &models.Edge{
		ID: "e1", CanvasID: "c1",
		SourceNodeID: "n1", SourceHandleID: "n1-text",
		TargetNodeID: "n2", TargetHandleID: "n2-text-1",
	})

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return string(raw)
}

func patchBody(t *testing.T, id string, ops ...models.Operation) string {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"id": id, "operations": ops})
	require.NoError(t, err)
	return string(raw)
}

func TestGetCanvas(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/v1/canvases/c1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "c1", gjson.Get(body, "canvas.id").String())
	assert.Equal(t, "u1", gjson.Get(body, "canvas.user_id").String())
	assert.Equal(t, int64(2), gjson.Get(body, "nodes.#").Int())

	rec = s.do(http.MethodGet, "/api/v1/canvases/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", gjson.Get(rec.Body.String(), "error").String())
}

func TestPutCanvas_MismatchedID(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPut, "/api/v1/canvases/other", `{"canvas":{"id":"c1"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunNode_WaitReturnsFinishedTask(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run?wait=true&timeout_seconds=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", gjson.Get(rec.Body.String(), "task.status").String())

	taskID := gjson.Get(rec.Body.String(), "task.id").String()
	rec = s.do(http.MethodGet, "/api/v1/tasks/"+taskID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", gjson.Get(rec.Body.String(), "task.status").String())

	rec = s.do(http.MethodDelete, "/api/v1/tasks/"+taskID, "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "task_finished", gjson.Get(rec.Body.String(), "error").String())

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1", "", nil)
	assert.Equal(t, "hello", gjson.Get(rec.Body.String(), `nodes.#(id=="n1").result.outputs.0.items.0.data`).String())
}

func TestRunNode_Async(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run", `{"context":{"source":"test"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	taskID := gjson.Get(rec.Body.String(), "task.id").String()
	require.NotEmpty(t, taskID)

	_, err := s.c.Queue.Await(context.Background(), taskID)
	require.NoError(t, err)
}

func TestRunNode_Errors(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/missing/run", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run?wait=true&timeout_seconds=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockLifecycle(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/lock", `{"holder":"agent-1","ttl_seconds":60}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := gjson.Get(rec.Body.String(), "lease.token").String()
	require.NotEmpty(t, token)

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/lock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "locked").Bool())
	assert.Equal(t, "agent-1", gjson.Get(rec.Body.String(), "lease.holder").String())
	assert.Empty(t, gjson.Get(rec.Body.String(), "lease.token").String())

	// a second agent cannot take it
	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/lock", `{"holder":"agent-2"}`, nil)
	assert.Equal(t, http.StatusLocked, rec.Code)

	// users are locked out
	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run", "", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "canvas_locked", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, "agent-1", gjson.Get(rec.Body.String(), "holder").String())

	// the holder is not
	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run?wait=true", "", map[string]string{"X-Lock-Token": token})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/lock/renew", `{"ttl_seconds":120}`, map[string]string{"X-Lock-Token": token})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/canvases/c1/lock", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/canvases/c1/lock", "", map[string]string{"X-Lock-Token": token})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/lock", "", nil)
	assert.False(t, gjson.Get(rec.Body.String(), "locked").Bool())
}

func TestForceRelease(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/lock", `{"holder":"agent-1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodDelete, "/api/v1/canvases/c1/lock?force=true", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, s.c.Locks.IsLocked("c1"))
}

func TestApplyPatch(t *testing.T) {
	s := newServer(t)

	op, err := patch.SetConfig("n1", "content", "goodbye")
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/patches", patchBody(t, "p-1", op), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "version").Int())
	assert.Equal(t, "user", gjson.Get(rec.Body.String(), "patch.source").String())

	// same id replays
	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/patches", patchBody(t, "p-1", op), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/patches?after=0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/patches/p-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p-1", gjson.Get(rec.Body.String(), "patch.id").String())

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/patches?after=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyPatch_TestOnlyIsNoop(t *testing.T) {
	s := newServer(t)

	guard, err := patch.Test(patch.ConfigPath("n1", "content"), "hello")
	require.NoError(t, err)

	before := s.do(http.MethodGet, "/api/v1/canvases/c1", "", nil).Body.String()

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/patches", patchBody(t, "", guard), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "version").Int())

	after := s.do(http.MethodGet, "/api/v1/canvases/c1", "", nil).Body.String()
	assert.JSONEq(t, before, after)

	rec = s.do(http.MethodGet, "/api/v1/canvases/c1/patches?after=0", "", nil)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "count").Int())
}

func TestPutCanvas_IgnoresClientResultsAndVersion(t *testing.T) {
	s := newServer(t)

	body := s.do(http.MethodGet, "/api/v1/canvases/c1", "", nil).Body.String()
	var entities models.CanvasEntities
	require.NoError(t, json.Unmarshal([]byte(body), &entities))
	entities.Canvas.Version = 0
	entities.FindNode("n1").Result = models.NewNodeResult(models.OutputItem{
		Type: models.DataTypeText, Data: "forged", OutputHandleID: models.HandleRef("n1-text"),
	})
	raw, err := json.Marshal(entities)
	require.NoError(t, err)

	rec := s.do(http.MethodPut, "/api/v1/canvases/c1", string(raw), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "canvas.version").Int())
	assert.False(t, gjson.Get(rec.Body.String(), `nodes.#(id=="n1").result`).Exists())
}

func TestApplyPatch_Rejected(t *testing.T) {
	s := newServer(t)

	guard, err := patch.Test(patch.ConfigPath("n1", "content"), "stale")
	require.NoError(t, err)
	edit, err := patch.SetConfig("n1", "content", "x")
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/v1/canvases/c1/patches", patchBody(t, "", guard, edit), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "patch_rejected", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "index").Int())

	rec = s.do(http.MethodPost, "/api/v1/canvases/c1/patches", `{"operations":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectOutput(t *testing.T) {
	s := newServer(t)

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/api/v1/canvases/c1/nodes/n1/run?wait=true", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(http.MethodPut, "/api/v1/canvases/c1/nodes/n1/selection", `{"index":0}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "result.selected_output_index").Int())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "result.outputs.#").Int())

	rec = s.do(http.MethodPut, "/api/v1/canvases/c1/nodes/n1/selection", `{"index":9}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPut, "/api/v1/canvases/c1/nodes/n1/selection", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
