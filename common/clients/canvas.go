package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/models"
)

// CanvasClient handles communication with the canvas API
// It uses context to pass the caller id, lease token and provider key
type CanvasClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewCanvasClient creates a new canvas API client
func NewCanvasClient(baseURL string, timeout time.Duration, logger Logger) *CanvasClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CanvasClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(&http.Client{Timeout: timeout}, logger),
		logger:  logger,
	}
}

func (c *CanvasClient) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/api/v1/" + strings.Join(escaped, "/")
}

// RunRequest is the body of a node run request
type RunRequest struct {
	Context map[string]string `json:"context,omitempty"`
}

// PatchRequest is the body of a patch submission
type PatchRequest struct {
	ID          string             `json:"id,omitempty"`
	Operations  []models.Operation `json:"operations" yaml:"operations"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Source      models.PatchSource `json:"source,omitempty" yaml:"source"`
}

// PatchResponse is returned once a patch is committed
type PatchResponse struct {
	Patch   *models.Patch `json:"patch"`
	Version int64         `json:"version"`
}

// LockStatus describes who holds a canvas
type LockStatus struct {
	Locked bool        `json:"locked"`
	Lease  *lock.Lease `json:"lease,omitempty"`
}

// GetCanvas fetches the current canvas state
func (c *CanvasClient) GetCanvas(ctx context.Context, canvasID string) (*models.CanvasEntities, error) {
	var out models.CanvasEntities
	if err := c.http.DoJSON(ctx, http.MethodGet, c.url("canvases", canvasID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutCanvas creates or replaces a canvas wholesale
func (c *CanvasClient) PutCanvas(ctx context.Context, canvasID string, entities *models.CanvasEntities) (*models.CanvasEntities, error) {
	var out models.CanvasEntities
	if err := c.http.DoJSON(ctx, http.MethodPut, c.url("canvases", canvasID), entities, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunNode queues a run of one node
// Requires: ctx with UserID set via WithUserID()
func (c *CanvasClient) RunNode(ctx context.Context, canvasID, nodeID string, req RunRequest) (*models.Task, error) {
	c.logger.Info("requesting node run", "canvas_id", canvasID, "node_id", nodeID)

	var out struct {
		Task *models.Task `json:"task"`
	}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.url("canvases", canvasID, "nodes", nodeID, "run"), req, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// SelectOutput changes which generation of a node downstream nodes see
func (c *CanvasClient) SelectOutput(ctx context.Context, canvasID, nodeID string, index int) (*models.NodeResult, error) {
	var out struct {
		Result *models.NodeResult `json:"result"`
	}
	body := map[string]int{"index": index}
	if err := c.http.DoJSON(ctx, http.MethodPut, c.url("canvases", canvasID, "nodes", nodeID, "selection"), body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// GetTask fetches a task
func (c *CanvasClient) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out struct {
		Task *models.Task `json:"task"`
	}
	if err := c.http.DoJSON(ctx, http.MethodGet, c.url("tasks", taskID), nil, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// CancelTask aborts a queued or running task
func (c *CanvasClient) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out struct {
		Task *models.Task `json:"task"`
	}
	if err := c.http.DoJSON(ctx, http.MethodDelete, c.url("tasks", taskID), nil, &out); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// ApplyPatch submits a structural patch
func (c *CanvasClient) ApplyPatch(ctx context.Context, canvasID string, req PatchRequest) (*PatchResponse, error) {
	c.logger.Info("submitting patch", "canvas_id", canvasID, "operations", len(req.Operations))

	var out PatchResponse
	if err := c.http.DoJSON(ctx, http.MethodPost, c.url("canvases", canvasID, "patches"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPatches lists committed patches with seq greater than after
func (c *CanvasClient) ListPatches(ctx context.Context, canvasID string, after int64, limit int) ([]*models.Patch, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Patches []*models.Patch `json:"patches"`
	}
	if err := c.http.DoJSON(ctx, http.MethodGet, c.url("canvases", canvasID, "patches")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Patches, nil
}

// GetPatch fetches one committed patch
func (c *CanvasClient) GetPatch(ctx context.Context, canvasID, patchID string) (*models.Patch, error) {
	var out struct {
		Patch *models.Patch `json:"patch"`
	}
	if err := c.http.DoJSON(ctx, http.MethodGet, c.url("canvases", canvasID, "patches", patchID), nil, &out); err != nil {
		return nil, err
	}
	return out.Patch, nil
}

// AcquireLock takes the canvas lease for holder
func (c *CanvasClient) AcquireLock(ctx context.Context, canvasID, holder string, ttl time.Duration) (*lock.Lease, error) {
	body := map[string]interface{}{"holder": holder}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}

	var out struct {
		Lease *lock.Lease `json:"lease"`
	}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.url("canvases", canvasID, "lock"), body, &out); err != nil {
		return nil, err
	}
	return out.Lease, nil
}

// RenewLock extends the lease named by the token in ctx
func (c *CanvasClient) RenewLock(ctx context.Context, canvasID string, ttl time.Duration) (*lock.Lease, error) {
	body := map[string]interface{}{}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}

	var out struct {
		Lease *lock.Lease `json:"lease"`
	}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.url("canvases", canvasID, "lock", "renew"), body, &out); err != nil {
		return nil, err
	}
	return out.Lease, nil
}

// ReleaseLock drops the lease named by the token in ctx. force releases
// whatever lease is held.
func (c *CanvasClient) ReleaseLock(ctx context.Context, canvasID string, force bool) error {
	u := c.url("canvases", canvasID, "lock")
	if force {
		u += "?force=true"
	}
	return c.http.DoJSON(ctx, http.MethodDelete, u, nil, nil)
}

// LockStatus reports who holds the canvas
func (c *CanvasClient) LockStatus(ctx context.Context, canvasID string) (*LockStatus, error) {
	var out LockStatus
	if err := c.http.DoJSON(ctx, http.MethodGet, c.url("canvases", canvasID, "lock"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server answers
func (c *CanvasClient) Health(ctx context.Context) error {
	if err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/health", nil, nil); err != nil {
		return fmt.Errorf("canvas server unhealthy: %w", err)
	}
	return nil
}
