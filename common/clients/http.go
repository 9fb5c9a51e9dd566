package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware helpers
// It automatically extracts metadata from context and adds appropriate headers
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata from context
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if userID, ok := GetUserID(ctx); ok {
		req.Header.Set("X-User-ID", userID)
	}
	if token, ok := GetLockToken(ctx); ok {
		req.Header.Set("X-Lock-Token", token)
	}
	if key, ok := GetProviderKey(ctx); ok {
		req.Header.Set("X-Provider-Key", key)
	}

	c.logger.Debug("http request", "method", method, "url", url)
	return c.client.Do(req)
}

// DoJSON sends in (when non-nil) as JSON and decodes a 2xx response into out
// (when non-nil). Other statuses come back as *APIError.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.DoRequest(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx reply from a canvas service
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed: status=%d, error=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed: status=%d, error=%s", e.Status, e.Code)
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var body map[string]interface{}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Body = body
		apiErr.Code, _ = body["error"].(string)
		apiErr.Message, _ = body["message"].(string)
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(raw)
	}
	return apiErr
}
