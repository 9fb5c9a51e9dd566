package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/lyzr/canvasgraph/common/validation"
)

// WebhookImageProvider forwards image generation to an HTTP backend.
// The backend receives the prompt as JSON and answers {"images": [...]}.
type WebhookImageProvider struct {
	url    string
	http   *HTTPClient
	media  *validation.MediaURLValidator
	logger Logger
}

// NewWebhookImageProvider creates a provider posting to url
func NewWebhookImageProvider(url string, timeout time.Duration, logger Logger) *WebhookImageProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &WebhookImageProvider{
		url:    url,
		http:   NewHTTPClient(&http.Client{Timeout: timeout}, logger),
		media:  validation.NewMediaURLValidator(),
		logger: logger,
	}
}

type imageWebhookRequest struct {
	Prompt         string            `json:"prompt"`
	ReferenceImage string            `json:"reference_image,omitempty"`
	Model          string            `json:"model,omitempty"`
	Count          int               `json:"count"`
	Options        map[string]string `json:"options,omitempty"`
}

type imageWebhookResponse struct {
	Images []string `json:"images"`
}

// GenerateImages implements processor.ImageProvider. Network failures,
// 429 and 5xx replies are transient; other errors are permanent.
func (p *WebhookImageProvider) GenerateImages(ctx context.Context, req processor.ImageRequest) (*processor.ImageResponse, error) {
	if req.ReferenceImage != "" {
		if err := p.media.Validate(req.ReferenceImage); err != nil {
			return nil, fmt.Errorf("reference image rejected: %w", err)
		}
	}

	raw, err := json.Marshal(imageWebhookRequest{
		Prompt:         req.Prompt,
		ReferenceImage: req.ReferenceImage,
		Model:          req.Model,
		Count:          req.Count,
		Options:        req.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image request: %w", err)
	}

	if req.APIKey != "" {
		ctx = WithProviderKey(ctx, req.APIKey)
	}

	start := time.Now()
	resp, err := p.http.DoRequest(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, models.MarkTransient(fmt.Errorf("image webhook unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("image webhook failed: status=%d, body=%s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, models.MarkTransient(err)
		}
		return nil, err
	}

	var out imageWebhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode image webhook response: %w", err)
	}

	p.logger.Info("image webhook answered",
		"images", len(out.Images),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &processor.ImageResponse{Images: out.Images}, nil
}
