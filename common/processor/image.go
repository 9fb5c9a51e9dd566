package processor

import (
	"context"
	"fmt"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
)

// ImageRequest is what the image generator asks a provider for
type ImageRequest struct {
	Prompt         string
	ReferenceImage string
	Model          string
	Count          int
	APIKey         string
	Options        map[string]string
}

// ImageResponse carries generated images. Release, when set, frees
// provider-side staging and is run after the result is committed.
type ImageResponse struct {
	Images  []string
	Release func()
}

// ImageProvider talks to an image generation backend
type ImageProvider interface {
	GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// ImageGenerator is a remote node: it appends one generation per returned
// image and selects the newest
type ImageGenerator struct {
	provider ImageProvider
}

// NewImageGenerator creates the processor
func NewImageGenerator(provider ImageProvider) *ImageGenerator {
	return &ImageGenerator{provider: provider}
}

func (p *ImageGenerator) Definition() models.NodeTypeDef {
	return models.NodeTypeDef{
		Type:        TypeImageGenerator,
		Kind:        models.KindRemote,
		Category:    "generate",
		DisplayName: "Image Generator",
		Handles: []models.HandleSpec{
			{Key: "prompt", Label: "Prompt", Direction: models.HandleInput, DataTypes: []models.DataType{models.DataTypeText}, Required: true, Order: 0},
			{Key: "reference", Label: "Reference", Direction: models.HandleInput, DataTypes: []models.DataType{models.DataTypeImage}, Order: 1},
			{Key: "image", Direction: models.HandleOutput, DataTypes: []models.DataType{models.DataTypeImage}},
		},
		ConfigRules: []models.ConfigRule{
			{Expression: `!has(config.count) || (double(config.count) >= 1.0 && double(config.count) <= 4.0)`, Message: "count must be between 1 and 4"},
		},
	}
}

func (p *ImageGenerator) Process(ctx context.Context, pc *Context) (*Result, error) {
	if p.provider == nil {
		return Failed("no image provider configured"), nil
	}

	prompt, err := resolver.GetInputValue(pc.Graph, pc.Node.ID, true, resolver.InputFilter{Key: "prompt"})
	if err != nil {
		return nil, err
	}
	reference, err := resolver.GetInputValue(pc.Graph, pc.Node.ID, false, resolver.InputFilter{Key: "reference"})
	if err != nil {
		return nil, err
	}

	req := ImageRequest{
		Prompt: prompt.Data,
		Model:  pc.Config.String("model", ""),
		Count:  pc.Config.Int("count", 1),
	}
	if reference != nil {
		req.ReferenceImage = reference.Data
	}
	if pc.Task != nil {
		req.APIKey = pc.Task.APIKey
		req.Options = pc.Task.Context
	}

	resp, err := p.provider.GenerateImages(ctx, req)
	if err != nil {
		if models.IsTransient(err) {
			return Retry(err.Error()), nil
		}
		return Failed(err.Error()), nil
	}
	pc.Cleanup.Register(resp.Release)

	if len(resp.Images) == 0 {
		return Failed("provider returned no images"), nil
	}

	out, err := firstOutput(pc, models.DataTypeImage)
	if err != nil {
		return nil, err
	}

	result := pc.Node.Result
	for _, img := range resp.Images {
		result = result.WithGeneration(models.Output{Items: []models.OutputItem{
			{Type: models.DataTypeImage, Data: img, OutputHandleID: out},
		}})
	}

	pc.Logger.Info("image generation finished", "node_id", pc.Node.ID, "images", len(resp.Images), "generations", len(result.Outputs))
	return Succeeded(result), nil
}

// StaticImageProvider returns fixed images. Used for local development
// and tests when no backend is configured.
type StaticImageProvider struct {
	Images []string
}

func (s *StaticImageProvider) GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(s.Images) > 0 {
			out = append(out, s.Images[i%len(s.Images)])
		} else {
			out = append(out, fmt.Sprintf("placeholder://%s/%d", req.Prompt, i))
		}
	}
	return &ImageResponse{Images: out}, nil
}
