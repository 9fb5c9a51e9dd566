package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
)

// Built-in node type names
const (
	TypeText           = "Text"
	TypeTextMerger     = "TextMerger"
	TypeImageGenerator = "ImageGenerator"
	TypeFile           = "File"
	TypePreview        = "Preview"
	TypeNote           = "Note"
)

var mediaTypes = []models.DataType{
	models.DataTypeText, models.DataTypeImage, models.DataTypeVideo, models.DataTypeAudio,
}

// RegisterBuiltins registers the stock node types. images may be nil, in
// which case ImageGenerator nodes fail with a permanent error.
func RegisterBuiltins(r *Registry, images ImageProvider) error {
	processors := []Processor{
		&TextProcessor{},
		&TextMergerProcessor{},
		NewImageGenerator(images),
		NewPassthrough(models.NodeTypeDef{
			Type:        TypeFile,
			Category:    "input",
			DisplayName: "File",
			Handles: []models.HandleSpec{
				{Key: "file", Direction: models.HandleOutput, DataTypes: []models.DataType{
					models.DataTypeFile, models.DataTypeImage, models.DataTypeVideo, models.DataTypeAudio,
				}},
			},
		}),
		NewPassthrough(models.NodeTypeDef{
			Type:        TypePreview,
			Category:    "output",
			DisplayName: "Preview",
			Handles: []models.HandleSpec{
				{Key: "media", Direction: models.HandleInput, DataTypes: mediaTypes},
			},
		}),
		NewPassthrough(models.NodeTypeDef{
			Type:        TypeNote,
			Category:    "annotation",
			DisplayName: "Note",
		}),
	}

	for _, p := range processors {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// firstOutput returns the id of the node's first output handle carrying dt
func firstOutput(pc *Context, dt models.DataType) (*string, error) {
	hs := resolver.GetAllOutputHandles(pc.Graph, pc.Node.ID, dt)
	if len(hs) == 0 {
		return nil, fmt.Errorf("node %s has no %s output handle", pc.Node.ID, dt)
	}
	return models.HandleRef(hs[0].ID), nil
}

// TextProcessor emits its configured content
type TextProcessor struct{}

func (p *TextProcessor) Definition() models.NodeTypeDef {
	return models.NodeTypeDef{
		Type:        TypeText,
		Kind:        models.KindLocal,
		Category:    "input",
		DisplayName: "Text",
		Handles: []models.HandleSpec{
			{Key: "text", Direction: models.HandleOutput, DataTypes: []models.DataType{models.DataTypeText}},
		},
		ConfigRules: []models.ConfigRule{
			{Expression: `!has(config.content) || type(config.content) == string`, Message: "content must be a string"},
		},
	}
}

func (p *TextProcessor) Process(ctx context.Context, pc *Context) (*Result, error) {
	out, err := firstOutput(pc, models.DataTypeText)
	if err != nil {
		return nil, err
	}
	return Succeeded(models.NewNodeResult(models.OutputItem{
		Type:           models.DataTypeText,
		Data:           pc.Config.String("content", ""),
		OutputHandleID: out,
	})), nil
}

// TextMergerProcessor joins every connected text input in handle order
type TextMergerProcessor struct{}

func (p *TextMergerProcessor) Definition() models.NodeTypeDef {
	textOnly := []models.DataType{models.DataTypeText}
	return models.NodeTypeDef{
		Type:           TypeTextMerger,
		Kind:           models.KindLocal,
		Category:       "transform",
		DisplayName:    "Text Merger",
		VariableInputs: true,
		Handles: []models.HandleSpec{
			{Key: "text-1", Label: "Text 1", Direction: models.HandleInput, DataTypes: textOnly, Order: 0},
			{Key: "text-2", Label: "Text 2", Direction: models.HandleInput, DataTypes: textOnly, Order: 1},
			{Key: "text", Direction: models.HandleOutput, DataTypes: textOnly},
		},
		ConfigRules: []models.ConfigRule{
			{Expression: `!has(config.join) || type(config.join) == string`, Message: "join must be a string"},
		},
	}
}

func (p *TextMergerProcessor) Process(ctx context.Context, pc *Context) (*Result, error) {
	values, err := resolver.GetInputValuesByType(pc.Graph, pc.Node.ID, resolver.InputFilter{DataType: models.DataTypeText})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return Failed("no connected text inputs"), nil
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, v.Data)
	}

	out, err := firstOutput(pc, models.DataTypeText)
	if err != nil {
		return nil, err
	}
	return Succeeded(models.NewNodeResult(models.OutputItem{
		Type:           models.DataTypeText,
		Data:           strings.Join(parts, pc.Config.String("join", "\n")),
		OutputHandleID: out,
	})), nil
}
