package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(msg string, args ...any) { l.t.Logf("[DEBUG] %s %v", msg, args) }
func (l *testLogger) Info(msg string, args ...any)  { l.t.Logf("[INFO] %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("[WARN] %s %v", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Logf("[ERROR] %s %v", msg, args) }

func newRegistry(t *testing.T, images ImageProvider) *Registry {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, RegisterBuiltins(reg, images))
	return reg
}

// addNode instantiates a node of nodeType with handle ids "<node>-<key>"
func addNode(t *testing.T, reg *Registry, e *models.CanvasEntities, id, nodeType string, cfg map[string]interface{}) {
	t.Helper()
	def, ok := reg.Definition(nodeType)
	require.True(t, ok)
	e.Nodes = append(e.Nodes, &models.Node{ID: id, CanvasID: e.Canvas.ID, Type: nodeType, Config: cfg})

	i := 0
	e.Handles = append(e.Handles, def.InstantiateHandles(e.Canvas.ID, id, func() string {
		key := def.Handles[i].Key
		i++
		return id + "-" + key
	})...)
}

func connect(e *models.CanvasEntities, id, src, srcHandle, dst, dstHandle string) {
	e.Edges = append(e.Edges, &models.Edge{
		ID: id, CanvasID: e.Canvas.ID,
		SourceNodeID: src, SourceHandleID: srcHandle,
		TargetNodeID: dst, TargetHandleID: dstHandle,
	})
}

func run(t *testing.T, reg *Registry, e *models.CanvasEntities, nodeID string) (*Result, *Cleanup) {
	t.Helper()
	g := resolver.NewGraph(e)
	node, ok := g.Node(nodeID)
	require.True(t, ok)

	p, err := reg.GetByType(node.Type)
	require.NoError(t, err)

	cleanup := &Cleanup{}
	res, err := p.Process(context.Background(), &Context{
		Node:    node,
		Graph:   g,
		Task:    &models.Task{ID: "t1", NodeID: nodeID, APIKey: "secret"},
		Config:  NewConfigView(node.Config),
		Cleanup: cleanup,
		Logger:  &testLogger{t: t},
	})
	require.NoError(t, err)
	return res, cleanup
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := newRegistry(t, nil)

	err := reg.Register(&TextProcessor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	_, err = reg.GetByType("Mystery")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	types := make([]string, 0)
	for _, def := range reg.All() {
		types = append(types, def.Type)
	}
	assert.Equal(t, []string{"File", "ImageGenerator", "Note", "Preview", "Text", "TextMerger"}, types)
}

func TestRegistryValidatesDefinitions(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	bad := []models.NodeTypeDef{
		{Kind: models.KindLocal},
		{Type: "A", Kind: "cloud"},
		{Type: "B", Kind: models.KindLocal, Handles: []models.HandleSpec{{Key: "x", Direction: models.HandleInput}}},
		{Type: "C", Kind: models.KindLocal, Handles: []models.HandleSpec{{Key: "x", Direction: models.HandleOutput, Required: true, DataTypes: []models.DataType{models.DataTypeText}}}},
		{Type: "D", Kind: models.KindLocal, ConfigRules: []models.ConfigRule{{Expression: "config.("}}},
	}
	for _, def := range bad {
		assert.Error(t, reg.Register(NewPassthrough(def)), def.Type)
	}
}

func TestRuleEvaluator(t *testing.T) {
	ev, err := NewRuleEvaluator()
	require.NoError(t, err)

	ok, err := ev.Evaluate(`config.size > 2`, map[string]interface{}{"size": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(`!has(config.size)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ev.Evaluate(`config.size`, map[string]interface{}{"size": 3})
	assert.Error(t, err)

	assert.Equal(t, 3, ev.CacheSize())

	def := (&ImageGenerator{}).Definition()
	assert.NoError(t, ev.Check(def, map[string]interface{}{"count": float64(2)}))
	err = ev.Check(def, map[string]interface{}{"count": float64(9)})
	require.Error(t, err)
	assert.Equal(t, "count must be between 1 and 4", err.Error())
}

func TestConfigView(t *testing.T) {
	v := NewConfigView(map[string]interface{}{
		"content": "hello",
		"count":   float64(3),
		"nested":  map[string]interface{}{"flag": true},
	})

	assert.Equal(t, "hello", v.String("content", ""))
	assert.Equal(t, "x", v.String("missing", "x"))
	assert.Equal(t, 3, v.Int("count", 1))
	assert.Equal(t, 1, v.Int("content", 1))
	assert.True(t, v.Bool("nested.flag", false))
	assert.True(t, v.Exists("nested"))
	assert.Equal(t, 2.5, v.Float("missing", 2.5))

	empty := NewConfigView(nil)
	assert.Equal(t, "{}", string(empty.Raw()))
}

func TestTextIntoMergerWithUnconnectedSecondInput(t *testing.T) {
	reg := newRegistry(t, nil)
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1"}}
	addNode(t, reg, e, "A", TypeText, map[string]interface{}{"content": "hello"})
	addNode(t, reg, e, "B", TypeTextMerger, map[string]interface{}{"join": " "})
	connect(e, "e1", "A", "A-text", "B", "B-text-1")
	require.NoError(t, resolver.ValidateEntities(e, reg))

	resA, _ := run(t, reg, e, "A")
	require.True(t, resA.Success)
	e.FindNode("A").Result = resA.NewResult

	resB, _ := run(t, reg, e, "B")
	require.True(t, resB.Success, resB.Error)
	assert.Equal(t, &models.NodeResult{
		Outputs: []models.Output{{Items: []models.OutputItem{
			{Type: models.DataTypeText, Data: "hello", OutputHandleID: models.HandleRef("B-text")},
		}}},
		SelectedOutputIndex: 0,
	}, resB.NewResult)
}

func TestTextMergerJoinsInHandleOrder(t *testing.T) {
	reg := newRegistry(t, nil)
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1"}}
	addNode(t, reg, e, "A", TypeText, nil)
	addNode(t, reg, e, "Z", TypeText, nil)
	addNode(t, reg, e, "M", TypeTextMerger, nil)
	connect(e, "e1", "A", "A-text", "M", "M-text-2")
	connect(e, "e2", "Z", "Z-text", "M", "M-text-1")
	e.FindNode("A").Result = models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "world", OutputHandleID: models.HandleRef("A-text")})
	e.FindNode("Z").Result = models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "hello", OutputHandleID: models.HandleRef("Z-text")})

	res, _ := run(t, reg, e, "M")
	require.True(t, res.Success)
	assert.Equal(t, "hello\nworld", res.NewResult.Selected().Items[0].Data)
}

func TestTextMergerWithoutInputsFails(t *testing.T) {
	reg := newRegistry(t, nil)
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1"}}
	addNode(t, reg, e, "M", TypeTextMerger, nil)

	res, _ := run(t, reg, e, "M")
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

type recordingProvider struct {
	images   []string
	err      error
	requests []ImageRequest
	released int
}

func (p *recordingProvider) GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &ImageResponse{Images: p.images, Release: func() { p.released++ }}, nil
}

func imageCanvas(t *testing.T, reg *Registry) *models.CanvasEntities {
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1"}}
	addNode(t, reg, e, "P", TypeText, map[string]interface{}{"content": "a cat"})
	addNode(t, reg, e, "C", TypeImageGenerator, map[string]interface{}{"model": "m1"})
	connect(e, "e1", "P", "P-text", "C", "C-prompt")
	e.FindNode("P").Result = models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "a cat", OutputHandleID: models.HandleRef("P-text")})
	return e
}

func TestImageGeneratorAppendsGenerations(t *testing.T) {
	provider := &recordingProvider{images: []string{"img-0"}}
	reg := newRegistry(t, provider)
	e := imageCanvas(t, reg)

	first, cleanup := run(t, reg, e, "C")
	require.True(t, first.Success)
	assert.Equal(t, 1, cleanup.Len())
	cleanup.Run()
	assert.Equal(t, 1, provider.released)
	e.FindNode("C").Result = first.NewResult

	provider.images = []string{"img-1"}
	second, _ := run(t, reg, e, "C")
	require.True(t, second.Success)

	require.Len(t, second.NewResult.Outputs, 2)
	assert.Equal(t, 1, second.NewResult.SelectedOutputIndex)
	assert.Equal(t, "img-0", second.NewResult.Outputs[0].Items[0].Data)
	assert.Equal(t, "img-1", second.NewResult.Outputs[1].Items[0].Data)

	require.Len(t, provider.requests, 2)
	assert.Equal(t, "a cat", provider.requests[0].Prompt)
	assert.Equal(t, "m1", provider.requests[0].Model)
	assert.Equal(t, "secret", provider.requests[0].APIKey)
}

func TestImageGeneratorClassifiesProviderErrors(t *testing.T) {
	provider := &recordingProvider{err: models.MarkTransient(errors.New("429 too many requests"))}
	reg := newRegistry(t, provider)
	e := imageCanvas(t, reg)

	res, _ := run(t, reg, e, "C")
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)

	provider.err = errors.New("content policy violation")
	res, _ = run(t, reg, e, "C")
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestPassthroughReEmitsResult(t *testing.T) {
	reg := newRegistry(t, nil)
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1"}}
	addNode(t, reg, e, "F", TypeFile, nil)
	existing := models.NewNodeResult(models.OutputItem{Type: models.DataTypeFile, Data: "s3://bucket/doc.pdf", OutputHandleID: models.HandleRef("F-file")})
	e.FindNode("F").Result = existing

	res, _ := run(t, reg, e, "F")
	require.True(t, res.Success)
	assert.Equal(t, existing, res.NewResult)

	def, _ := reg.Definition(TypeFile)
	assert.True(t, def.Passthrough)
}

func TestCleanupRunsNewestFirstAndSurvivesPanics(t *testing.T) {
	var order []int
	c := &Cleanup{}
	c.Register(func() { order = append(order, 1) })
	c.Register(func() { panic("boom") })
	c.Register(func() { order = append(order, 3) })
	c.Register(nil)

	c.Run()
	assert.Equal(t, []int{3, 1}, order)
	assert.Zero(t, c.Len())
}
