package patch

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T) (*Applier, *processor.Registry) {
	t.Helper()
	reg, err := processor.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, processor.RegisterBuiltins(reg, &processor.StaticImageProvider{Images: []string{"img"}}))
	return NewApplier(reg, nil), reg
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// baseCanvas is text(n1) -> merger(n2).text-1 with a result on n1
func baseCanvas(t *testing.T, reg *processor.Registry) *models.CanvasEntities {
	t.Helper()
	e := &models.CanvasEntities{Canvas: models.Canvas{ID: "c1", Version: 3}}

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
	e.Nodes[0].Result = models.NewNodeResult(models.OutputItem{
		Type: models.DataTypeText, Data: "hello", OutputHandleID: models.HandleRef("n1-text"),
	})
	return e
}

func mustOp(t *testing.T) func(models.Operation, error) models.Operation {
	return func(op models.Operation, err error) models.Operation {
		t.Helper()
		require.NoError(t, err)
		return op
	}
}

func TestApplier_ConfigEdit(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	next, err := a.Apply(current, &models.Patch{CanvasID: "c1", Operations: []models.Operation{
		op(Test(ConfigPath("n1", "content"), "hello")),
		op(SetConfig("n1", "content", "goodbye")),
		op(SetConfig("n2", "join", " | ")),
	}})
	require.NoError(t, err)

	assert.Equal(t, "goodbye", next.FindNode("n1").Config["content"])
	assert.Equal(t, " | ", next.FindNode("n2").Config["join"])
	require.NotNil(t, next.FindNode("n1").Result, "results survive config edits")
	assert.Equal(t, int64(3), next.Canvas.Version, "version is owned by the store")

	// input untouched
	assert.Equal(t, "hello", current.FindNode("n1").Config["content"])
}

func TestApplier_AddNodeAndConnect(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	def, _ := reg.Definition(processor.TypeImageGenerator)
	nodeOps, err := AddNodeWithHandles(models.NodeDocument{ID: "n3", CanvasID: "c1", Type: processor.TypeImageGenerator}, def, sequentialIDs("h"))
	require.NoError(t, err)

	ops := append(nodeOps,
		op(AddEdge(&models.Edge{ID: "e2", SourceNodeID: "n2", SourceHandleID: "n2-text", TargetNodeID: "n3", TargetHandleID: "h-1"})),
	)

	next, err := a.Apply(current, &models.Patch{Operations: ops})
	require.NoError(t, err)

	require.Len(t, next.Nodes, 3)
	assert.Equal(t, []string{"n1", "n2", "n3"}, []string{next.Nodes[0].ID, next.Nodes[1].ID, next.Nodes[2].ID})
	assert.Nil(t, next.FindNode("n3").Result)
	assert.Equal(t, "c1", next.Edges[1].CanvasID, "canvas id is filled in")
	assert.Len(t, next.Handles, len(current.Handles)+3)
}

func TestApplier_RemoveNodeCascade(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)

	next, err := a.Apply(current, &models.Patch{Operations: RemoveNode(current, "n1")})
	require.NoError(t, err)
	assert.Nil(t, next.FindNode("n1"))
	assert.Empty(t, next.Edges)
	for _, h := range next.Handles {
		assert.NotEqual(t, "n1", h.NodeID)
	}
}

func TestApplier_TestOnlyPatchIsIdempotent(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	p := &models.Patch{Operations: []models.Operation{
		op(Test(NodePath("n1")+"/type", processor.TypeText)),
		op(Test(ConfigPath("n1", "content"), "hello")),
	}}

	first, err := a.Apply(current, p)
	require.NoError(t, err)
	second, err := a.Apply(first, p)
	require.NoError(t, err)

	a1, _ := json.Marshal(Document(current))
	a2, _ := json.Marshal(Document(second))
	assert.JSONEq(t, string(a1), string(a2))
	assert.Equal(t, current.FindNode("n1").Result, second.FindNode("n1").Result)
	assert.True(t, Unchanged(current, first))

	edited, err := a.Apply(current, &models.Patch{Operations: []models.Operation{op(SetConfig("n1", "content", "bye"))}})
	require.NoError(t, err)
	assert.False(t, Unchanged(current, edited))
}

func TestApplier_AtomicOnFailedOperation(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	_, err := a.Apply(current, &models.Patch{Operations: []models.Operation{
		op(SetConfig("n1", "content", "changed")),
		op(Test(ConfigPath("n1", "content"), "hello")),
	}})
	var rejected *models.PatchRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, rejected.Index)
	assert.Equal(t, models.OpTest, rejected.Op)
	assert.Contains(t, rejected.Reason, "test failed")

	assert.Equal(t, "hello", current.FindNode("n1").Config["content"])
}

func TestApplier_MissingPath(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	_, err := a.Apply(current, &models.Patch{Operations: []models.Operation{
		op(Replace(ConfigPath("n1", "nope"), "x")),
	}})
	var rejected *models.PatchRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, rejected.Index)

	_, err = a.Apply(current, &models.Patch{Operations: []models.Operation{Remove(NodePath("ghost"))}})
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, rejected.Index)
}

func TestApplier_InvariantViolations(t *testing.T) {
	a, reg := newTestApplier(t)
	op := mustOp(t)

	tests := []struct {
		name string
		ops  func(current *models.CanvasEntities) []models.Operation
	}{
		{"dangling handle after node removal", func(current *models.CanvasEntities) []models.Operation {
			return []models.Operation{Remove(EdgePath("e1")), Remove(NodePath("n1"))}
		}},
		{"second edge into one input", func(current *models.CanvasEntities) []models.Operation {
			return []models.Operation{op(AddEdge(&models.Edge{ID: "e2", SourceNodeID: "n1", SourceHandleID: "n1-text", TargetNodeID: "n2", TargetHandleID: "n2-text-1"}))}
		}},
		{"cycle", func(current *models.CanvasEntities) []models.Operation {
			def, _ := reg.Definition(processor.TypeTextMerger)
			ops, err := AddNodeWithHandles(models.NodeDocument{ID: "n3", Type: processor.TypeTextMerger}, def, sequentialIDs("n3"))
			require.NoError(t, err)
			// n2 -> n3 -> n2; handles are n3-1 (text-1), n3-2 (text-2), n3-3 (text)
			return append(ops,
				op(AddEdge(&models.Edge{ID: "e2", SourceNodeID: "n2", SourceHandleID: "n2-text", TargetNodeID: "n3", TargetHandleID: "n3-1"})),
				op(AddEdge(&models.Edge{ID: "e3", SourceNodeID: "n3", SourceHandleID: "n3-3", TargetNodeID: "n2", TargetHandleID: "n2-text-2"})),
			)
		}},
		{"unknown type", func(current *models.CanvasEntities) []models.Operation {
			return []models.Operation{op(AddNode(models.NodeDocument{ID: "n9", Type: "teleporter"}))}
		}},
		{"declared handle removed", func(current *models.CanvasEntities) []models.Operation {
			return []models.Operation{Remove(HandlePath("n2-text"))}
		}},
		{"edge between incompatible types", func(current *models.CanvasEntities) []models.Operation {
			return []models.Operation{
				op(AddNode(models.NodeDocument{ID: "n9", Type: processor.TypePreview})),
				op(AddHandle(&models.Handle{ID: "n9-media", NodeID: "n9", Key: "media", Direction: models.HandleInput,
					DataTypes: []models.DataType{models.DataTypeImage}})),
				op(AddEdge(&models.Edge{ID: "e2", SourceNodeID: "n1", SourceHandleID: "n1-text", TargetNodeID: "n9", TargetHandleID: "n9-media"})),
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := baseCanvas(t, reg)
			_, err := a.Apply(current, &models.Patch{Operations: tt.ops(current)})
			var rejected *models.PatchRejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, -1, rejected.Index)
			assert.ErrorIs(t, err, models.ErrPatchRejected)
		})
	}
}

func TestApplier_TypeChangeDropsResult(t *testing.T) {
	a, reg := newTestApplier(t)
	current := baseCanvas(t, reg)
	op := mustOp(t)

	// n1 becomes a note: its edge and handle must go too
	next, err := a.Apply(current, &models.Patch{Operations: []models.Operation{
		Remove(EdgePath("e1")),
		Remove(HandlePath("n1-text")),
		op(Replace(NodePath("n1")+"/type", processor.TypeNote)),
	}})
	require.NoError(t, err)
	assert.Nil(t, next.FindNode("n1").Result)
}

func TestApplier_WrongCanvas(t *testing.T) {
	a, reg := newTestApplier(t)
	_, err := a.Apply(baseCanvas(t, reg), &models.Patch{CanvasID: "other", Operations: []models.Operation{Remove(EdgePath("e1"))}})
	assert.ErrorIs(t, err, models.ErrPatchRejected)
}
