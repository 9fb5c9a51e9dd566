package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeResultWithGenerationSelectsNewest(t *testing.T) {
	h := "out"
	r := NewNodeResult(OutputItem{Type: DataTypeImage, Data: "gen0", OutputHandleID: &h})

	next := r.WithGeneration(Output{Items: []OutputItem{{Type: DataTypeImage, Data: "gen1", OutputHandleID: &h}}})

	require.Len(t, next.Outputs, 2)
	assert.Equal(t, 1, next.SelectedOutputIndex)
	assert.Equal(t, "gen1", next.Selected().ItemFor("out").Data)

	// original untouched
	assert.Len(t, r.Outputs, 1)
	assert.Equal(t, 0, r.SelectedOutputIndex)
}

func TestNodeResultWithGenerationOnNil(t *testing.T) {
	var r *NodeResult
	next := r.WithGeneration(Output{Items: []OutputItem{{Type: DataTypeText, Data: "x"}}})
	require.Len(t, next.Outputs, 1)
	assert.Equal(t, 0, next.SelectedOutputIndex)
}

func TestNodeResultWithSelection(t *testing.T) {
	r := &NodeResult{Outputs: []Output{{}, {}, {}}}

	next, err := r.WithSelection(2)
	require.NoError(t, err)
	assert.Equal(t, 2, next.SelectedOutputIndex)
	assert.Equal(t, 0, r.SelectedOutputIndex)

	_, err = r.WithSelection(3)
	assert.Error(t, err)
	_, err = r.WithSelection(-1)
	assert.Error(t, err)

	var empty *NodeResult
	_, err = empty.WithSelection(0)
	assert.Error(t, err)
}

func TestNodeResultValidate(t *testing.T) {
	assert.NoError(t, (*NodeResult)(nil).Validate())
	assert.NoError(t, (&NodeResult{}).Validate())
	assert.Error(t, (&NodeResult{Outputs: []Output{{}}, SelectedOutputIndex: 1}).Validate())
}

func TestNodeResultCloneIsDeep(t *testing.T) {
	h := "out"
	r := NewNodeResult(OutputItem{Type: DataTypeText, Data: "a", OutputHandleID: &h})
	c := r.Clone()

	*c.Outputs[0].Items[0].OutputHandleID = "changed"
	c.Outputs[0].Items[0].Data = "b"

	assert.Equal(t, "out", *r.Outputs[0].Items[0].OutputHandleID)
	assert.Equal(t, "a", r.Outputs[0].Items[0].Data)
}

func TestNodeResultJSONShape(t *testing.T) {
	r := NewNodeResult(OutputItem{Type: DataTypeText, Data: "hello", OutputHandleID: HandleRef("H")})
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"outputs":[{"items":[{"type":"Text","data":"hello","output_handle_id":"H"}]}],"selected_output_index":0}`, string(raw))
}

func TestOperationWireFormat(t *testing.T) {
	raw := `{"op":"test","path":"/nodes/a/config/content","value":"hello"}`
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))
	assert.Equal(t, OpTest, op.Op)
	assert.True(t, op.Op.Valid())
	assert.JSONEq(t, `"hello"`, string(op.Value))

	out, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	assert.False(t, OpType("merge").Valid())
}

func TestCanvasEntitiesCloneIsDeep(t *testing.T) {
	e := &CanvasEntities{
		Canvas:  Canvas{ID: "c"},
		Nodes:   []*Node{{ID: "n", Config: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}}},
		Handles: []*Handle{{ID: "h", DataTypes: []DataType{DataTypeText}}},
		Edges:   []*Edge{{ID: "e"}},
	}

	c := e.Clone()
	c.Nodes[0].Config["nested"].(map[string]interface{})["k"] = "changed"
	c.Handles[0].DataTypes[0] = DataTypeImage
	c.Edges[0].ID = "x"

	assert.Equal(t, "v", e.Nodes[0].Config["nested"].(map[string]interface{})["k"])
	assert.Equal(t, DataTypeText, e.Handles[0].DataTypes[0])
	assert.Equal(t, "e", e.Edges[0].ID)
	assert.Same(t, e.Nodes[0], e.FindNode("n"))
	assert.Nil(t, e.FindNode("missing"))
}

func TestSharesDataType(t *testing.T) {
	a := &Handle{DataTypes: []DataType{DataTypeImage, DataTypeVideo}}
	b := &Handle{DataTypes: []DataType{DataTypeVideo}}
	c := &Handle{DataTypes: []DataType{DataTypeText}}

	assert.True(t, SharesDataType(a, b))
	assert.False(t, SharesDataType(a, c))
}

func TestInstantiateHandles(t *testing.T) {
	def := NodeTypeDef{
		Type: "Text",
		Handles: []HandleSpec{
			{Key: "text", Direction: HandleOutput, DataTypes: []DataType{DataTypeText}},
		},
	}
	n := 0
	handles := def.InstantiateHandles("c", "n", func() string { n++; return fmt.Sprintf("h%d", n) })

	require.Len(t, handles, 1)
	assert.Equal(t, "h1", handles[0].ID)
	assert.Equal(t, "text", handles[0].Key)
	assert.Equal(t, "n", handles[0].NodeID)

	_, ok := def.HandleSpec("text", HandleInput)
	assert.False(t, ok)
}

func TestErrorMatching(t *testing.T) {
	missing := &MissingRequiredInputError{NodeID: "b", Reason: "unconnected"}
	assert.True(t, errors.Is(missing, ErrMissingRequiredInput))
	assert.True(t, errors.Is(missing, ErrInvalidNode))

	invalid := &InvalidNodeError{NodeID: "b", RelatedNodeID: "a", Reason: "x", Err: missing}
	assert.True(t, errors.Is(invalid, ErrInvalidNode))
	assert.Contains(t, invalid.Error(), "related node a")

	wrapped := fmt.Errorf("run: %w", &NodeBusyError{NodeID: "n", TaskID: "t"})
	var busy *NodeBusyError
	require.True(t, errors.As(wrapped, &busy))
	assert.Equal(t, "t", busy.TaskID)
	assert.True(t, errors.Is(wrapped, ErrNodeBusy))

	assert.True(t, errors.Is(&LockContentionError{CanvasID: "c"}, ErrCanvasLocked))
	assert.True(t, errors.Is(&PatchRejectedError{Index: 2}, ErrPatchRejected))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(MarkTransient(errors.New("rate limited"))))
	assert.True(t, IsTransient(&ProcessorError{Transient: true}))
	assert.False(t, IsTransient(&ProcessorError{}))
	assert.True(t, IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(&InvalidNodeError{NodeID: "n"}))
	assert.False(t, IsTransient(MarkTransient(&InvalidNodeError{NodeID: "n"})))
}
