package models

import (
	"time"
)

// DataType is the kind of payload a handle accepts or produces
type DataType string

const (
	DataTypeText   DataType = "Text"
	DataTypeImage  DataType = "Image"
	DataTypeVideo  DataType = "Video"
	DataTypeAudio  DataType = "Audio"
	DataTypeNumber DataType = "Number"
	DataTypeFile   DataType = "File"
)

// Valid reports whether t is a known data type
func (t DataType) Valid() bool {
	switch t {
	case DataTypeText, DataTypeImage, DataTypeVideo, DataTypeAudio, DataTypeNumber, DataTypeFile:
		return true
	}
	return false
}

// HandleDirection marks a handle as a consumer or producer of values
type HandleDirection string

const (
	HandleInput  HandleDirection = "Input"
	HandleOutput HandleDirection = "Output"
)

// Canvas is a named graph container
// Maps to: canvas table
type Canvas struct {
	ID     string `db:"id" json:"id"`
	UserID string `db:"user_id" json:"user_id"`
	Name   string `db:"name" json:"name"`

	// Bumped on every accepted patch; used for optimistic concurrency
	// between the patch applier and the store
	Version int64 `db:"version" json:"version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Node is a typed unit of work
// Maps to: canvas_node table
type Node struct {
	ID       string `db:"id" json:"id"`
	CanvasID string `db:"canvas_id" json:"canvas_id"`

	// Identifies the processor that handles this node
	Type string `db:"type" json:"type"`

	// Free-form, validated against the type's config rules when the node runs
	Config map[string]interface{} `db:"config" json:"config"`

	// Last committed result. Written only by the orchestrator.
	Result *NodeResult `db:"result" json:"result,omitempty"`

	// No downstream consumers expected
	IsTerminal bool `db:"is_terminal" json:"is_terminal"`

	// Persisted result is a cache; a fresh run supersedes it
	IsTransient bool `db:"is_transient" json:"is_transient"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Handle is a typed connection point on a node
// Maps to: canvas_handle table
type Handle struct {
	ID       string `db:"id" json:"id"`
	CanvasID string `db:"canvas_id" json:"canvas_id"`
	NodeID   string `db:"node_id" json:"node_id"`

	// Key of the static declaration this handle satisfies. Empty for
	// custom handles added to variable-input nodes.
	Key   string `db:"key" json:"key,omitempty"`
	Label string `db:"label" json:"label,omitempty"`

	Direction HandleDirection `db:"direction" json:"direction"`

	// Ordered set of accepted (input) or produced (output) types
	DataTypes []DataType `db:"data_types" json:"data_types"`

	// Display order; also the order fan-in values are resolved in
	Order int `db:"sort_order" json:"order"`

	// Inputs only
	Required bool `db:"required" json:"required,omitempty"`
}

// Accepts reports whether the handle carries dt
func (h *Handle) Accepts(dt DataType) bool {
	for _, t := range h.DataTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// SharesDataType reports whether a and b have at least one type in common
func SharesDataType(a, b *Handle) bool {
	for _, t := range a.DataTypes {
		if b.Accepts(t) {
			return true
		}
	}
	return false
}

// Edge connects one output handle to one input handle
// Maps to: canvas_edge table
type Edge struct {
	ID             string `db:"id" json:"id"`
	CanvasID       string `db:"canvas_id" json:"canvas_id"`
	SourceNodeID   string `db:"source_node_id" json:"source_node_id"`
	SourceHandleID string `db:"source_handle_id" json:"source_handle_id"`
	TargetNodeID   string `db:"target_node_id" json:"target_node_id"`
	TargetHandleID string `db:"target_handle_id" json:"target_handle_id"`
}

// CanvasEntities is the full read model of a canvas
type CanvasEntities struct {
	Canvas  Canvas    `json:"canvas"`
	Nodes   []*Node   `json:"nodes"`
	Handles []*Handle `json:"handles"`
	Edges   []*Edge   `json:"edges"`
}

// Clone returns a deep copy so callers can hand entities across goroutines
func (e *CanvasEntities) Clone() *CanvasEntities {
	if e == nil {
		return nil
	}

	out := &CanvasEntities{
		Canvas:  e.Canvas,
		Nodes:   make([]*Node, 0, len(e.Nodes)),
		Handles: make([]*Handle, 0, len(e.Handles)),
		Edges:   make([]*Edge, 0, len(e.Edges)),
	}

	for _, n := range e.Nodes {
		out.Nodes = append(out.Nodes, n.Clone())
	}
	for _, h := range e.Handles {
		hc := *h
		hc.DataTypes = append([]DataType(nil), h.DataTypes...)
		out.Handles = append(out.Handles, &hc)
	}
	for _, ed := range e.Edges {
		ec := *ed
		out.Edges = append(out.Edges, &ec)
	}

	return out
}

// FindNode returns the node with id, or nil
func (e *CanvasEntities) FindNode(id string) *Node {
	for _, n := range e.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	nc := *n
	nc.Config = CopyConfig(n.Config)
	nc.Result = n.Result.Clone()
	return &nc
}

// CopyConfig deep-copies a decoded JSON object
func CopyConfig(cfg map[string]interface{}) map[string]interface{} {
	if cfg == nil {
		return nil
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyConfig(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
