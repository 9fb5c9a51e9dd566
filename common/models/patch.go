package models

import (
	"encoding/json"
	"time"
)

// OpType is a JSON-Patch operation name
type OpType string

const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
	OpMove    OpType = "move"
	OpCopy    OpType = "copy"
	OpTest    OpType = "test"
)

// Valid reports whether op is one of the six JSON-Patch verbs
func (op OpType) Valid() bool {
	switch op {
	case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		return true
	}
	return false
}

// Operation is one structural edit. Field names follow RFC 6902.
type Operation struct {
	Op    OpType          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchSource says who proposed a patch
type PatchSource string

const (
	PatchSourceUser  PatchSource = "user"
	PatchSourceAgent PatchSource = "agent"
)

// Patch is an ordered, all-or-nothing sequence of operations
// Maps to: canvas_patch table
type Patch struct {
	ID       string `db:"id" json:"id"`
	CanvasID string `db:"canvas_id" json:"canvas_id"`

	// Sequence number within the canvas, assigned on commit (1, 2, 3...)
	Seq int64 `db:"seq" json:"seq"`

	Source      PatchSource `db:"source" json:"source"`
	Operations  []Operation `db:"operations" json:"operations"`
	Description string      `db:"description" json:"description,omitempty"`
	CreatedBy   string      `db:"created_by" json:"created_by"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// NodeDocument is the part of a Node that patches may address.
// Results and timestamps are owned by the orchestrator and the store.
type NodeDocument struct {
	ID          string                 `json:"id"`
	CanvasID    string                 `json:"canvas_id"`
	Type        string                 `json:"type"`
	Config      map[string]interface{} `json:"config"`
	IsTerminal  bool                   `json:"is_terminal"`
	IsTransient bool                   `json:"is_transient"`
}

// Document returns the patchable view of n
func (n *Node) Document() NodeDocument {
	cfg := CopyConfig(n.Config)
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return NodeDocument{
		ID:          n.ID,
		CanvasID:    n.CanvasID,
		Type:        n.Type,
		Config:      cfg,
		IsTerminal:  n.IsTerminal,
		IsTransient: n.IsTransient,
	}
}

// SameDocument reports whether a and b have the same patchable content.
// Config values compare by their JSON encoding.
func SameDocument(a, b *Node) bool {
	ja, errA := json.Marshal(a.Document())
	jb, errB := json.Marshal(b.Document())
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// CanvasDocument is the structural JSON document patches are applied to.
// Entities are keyed by id so paths stay stable as entities come and go.
type CanvasDocument struct {
	Nodes   map[string]NodeDocument `json:"nodes"`
	Handles map[string]*Handle      `json:"handles"`
	Edges   map[string]*Edge        `json:"edges"`
}
