package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/canvasgraph/common/models"
)

// TargetKind classifies what a patch path addresses
type TargetKind int

const (
	TargetInvalid TargetKind = iota
	TargetNode
	TargetNodeField
	TargetConfig
	TargetHandle
	TargetHandleField
	TargetEdge
	TargetEdgeField
)

func (k TargetKind) String() string {
	switch k {
	case TargetNode:
		return "node"
	case TargetNodeField:
		return "node field"
	case TargetConfig:
		return "config"
	case TargetHandle:
		return "handle"
	case TargetHandleField:
		return "handle field"
	case TargetEdge:
		return "edge"
	case TargetEdgeField:
		return "edge field"
	default:
		return "invalid"
	}
}

// Target is a classified patch path
type Target struct {
	Kind TargetKind

	// Entity id (node id for config targets)
	ID string

	// Field name for field targets; config key path for config targets
	Field []string
}

// json field names patches may address
var (
	nodeFields = map[string]bool{
		"id": true, "canvas_id": true, "type": true, "config": true, "is_terminal": true, "is_transient": true,
	}
	handleFields = map[string]bool{
		"id": true, "canvas_id": true, "node_id": true, "key": true, "label": true,
		"direction": true, "data_types": true, "order": true, "required": true,
	}
	edgeFields = map[string]bool{
		"id": true, "canvas_id": true, "source_node_id": true, "source_handle_id": true,
		"target_node_id": true, "target_handle_id": true,
	}
)

// UnescapePointerToken decodes one RFC 6901 reference token
func UnescapePointerToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

// EscapePointerToken encodes one RFC 6901 reference token
func EscapePointerToken(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

// ClassifyPath maps a JSON pointer onto the structural canvas document
func ClassifyPath(path string) (Target, error) {
	if !strings.HasPrefix(path, "/") {
		return Target{}, fmt.Errorf("path %q must start with /", path)
	}
	raw := strings.Split(path[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = UnescapePointerToken(t)
	}
	if len(tokens) < 2 || tokens[1] == "" || tokens[1] == "-" {
		return Target{}, fmt.Errorf("path %q must address an entity by id", path)
	}
	id := tokens[1]

	switch tokens[0] {
	case "nodes":
		if len(tokens) == 2 {
			return Target{Kind: TargetNode, ID: id}, nil
		}
		if tokens[2] == "config" {
			return Target{Kind: TargetConfig, ID: id, Field: tokens[3:]}, nil
		}
		if !nodeFields[tokens[2]] {
			return Target{}, fmt.Errorf("path %q: nodes have no field %q", path, tokens[2])
		}
		if len(tokens) > 3 {
			return Target{}, fmt.Errorf("path %q: node field %q is a scalar", path, tokens[2])
		}
		return Target{Kind: TargetNodeField, ID: id, Field: tokens[2:]}, nil

	case "handles":
		if len(tokens) == 2 {
			return Target{Kind: TargetHandle, ID: id}, nil
		}
		if !handleFields[tokens[2]] {
			return Target{}, fmt.Errorf("path %q: handles have no field %q", path, tokens[2])
		}
		return Target{Kind: TargetHandleField, ID: id, Field: tokens[2:]}, nil

	case "edges":
		if len(tokens) == 2 {
			return Target{Kind: TargetEdge, ID: id}, nil
		}
		if !edgeFields[tokens[2]] || len(tokens) > 3 {
			return Target{}, fmt.Errorf("path %q: edges have no field %q", path, strings.Join(tokens[2:], "/"))
		}
		return Target{Kind: TargetEdgeField, ID: id, Field: tokens[2:]}, nil
	}

	return Target{}, fmt.Errorf("path %q: unknown collection %q", path, tokens[0])
}

// PatchValidator checks operation shape and value schemas before a patch
// touches any document
type PatchValidator struct {
	// Cap on nodes added by one patch; 0 means no cap
	MaxAddedNodes int
}

// NewPatchValidator creates a new patch validator
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{MaxAddedNodes: 50}
}

// ValidateOperations validates all patch operations
func (v *PatchValidator) ValidateOperations(ops []models.Operation) error {
	if len(ops) == 0 {
		return &models.PatchRejectedError{Index: -1, Reason: "patch has no operations"}
	}

	added := 0
	for i, op := range ops {
		target, err := v.validateOperation(op)
		if err != nil {
			return &models.PatchRejectedError{Index: i, Op: op.Op, Path: op.Path, Reason: err.Error(), Err: err}
		}
		if op.Op == models.OpAdd && target.Kind == TargetNode {
			added++
		}
	}

	if v.MaxAddedNodes > 0 && added > v.MaxAddedNodes {
		return &models.PatchRejectedError{
			Index:  -1,
			Reason: fmt.Sprintf("cannot add more than %d nodes per patch (attempted: %d)", v.MaxAddedNodes, added),
		}
	}
	return nil
}

func (v *PatchValidator) validateOperation(op models.Operation) (Target, error) {
	if !op.Op.Valid() {
		return Target{}, fmt.Errorf("unsupported operation type %q", op.Op)
	}

	target, err := ClassifyPath(op.Path)
	if err != nil {
		return Target{}, err
	}

	switch op.Op {
	case models.OpAdd, models.OpReplace, models.OpTest:
		if len(op.Value) == 0 {
			return Target{}, fmt.Errorf("'value' required for %s operation", op.Op)
		}
		if op.Op != models.OpTest {
			if err := validateValue(target, op.Value); err != nil {
				return Target{}, err
			}
		}

	case models.OpMove, models.OpCopy:
		if op.From == "" {
			return Target{}, fmt.Errorf("'from' required for %s operation", op.Op)
		}
		from, err := ClassifyPath(op.From)
		if err != nil {
			return Target{}, fmt.Errorf("from: %w", err)
		}
		if !compatible(from, target) {
			return Target{}, fmt.Errorf("cannot %s a %s onto a %s", op.Op, from.Kind, target.Kind)
		}
		if op.Op == models.OpMove && from.Kind != TargetConfig && from.Kind != TargetHandleField {
			return Target{}, fmt.Errorf("move is only supported within config or handle fields; entity ids are immutable")
		}

	case models.OpRemove:
		if target.Kind == TargetNodeField || target.Kind == TargetEdgeField {
			return Target{}, fmt.Errorf("%s %q cannot be removed", target.Kind, strings.Join(target.Field, "/"))
		}
	}

	if target.Kind == TargetNodeField && len(target.Field) == 1 &&
		(target.Field[0] == "id" || target.Field[0] == "canvas_id") && op.Op != models.OpTest {
		return Target{}, fmt.Errorf("node %s is immutable", target.Field[0])
	}

	return target, nil
}

func compatible(from, to Target) bool {
	switch from.Kind {
	case TargetConfig:
		return to.Kind == TargetConfig
	case TargetHandleField, TargetHandle:
		return to.Kind == from.Kind
	case TargetEdge:
		return to.Kind == TargetEdge
	case TargetNode:
		return to.Kind == TargetNode
	}
	return from.Kind == to.Kind && len(from.Field) > 0 && len(to.Field) > 0 && from.Field[0] == to.Field[0]
}

// validateValue decodes value strictly against the target's schema
func validateValue(t Target, value json.RawMessage) error {
	switch t.Kind {
	case TargetNode:
		var n models.NodeDocument
		if err := DecodeStrict(value, &n); err != nil {
			return fmt.Errorf("invalid node: %w", err)
		}
		if n.ID != t.ID {
			return fmt.Errorf("node id %q does not match path id %q", n.ID, t.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("node must have a type")
		}

	case TargetHandle:
		var h models.Handle
		if err := DecodeStrict(value, &h); err != nil {
			return fmt.Errorf("invalid handle: %w", err)
		}
		if h.ID != t.ID {
			return fmt.Errorf("handle id %q does not match path id %q", h.ID, t.ID)
		}

	case TargetEdge:
		var e models.Edge
		if err := DecodeStrict(value, &e); err != nil {
			return fmt.Errorf("invalid edge: %w", err)
		}
		if e.ID != t.ID {
			return fmt.Errorf("edge id %q does not match path id %q", e.ID, t.ID)
		}

	case TargetConfig:
		if len(t.Field) == 0 {
			var cfg map[string]interface{}
			if err := json.Unmarshal(value, &cfg); err != nil || cfg == nil {
				return fmt.Errorf("node config must be an object (hint: use {\"key\": \"value\"}, not [\"key\"])")
			}
		}

	case TargetNodeField:
		switch t.Field[0] {
		case "is_terminal", "is_transient":
			var b bool
			if err := json.Unmarshal(value, &b); err != nil {
				return fmt.Errorf("%s must be a boolean", t.Field[0])
			}
		case "type":
			var s string
			if err := json.Unmarshal(value, &s); err != nil || s == "" {
				return fmt.Errorf("type must be a non-empty string")
			}
		}

	case TargetEdgeField:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("%s must be a string", t.Field[0])
		}
	}
	return nil
}

// DecodeStrict decodes data into v rejecting unknown fields
func DecodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after value")
	}
	return nil
}
