package patch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/validation"
)

// NodePath addresses a node
func NodePath(nodeID string) string {
	return "/nodes/" + validation.EscapePointerToken(nodeID)
}

// HandlePath addresses a handle
func HandlePath(handleID string) string {
	return "/handles/" + validation.EscapePointerToken(handleID)
}

// EdgePath addresses an edge
func EdgePath(edgeID string) string {
	return "/edges/" + validation.EscapePointerToken(edgeID)
}

// ConfigPath addresses a node's config, or a nested key inside it
func ConfigPath(nodeID string, keys ...string) string {
	var b strings.Builder
	b.WriteString(NodePath(nodeID))
	b.WriteString("/config")
	for _, k := range keys {
		b.WriteString("/")
		b.WriteString(validation.EscapePointerToken(k))
	}
	return b.String()
}

func valueOp(op models.OpType, path string, value interface{}) (models.Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return models.Operation{}, fmt.Errorf("failed to marshal %s value for %s: %w", op, path, err)
	}
	return models.Operation{Op: op, Path: path, Value: raw}, nil
}

// AddNode adds a node
func AddNode(n models.NodeDocument) (models.Operation, error) {
	if n.Config == nil {
		n.Config = map[string]interface{}{}
	}
	return valueOp(models.OpAdd, NodePath(n.ID), n)
}

// AddNodeWithHandles adds a node plus the static handles its type declares
func AddNodeWithHandles(n models.NodeDocument, def models.NodeTypeDef, newID func() string) ([]models.Operation, error) {
	op, err := AddNode(n)
	if err != nil {
		return nil, err
	}
	ops := []models.Operation{op}
	for _, h := range def.InstantiateHandles(n.CanvasID, n.ID, newID) {
		hop, err := AddHandle(h)
		if err != nil {
			return nil, err
		}
		ops = append(ops, hop)
	}
	return ops, nil
}

// AddHandle adds a handle
func AddHandle(h *models.Handle) (models.Operation, error) {
	return valueOp(models.OpAdd, HandlePath(h.ID), h)
}

// AddEdge adds an edge
func AddEdge(e *models.Edge) (models.Operation, error) {
	return valueOp(models.OpAdd, EdgePath(e.ID), e)
}

// SetConfig sets one config key, creating it if absent
func SetConfig(nodeID, key string, value interface{}) (models.Operation, error) {
	return valueOp(models.OpAdd, ConfigPath(nodeID, key), value)
}

// Replace replaces the value at path, which must exist
func Replace(path string, value interface{}) (models.Operation, error) {
	return valueOp(models.OpReplace, path, value)
}

// Test asserts the value at path
func Test(path string, value interface{}) (models.Operation, error) {
	return valueOp(models.OpTest, path, value)
}

// Remove removes the value at path
func Remove(path string) models.Operation {
	return models.Operation{Op: models.OpRemove, Path: path}
}

// Move moves a value
func Move(from, path string) models.Operation {
	return models.Operation{Op: models.OpMove, From: from, Path: path}
}

// Copy copies a value
func Copy(from, path string) models.Operation {
	return models.Operation{Op: models.OpCopy, From: from, Path: path}
}

// RemoveNode removes a node together with its edges and handles, in an
// order that never leaves a dangling reference
func RemoveNode(e *models.CanvasEntities, nodeID string) []models.Operation {
	var ops []models.Operation
	for _, ed := range e.Edges {
		if ed.SourceNodeID == nodeID || ed.TargetNodeID == nodeID {
			ops = append(ops, Remove(EdgePath(ed.ID)))
		}
	}
	for _, h := range e.Handles {
		if h.NodeID == nodeID {
			ops = append(ops, Remove(HandlePath(h.ID)))
		}
	}
	return append(ops, Remove(NodePath(nodeID)))
}
