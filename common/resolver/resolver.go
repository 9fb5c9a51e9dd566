package resolver

import (
	"fmt"

	"github.com/lyzr/canvasgraph/common/models"
)

// InputFilter selects input handles. Zero fields match everything.
type InputFilter struct {
	DataType models.DataType
	Label    string
	Key      string
	HandleID string
}

func (f InputFilter) matches(h *models.Handle) bool {
	if f.HandleID != "" && h.ID != f.HandleID {
		return false
	}
	if f.Key != "" && h.Key != f.Key {
		return false
	}
	if f.Label != "" && h.Label != f.Label {
		return false
	}
	if f.DataType != "" && !h.Accepts(f.DataType) {
		return false
	}
	return true
}

// InputValue is a resolved value together with the handles it travelled through
type InputValue struct {
	Handle       *models.Handle
	SourceHandle *models.Handle
	SourceNodeID string
	Item         models.OutputItem
}

// GetInputValue returns the value connected to the first matching input
// handle of nodeID that has an incoming edge. Only the source's selected
// generation is consulted.
//
// Unconnected inputs yield nil. With required set, an unconnected input or a
// source without a usable result yields *models.MissingRequiredInputError.
func GetInputValue(g *Graph, nodeID string, required bool, filter InputFilter) (*models.OutputItem, error) {
	if _, ok := g.Node(nodeID); !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}

	for _, h := range g.Handles(nodeID, models.HandleInput) {
		if !filter.matches(h) {
			continue
		}
		edge := g.IncomingEdge(h.ID)
		if edge == nil {
			continue
		}

		item, reason := resolveEdge(g, edge, filter.DataType)
		if item != nil {
			return item, nil
		}
		if required {
			return nil, &models.MissingRequiredInputError{
				NodeID:       nodeID,
				HandleID:     h.ID,
				SourceNodeID: edge.SourceNodeID,
				Reason:       reason,
			}
		}
		return nil, nil
	}

	if required {
		return nil, &models.MissingRequiredInputError{
			NodeID: nodeID,
			Reason: fmt.Sprintf("no connected input matches %s", describeFilter(filter)),
		}
	}
	return nil, nil
}

// GetInputValuesByType returns every resolvable value connected to matching
// input handles, in handle order. Unconnected or unresolved inputs are skipped.
func GetInputValuesByType(g *Graph, nodeID string, filter InputFilter) ([]*models.OutputItem, error) {
	values, err := GetAllInputValuesWithHandle(g, nodeID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*models.OutputItem, 0, len(values))
	for i := range values {
		out = append(out, &values[i].Item)
	}
	return out, nil
}

// GetAllOutputHandles returns a node's output handles, optionally restricted
// to those producing dataType
func GetAllOutputHandles(g *Graph, nodeID string, dataType models.DataType) []*models.Handle {
	var out []*models.Handle
	for _, h := range g.Handles(nodeID, models.HandleOutput) {
		if dataType == "" || h.Accepts(dataType) {
			out = append(out, h)
		}
	}
	return out
}

// GetAllInputValuesWithHandle is GetInputValuesByType with handle identity attached
func GetAllInputValuesWithHandle(g *Graph, nodeID string, filter InputFilter) ([]InputValue, error) {
	if _, ok := g.Node(nodeID); !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}

	var out []InputValue
	for _, h := range g.Handles(nodeID, models.HandleInput) {
		if !filter.matches(h) {
			continue
		}
		edge := g.IncomingEdge(h.ID)
		if edge == nil {
			continue
		}
		item, _ := resolveEdge(g, edge, filter.DataType)
		if item == nil {
			continue
		}
		src, _ := g.Handle(edge.SourceHandleID)
		out = append(out, InputValue{
			Handle:       h,
			SourceHandle: src,
			SourceNodeID: edge.SourceNodeID,
			Item:         *item,
		})
	}
	return out, nil
}

// resolveEdge follows edge to its source and returns a copy of the item the
// selected generation holds for the source handle. On failure it returns the
// reason instead.
func resolveEdge(g *Graph, edge *models.Edge, want models.DataType) (*models.OutputItem, string) {
	src, ok := g.Node(edge.SourceNodeID)
	if !ok {
		return nil, fmt.Sprintf("source node %s does not exist", edge.SourceNodeID)
	}

	selected := src.Result.Selected()
	if selected == nil {
		return nil, fmt.Sprintf("source node %s has no successful result", src.ID)
	}

	item := selected.ItemFor(edge.SourceHandleID)
	if item == nil {
		return nil, fmt.Sprintf("source node %s produced no value for handle %s", src.ID, edge.SourceHandleID)
	}

	if want != "" && item.Type != want {
		return nil, fmt.Sprintf("source node %s produced %s, want %s", src.ID, item.Type, want)
	}

	cp := *item
	if item.OutputHandleID != nil {
		cp.OutputHandleID = models.HandleRef(*item.OutputHandleID)
	}
	return &cp, ""
}

// ValidateRequiredInputs checks that every required input of nodeID is
// connected to a source with a usable result
func ValidateRequiredInputs(g *Graph, nodeID string) error {
	if _, ok := g.Node(nodeID); !ok {
		return &models.InvalidNodeError{NodeID: nodeID, Reason: "node does not exist", Err: models.ErrNotFound}
	}

	for _, h := range g.Handles(nodeID, models.HandleInput) {
		if !h.Required {
			continue
		}

		edge := g.IncomingEdge(h.ID)
		if edge == nil {
			missing := &models.MissingRequiredInputError{NodeID: nodeID, HandleID: h.ID, Reason: "not connected"}
			return &models.InvalidNodeError{
				NodeID: nodeID,
				Reason: fmt.Sprintf("required input %q is not connected", handleName(h)),
				Err:    missing,
			}
		}

		if item, reason := resolveEdge(g, edge, ""); item == nil {
			missing := &models.MissingRequiredInputError{
				NodeID:       nodeID,
				HandleID:     h.ID,
				SourceNodeID: edge.SourceNodeID,
				Reason:       reason,
			}
			return &models.InvalidNodeError{
				NodeID:        nodeID,
				RelatedNodeID: edge.SourceNodeID,
				Reason:        fmt.Sprintf("required input %q: %s", handleName(h), reason),
				Err:           missing,
			}
		}
	}
	return nil
}

// Dependents returns the ids of nodes directly consuming nodeID's outputs
func Dependents(g *Graph, nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.OutgoingEdges(nodeID) {
		if !seen[e.TargetNodeID] {
			seen[e.TargetNodeID] = true
			out = append(out, e.TargetNodeID)
		}
	}
	return out
}

// ValidateResult checks a result about to be committed for nodeID
func ValidateResult(g *Graph, nodeID string, result *models.NodeResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	for gi, out := range result.Outputs {
		for ii, item := range out.Items {
			if item.OutputHandleID == nil {
				continue
			}
			h, ok := g.Handle(*item.OutputHandleID)
			if !ok || h.NodeID != nodeID || h.Direction != models.HandleOutput {
				return fmt.Errorf("output %d item %d references handle %s not owned by node %s", gi, ii, *item.OutputHandleID, nodeID)
			}
		}
	}
	return nil
}

func handleName(h *models.Handle) string {
	switch {
	case h.Label != "":
		return h.Label
	case h.Key != "":
		return h.Key
	default:
		return h.ID
	}
}

func describeFilter(f InputFilter) string {
	switch {
	case f.HandleID != "":
		return "handle " + f.HandleID
	case f.Key != "":
		return "key " + f.Key
	case f.Label != "":
		return "label " + f.Label
	case f.DataType != "":
		return "type " + string(f.DataType)
	default:
		return "any input"
	}
}
