package resolver

import (
	"fmt"

	"github.com/lyzr/canvasgraph/common/models"
)

// TypeCatalog resolves node types to their static metadata
type TypeCatalog interface {
	Definition(nodeType string) (models.NodeTypeDef, bool)
}

// InvariantError names the entity that breaks a canvas invariant
type InvariantError struct {
	Entity string
	ID     string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

func violation(entity, id, format string, args ...interface{}) error {
	return &InvariantError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// ValidateEntities checks the structural invariants of a canvas. A nil
// catalog skips the checks that need node type metadata.
func ValidateEntities(e *models.CanvasEntities, catalog TypeCatalog) error {
	canvasID := e.Canvas.ID

	nodes := make(map[string]*models.Node, len(e.Nodes))
	for _, n := range e.Nodes {
		if n.ID == "" {
			return violation("node", n.ID, "id is required")
		}
		if _, dup := nodes[n.ID]; dup {
			return violation("node", n.ID, "duplicate id")
		}
		if n.CanvasID != canvasID {
			return violation("node", n.ID, "belongs to canvas %q, not %q", n.CanvasID, canvasID)
		}
		if n.Type == "" {
			return violation("node", n.ID, "type is required")
		}
		if catalog != nil {
			if _, ok := catalog.Definition(n.Type); !ok {
				return violation("node", n.ID, "unknown node type %q", n.Type)
			}
		}
		nodes[n.ID] = n
	}

	handles := make(map[string]*models.Handle, len(e.Handles))
	keys := make(map[string]bool)
	for _, h := range e.Handles {
		if err := validateHandle(h, canvasID, nodes, catalog); err != nil {
			return err
		}
		if _, dup := handles[h.ID]; dup {
			return violation("handle", h.ID, "duplicate id")
		}
		if h.Key != "" {
			k := h.NodeID + "/" + string(h.Direction) + "/" + h.Key
			if keys[k] {
				return violation("handle", h.ID, "node %s already has a %s handle %q", h.NodeID, h.Direction, h.Key)
			}
			keys[k] = true
		}
		handles[h.ID] = h
	}

	if catalog != nil {
		for _, n := range e.Nodes {
			def, _ := catalog.Definition(n.Type)
			for _, hs := range def.Handles {
				if !keys[n.ID+"/"+string(hs.Direction)+"/"+hs.Key] {
					return violation("node", n.ID, "missing declared %s handle %q", hs.Direction, hs.Key)
				}
			}
		}
	}

	edgeIDs := make(map[string]bool, len(e.Edges))
	fed := make(map[string]string, len(e.Edges))
	adjacency := make(map[string][]string)
	for _, ed := range e.Edges {
		if ed.ID == "" || edgeIDs[ed.ID] {
			return violation("edge", ed.ID, "missing or duplicate id")
		}
		edgeIDs[ed.ID] = true

		if err := validateEdge(ed, canvasID, handles); err != nil {
			return err
		}
		if other, taken := fed[ed.TargetHandleID]; taken {
			return violation("edge", ed.ID, "input handle %s already fed by edge %s", ed.TargetHandleID, other)
		}
		fed[ed.TargetHandleID] = ed.ID
		adjacency[ed.SourceNodeID] = append(adjacency[ed.SourceNodeID], ed.TargetNodeID)
	}

	if cycleAt := findCycle(e.Nodes, adjacency); cycleAt != "" {
		return violation("node", cycleAt, "edges form a cycle")
	}

	for _, n := range e.Nodes {
		if err := validateNodeResult(n, handles); err != nil {
			return err
		}
	}

	return nil
}

func validateHandle(h *models.Handle, canvasID string, nodes map[string]*models.Node, catalog TypeCatalog) error {
	if h.ID == "" {
		return violation("handle", h.ID, "id is required")
	}
	if h.CanvasID != canvasID {
		return violation("handle", h.ID, "belongs to canvas %q, not %q", h.CanvasID, canvasID)
	}
	owner, ok := nodes[h.NodeID]
	if !ok {
		return violation("handle", h.ID, "owning node %s does not exist", h.NodeID)
	}
	if h.Direction != models.HandleInput && h.Direction != models.HandleOutput {
		return violation("handle", h.ID, "invalid direction %q", h.Direction)
	}
	if len(h.DataTypes) == 0 {
		return violation("handle", h.ID, "at least one data type is required")
	}
	for _, dt := range h.DataTypes {
		if !dt.Valid() {
			return violation("handle", h.ID, "unknown data type %q", dt)
		}
	}
	if h.Required && h.Direction != models.HandleInput {
		return violation("handle", h.ID, "only input handles can be required")
	}

	if catalog == nil {
		return nil
	}
	def, _ := catalog.Definition(owner.Type)
	if h.Key != "" {
		if _, declared := def.HandleSpec(h.Key, h.Direction); !declared {
			return violation("handle", h.ID, "type %s declares no %s handle %q", owner.Type, h.Direction, h.Key)
		}
		return nil
	}
	if h.Direction == models.HandleOutput {
		return violation("handle", h.ID, "custom output handles are not supported")
	}
	if !def.VariableInputs {
		return violation("handle", h.ID, "type %s does not accept custom inputs", owner.Type)
	}
	return nil
}

func validateEdge(ed *models.Edge, canvasID string, handles map[string]*models.Handle) error {
	if ed.CanvasID != canvasID {
		return violation("edge", ed.ID, "belongs to canvas %q, not %q", ed.CanvasID, canvasID)
	}
	src, ok := handles[ed.SourceHandleID]
	if !ok {
		return violation("edge", ed.ID, "source handle %s does not exist", ed.SourceHandleID)
	}
	dst, ok := handles[ed.TargetHandleID]
	if !ok {
		return violation("edge", ed.ID, "target handle %s does not exist", ed.TargetHandleID)
	}
	if src.Direction != models.HandleOutput {
		return violation("edge", ed.ID, "source handle %s is not an output", src.ID)
	}
	if dst.Direction != models.HandleInput {
		return violation("edge", ed.ID, "target handle %s is not an input", dst.ID)
	}
	if src.NodeID != ed.SourceNodeID || dst.NodeID != ed.TargetNodeID {
		return violation("edge", ed.ID, "endpoint node ids do not match handle owners")
	}
	if ed.SourceNodeID == ed.TargetNodeID {
		return violation("edge", ed.ID, "self-loop on node %s", ed.SourceNodeID)
	}
	if !models.SharesDataType(src, dst) {
		return violation("edge", ed.ID, "handles %s and %s share no data type", src.ID, dst.ID)
	}
	return nil
}

func validateNodeResult(n *models.Node, handles map[string]*models.Handle) error {
	if n.Result == nil {
		return nil
	}
	if err := n.Result.Validate(); err != nil {
		return violation("node", n.ID, "%v", err)
	}
	for _, out := range n.Result.Outputs {
		for _, item := range out.Items {
			if item.OutputHandleID == nil {
				continue
			}
			h, ok := handles[*item.OutputHandleID]
			if !ok || h.NodeID != n.ID || h.Direction != models.HandleOutput {
				return violation("node", n.ID, "result references handle %s it does not own", *item.OutputHandleID)
			}
		}
	}
	return nil
}

// findCycle returns a node on a cycle, or "" when the graph is acyclic
func findCycle(nodes []*models.Node, adjacency map[string][]string) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(nodes))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = visiting
		for _, next := range adjacency[id] {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if at := visit(next); at != "" {
					return at
				}
			}
		}
		state[id] = done
		return ""
	}

	for _, n := range nodes {
		if state[n.ID] == unvisited {
			if at := visit(n.ID); at != "" {
				return at
			}
		}
	}
	return ""
}
