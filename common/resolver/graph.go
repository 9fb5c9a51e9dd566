package resolver

import (
	"sort"

	"github.com/lyzr/canvasgraph/common/models"
)

// Graph is a read-only, indexed view of one canvas.
// Callers must not mutate anything reachable from it.
type Graph struct {
	canvas        models.Canvas
	nodes         map[string]*models.Node
	nodeOrder     []*models.Node
	handles       map[string]*models.Handle
	handlesByNode map[string][]*models.Handle
	incoming      map[string]*models.Edge   // target handle id -> edge
	outgoing      map[string][]*models.Edge // source node id -> edges
}

// NewGraph indexes a snapshot of canvas entities. The snapshot is copied.
func NewGraph(entities *models.CanvasEntities) *Graph {
	e := entities.Clone()
	if e == nil {
		e = &models.CanvasEntities{}
	}

	g := &Graph{
		canvas:        e.Canvas,
		nodes:         make(map[string]*models.Node, len(e.Nodes)),
		nodeOrder:     e.Nodes,
		handles:       make(map[string]*models.Handle, len(e.Handles)),
		handlesByNode: make(map[string][]*models.Handle),
		incoming:      make(map[string]*models.Edge, len(e.Edges)),
		outgoing:      make(map[string][]*models.Edge),
	}

	for _, n := range e.Nodes {
		g.nodes[n.ID] = n
	}
	for _, h := range e.Handles {
		g.handles[h.ID] = h
		g.handlesByNode[h.NodeID] = append(g.handlesByNode[h.NodeID], h)
	}
	for nodeID := range g.handlesByNode {
		sortHandles(g.handlesByNode[nodeID])
	}
	for _, edge := range e.Edges {
		if _, taken := g.incoming[edge.TargetHandleID]; !taken {
			g.incoming[edge.TargetHandleID] = edge
		}
		g.outgoing[edge.SourceNodeID] = append(g.outgoing[edge.SourceNodeID], edge)
	}

	return g
}

// sortHandles orders by display order. Stores return handles in creation
// order, so equal slots keep it.
func sortHandles(hs []*models.Handle) {
	sort.SliceStable(hs, func(i, j int) bool {
		return hs[i].Order < hs[j].Order
	})
}

// Canvas returns the canvas the graph was built from
func (g *Graph) Canvas() models.Canvas {
	return g.canvas
}

// Node looks up a node by id
func (g *Graph) Node(id string) (*models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in load order
func (g *Graph) Nodes() []*models.Node {
	return g.nodeOrder
}

// Handle looks up a handle by id
func (g *Graph) Handle(id string) (*models.Handle, bool) {
	h, ok := g.handles[id]
	return h, ok
}

// Handles returns a node's handles in the given direction, ordered
func (g *Graph) Handles(nodeID string, dir models.HandleDirection) []*models.Handle {
	var out []*models.Handle
	for _, h := range g.handlesByNode[nodeID] {
		if h.Direction == dir {
			out = append(out, h)
		}
	}
	return out
}

// IncomingEdge returns the edge feeding an input handle, or nil
func (g *Graph) IncomingEdge(handleID string) *models.Edge {
	return g.incoming[handleID]
}

// OutgoingEdges returns the edges leaving a node
func (g *Graph) OutgoingEdges(nodeID string) []*models.Edge {
	return g.outgoing[nodeID]
}
