package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
	"github.com/lyzr/canvasgraph/common/validation"
)

// Applier applies patches to a canvas all-or-nothing
type Applier struct {
	catalog   resolver.TypeCatalog
	validator *validation.PatchValidator
	options   *jsonpatch.ApplyOptions
}

// NewApplier creates an applier. catalog may be nil to skip type checks.
func NewApplier(catalog resolver.TypeCatalog, validator *validation.PatchValidator) *Applier {
	if validator == nil {
		validator = validation.NewPatchValidator()
	}
	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = false
	opts.AllowMissingPathOnRemove = false
	return &Applier{catalog: catalog, validator: validator, options: opts}
}

// Document builds the structural document patches address
func Document(e *models.CanvasEntities) *models.CanvasDocument {
	doc := &models.CanvasDocument{
		Nodes:   make(map[string]models.NodeDocument, len(e.Nodes)),
		Handles: make(map[string]*models.Handle, len(e.Handles)),
		Edges:   make(map[string]*models.Edge, len(e.Edges)),
	}
	for _, n := range e.Nodes {
		doc.Nodes[n.ID] = n.Document()
	}
	for _, h := range e.Handles {
		hc := *h
		hc.DataTypes = append([]models.DataType{}, h.DataTypes...)
		doc.Handles[h.ID] = &hc
	}
	for _, ed := range e.Edges {
		ec := *ed
		doc.Edges[ed.ID] = &ec
	}
	return doc
}

// Unchanged reports whether next has the same structure as current, as
// after a patch made only of passing test operations
func Unchanged(current, next *models.CanvasEntities) bool {
	a, errA := json.Marshal(Document(current))
	b, errB := json.Marshal(Document(next))
	return errA == nil && errB == nil && string(a) == string(b)
}

// Apply returns the canvas that results from applying p to current.
// current is never modified. Any failure is a *models.PatchRejectedError.
func (a *Applier) Apply(current *models.CanvasEntities, p *models.Patch) (*models.CanvasEntities, error) {
	if p.CanvasID != "" && p.CanvasID != current.Canvas.ID {
		return nil, &models.PatchRejectedError{Index: -1, Reason: fmt.Sprintf("patch targets canvas %s, not %s", p.CanvasID, current.Canvas.ID)}
	}
	if err := a.validator.ValidateOperations(p.Operations); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(Document(current))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canvas document: %w", err)
	}

	for i, op := range p.Operations {
		raw, err := json.Marshal([]models.Operation{op})
		if err != nil {
			return nil, reject(i, op, "cannot encode operation", err)
		}
		decoded, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, reject(i, op, "malformed operation", err)
		}
		next, err := decoded.ApplyWithOptions(doc, a.options)
		if err != nil {
			reason := "operation failed"
			if errors.Is(err, jsonpatch.ErrTestFailed) {
				reason = "test failed"
			}
			return nil, reject(i, op, reason, err)
		}
		doc = next
	}

	var out models.CanvasDocument
	if err := validation.DecodeStrict(doc, &out); err != nil {
		return nil, &models.PatchRejectedError{Index: -1, Reason: "patched document is malformed: " + err.Error(), Err: err}
	}

	next, err := a.materialize(current, &out)
	if err != nil {
		return nil, &models.PatchRejectedError{Index: -1, Reason: err.Error(), Err: err}
	}
	if err := resolver.ValidateEntities(next, a.catalog); err != nil {
		return nil, &models.PatchRejectedError{Index: -1, Reason: err.Error(), Err: err}
	}
	return next, nil
}

// Validate checks a full canvas against the graph invariants. Used when a
// canvas is saved wholesale instead of patched.
func (a *Applier) Validate(e *models.CanvasEntities) error {
	return resolver.ValidateEntities(e, a.catalog)
}

func reject(i int, op models.Operation, reason string, err error) error {
	return &models.PatchRejectedError{Index: i, Op: op.Op, Path: op.Path, Reason: reason + ": " + err.Error(), Err: err}
}

// materialize turns the patched document back into entities. Existing
// entities keep their position; new ones follow in id order. Node results
// carry over unless the node changed type.
func (a *Applier) materialize(current *models.CanvasEntities, doc *models.CanvasDocument) (*models.CanvasEntities, error) {
	canvasID := current.Canvas.ID
	next := &models.CanvasEntities{Canvas: current.Canvas}

	prevNodes := make(map[string]*models.Node, len(current.Nodes))
	for _, n := range current.Nodes {
		prevNodes[n.ID] = n
	}

	nodeIDs := orderedIDs(len(doc.Nodes), func(yield func(string)) {
		for _, n := range current.Nodes {
			yield(n.ID)
		}
	}, keys(doc.Nodes))
	for _, id := range nodeIDs {
		nd := doc.Nodes[id]
		if nd.ID != id {
			return nil, fmt.Errorf("node keyed %q has id %q", id, nd.ID)
		}
		if nd.CanvasID == "" {
			nd.CanvasID = canvasID
		}
		n := &models.Node{
			ID:          nd.ID,
			CanvasID:    nd.CanvasID,
			Type:        nd.Type,
			Config:      nd.Config,
			IsTerminal:  nd.IsTerminal,
			IsTransient: nd.IsTransient,
		}
		if n.Config == nil {
			n.Config = map[string]interface{}{}
		}
		if prev, ok := prevNodes[id]; ok {
			n.CreatedAt = prev.CreatedAt
			n.UpdatedAt = prev.UpdatedAt
			if prev.Type == n.Type {
				n.Result = prev.Result.Clone()
			}
		}
		next.Nodes = append(next.Nodes, n)
	}

	handleIDs := orderedIDs(len(doc.Handles), func(yield func(string)) {
		for _, h := range current.Handles {
			yield(h.ID)
		}
	}, keys(doc.Handles))
	for _, id := range handleIDs {
		h := doc.Handles[id]
		if h == nil || h.ID != id {
			return nil, fmt.Errorf("handle keyed %q has a different id", id)
		}
		if h.CanvasID == "" {
			h.CanvasID = canvasID
		}
		next.Handles = append(next.Handles, h)
	}

	edgeIDs := orderedIDs(len(doc.Edges), func(yield func(string)) {
		for _, e := range current.Edges {
			yield(e.ID)
		}
	}, keys(doc.Edges))
	for _, id := range edgeIDs {
		e := doc.Edges[id]
		if e == nil || e.ID != id {
			return nil, fmt.Errorf("edge keyed %q has a different id", id)
		}
		if e.CanvasID == "" {
			e.CanvasID = canvasID
		}
		next.Edges = append(next.Edges, e)
	}

	return next, nil
}

func keys[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// orderedIDs lists present ids: previous order first, then new ids sorted
func orderedIDs(n int, previous func(yield func(string)), present map[string]bool) []string {
	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	previous(func(id string) {
		if present[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	})
	var added []string
	for id := range present {
		if !seen[id] {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	return append(out, added...)
}
