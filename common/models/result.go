package models

import (
	"fmt"
)

// OutputItem is one typed value inside a generation
type OutputItem struct {
	Type DataType `json:"type"`
	Data string   `json:"data"`

	// Output handle this item satisfies. Nil for export nodes with no
	// declared output handle.
	OutputHandleID *string `json:"output_handle_id"`
}

// Output is one generation of a node's result
type Output struct {
	Items []OutputItem `json:"items"`
}

// ItemFor returns the item tagged with handleID, or nil
func (o *Output) ItemFor(handleID string) *OutputItem {
	if o == nil {
		return nil
	}
	for i := range o.Items {
		if o.Items[i].OutputHandleID != nil && *o.Items[i].OutputHandleID == handleID {
			return &o.Items[i]
		}
	}
	return nil
}

// NodeResult holds a node's generations and which one is live.
//
// Values are treated as immutable once built: every change goes through
// WithGeneration or WithSelection, which return a fresh value that the
// orchestrator swaps in whole.
type NodeResult struct {
	Outputs             []Output `json:"outputs"`
	SelectedOutputIndex int      `json:"selected_output_index"`
}

// NewNodeResult builds a single-generation result
func NewNodeResult(items ...OutputItem) *NodeResult {
	return &NodeResult{
		Outputs:             []Output{{Items: copyItems(items)}},
		SelectedOutputIndex: 0,
	}
}

// Selected returns the live generation, or nil when there is none
func (r *NodeResult) Selected() *Output {
	if r == nil || len(r.Outputs) == 0 {
		return nil
	}
	if r.SelectedOutputIndex < 0 || r.SelectedOutputIndex >= len(r.Outputs) {
		return nil
	}
	return &r.Outputs[r.SelectedOutputIndex]
}

// WithGeneration returns a copy with out appended and selected
func (r *NodeResult) WithGeneration(out Output) *NodeResult {
	next := r.Clone()
	if next == nil {
		next = &NodeResult{}
	}
	next.Outputs = append(next.Outputs, Output{Items: copyItems(out.Items)})
	next.SelectedOutputIndex = len(next.Outputs) - 1
	return next
}

// WithSelection returns a copy with generation idx selected
func (r *NodeResult) WithSelection(idx int) (*NodeResult, error) {
	if r == nil || idx < 0 || idx >= len(r.Outputs) {
		n := 0
		if r != nil {
			n = len(r.Outputs)
		}
		return nil, fmt.Errorf("selected output index %d out of range [0,%d)", idx, n)
	}
	next := r.Clone()
	next.SelectedOutputIndex = idx
	return next, nil
}

// Validate checks the selection bounds
func (r *NodeResult) Validate() error {
	if r == nil || len(r.Outputs) == 0 {
		return nil
	}
	if r.SelectedOutputIndex < 0 || r.SelectedOutputIndex >= len(r.Outputs) {
		return fmt.Errorf("selected output index %d out of range [0,%d)", r.SelectedOutputIndex, len(r.Outputs))
	}
	return nil
}

// Clone returns a deep copy
func (r *NodeResult) Clone() *NodeResult {
	if r == nil {
		return nil
	}
	out := &NodeResult{
		Outputs:             make([]Output, len(r.Outputs)),
		SelectedOutputIndex: r.SelectedOutputIndex,
	}
	for i, o := range r.Outputs {
		out.Outputs[i] = Output{Items: copyItems(o.Items)}
	}
	return out
}

func copyItems(items []OutputItem) []OutputItem {
	if items == nil {
		return nil
	}
	out := make([]OutputItem, len(items))
	for i, it := range items {
		out[i] = it
		if it.OutputHandleID != nil {
			id := *it.OutputHandleID
			out[i].OutputHandleID = &id
		}
	}
	return out
}

// HandleRef returns a pointer to id for OutputItem.OutputHandleID
func HandleRef(id string) *string {
	return &id
}
