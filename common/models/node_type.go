package models

// ProcessorKind separates cheap in-process transforms from provider-backed work
type ProcessorKind string

const (
	KindLocal  ProcessorKind = "local"
	KindRemote ProcessorKind = "remote"
)

// HandleSpec declares a handle every node of a type must carry
type HandleSpec struct {
	Key       string          `json:"key"`
	Label     string          `json:"label,omitempty"`
	Direction HandleDirection `json:"direction"`
	DataTypes []DataType      `json:"data_types"`
	Order     int             `json:"order"`
	Required  bool            `json:"required,omitempty"`
}

// ConfigRule is a CEL expression over `config` that must evaluate to true
type ConfigRule struct {
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// NodeTypeDef is the static metadata of a node type
type NodeTypeDef struct {
	Type        string        `json:"type"`
	Kind        ProcessorKind `json:"kind"`
	Category    string        `json:"category"`
	DisplayName string        `json:"display_name"`
	Handles     []HandleSpec  `json:"handles"`

	// Custom input handles may be added at runtime
	VariableInputs bool `json:"variable_inputs"`

	ConfigRules []ConfigRule `json:"config_rules,omitempty"`

	// Re-emits the node's current result without computing
	Passthrough bool `json:"passthrough"`
}

// HandleSpec returns the declaration with key and direction
func (d NodeTypeDef) HandleSpec(key string, dir HandleDirection) (HandleSpec, bool) {
	for _, hs := range d.Handles {
		if hs.Key == key && hs.Direction == dir {
			return hs, true
		}
	}
	return HandleSpec{}, false
}

// InstantiateHandles builds the static handles for a new node
func (d NodeTypeDef) InstantiateHandles(canvasID, nodeID string, newID func() string) []*Handle {
	out := make([]*Handle, 0, len(d.Handles))
	for _, hs := range d.Handles {
		out = append(out, &Handle{
			ID:        newID(),
			CanvasID:  canvasID,
			NodeID:    nodeID,
			Key:       hs.Key,
			Label:     hs.Label,
			Direction: hs.Direction,
			DataTypes: append([]DataType(nil), hs.DataTypes...),
			Order:     hs.Order,
			Required:  hs.Required,
		})
	}
	return out
}
