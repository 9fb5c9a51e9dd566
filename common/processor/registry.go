package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lyzr/canvasgraph/common/models"
)

// Registry maps node types to exactly one processor each. Built at
// startup and injected; there is no package-level registry.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	rules      *RuleEvaluator
}

// NewRegistry creates an empty registry
func NewRegistry() (*Registry, error) {
	rules, err := NewRuleEvaluator()
	if err != nil {
		return nil, err
	}
	return &Registry{
		processors: make(map[string]Processor),
		rules:      rules,
	}, nil
}

// Register adds p. Registering a type twice is an error.
func (r *Registry) Register(p Processor) error {
	def := p.Definition()
	if err := r.validateDefinition(def); err != nil {
		return fmt.Errorf("invalid node type %q: %w", def.Type, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[def.Type]; exists {
		return fmt.Errorf("node type %q is already registered", def.Type)
	}
	r.processors[def.Type] = p
	return nil
}

// GetByType returns the processor for nodeType
func (r *Registry) GetByType(nodeType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[nodeType]
	if !ok {
		return nil, fmt.Errorf("no processor for node type %q: %w", nodeType, models.ErrNotFound)
	}
	return p, nil
}

// Definition implements resolver.TypeCatalog
func (r *Registry) Definition(nodeType string) (models.NodeTypeDef, bool) {
	p, err := r.GetByType(nodeType)
	if err != nil {
		return models.NodeTypeDef{}, false
	}
	return p.Definition(), true
}

// All returns every registered definition sorted by type
func (r *Registry) All() []models.NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.NodeTypeDef, 0, len(r.processors))
	for _, p := range r.processors {
		out = append(out, p.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// CheckConfig evaluates the type's config rules against config
func (r *Registry) CheckConfig(def models.NodeTypeDef, config map[string]interface{}) error {
	return r.rules.Check(def, config)
}

func (r *Registry) validateDefinition(def models.NodeTypeDef) error {
	if def.Type == "" {
		return fmt.Errorf("type is required")
	}
	switch def.Kind {
	case models.KindLocal, models.KindRemote:
	default:
		return fmt.Errorf("unknown processor kind %q", def.Kind)
	}

	seen := make(map[string]bool, len(def.Handles))
	for _, hs := range def.Handles {
		if hs.Key == "" {
			return fmt.Errorf("handle key is required")
		}
		k := string(hs.Direction) + "/" + hs.Key
		if seen[k] {
			return fmt.Errorf("duplicate %s handle %q", hs.Direction, hs.Key)
		}
		seen[k] = true

		if hs.Direction != models.HandleInput && hs.Direction != models.HandleOutput {
			return fmt.Errorf("handle %q: invalid direction %q", hs.Key, hs.Direction)
		}
		if len(hs.DataTypes) == 0 {
			return fmt.Errorf("handle %q: at least one data type is required", hs.Key)
		}
		for _, dt := range hs.DataTypes {
			if !dt.Valid() {
				return fmt.Errorf("handle %q: unknown data type %q", hs.Key, dt)
			}
		}
		if hs.Required && hs.Direction == models.HandleOutput {
			return fmt.Errorf("handle %q: outputs cannot be required", hs.Key)
		}
	}

	for _, rule := range def.ConfigRules {
		if err := r.rules.Compile(rule.Expression); err != nil {
			return err
		}
	}
	return nil
}
