package processor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/lyzr/canvasgraph/common/models"
)

// RuleEvaluator evaluates node config rules written in CEL.
// Rules see the node config as the variable `config`.
type RuleEvaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewRuleEvaluator creates an evaluator with an empty program cache
func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("config", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &RuleEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs expr against config
func (e *RuleEvaluator) Evaluate(expr string, config map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if config == nil {
		config = map[string]interface{}{}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"config": config,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// Check evaluates every rule of def. The first rule that is false or
// errors is reported with its message.
func (e *RuleEvaluator) Check(def models.NodeTypeDef, config map[string]interface{}) error {
	for _, rule := range def.ConfigRules {
		ok, err := e.Evaluate(rule.Expression, config)
		if err != nil {
			return fmt.Errorf("config rule %q: %w", rule.Expression, err)
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = "config rule failed: " + rule.Expression
			}
			return fmt.Errorf("%s", msg)
		}
	}
	return nil
}

// Compile checks that expr is valid and caches it
func (e *RuleEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *RuleEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached programs
func (e *RuleEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
