package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultProgramCacheSize bounds how many compiled conditions are kept.
const DefaultProgramCacheSize = 256

// ConditionVars are the variables visible to an auto-execute condition.
type ConditionVars struct {
	Action        string
	Risk          string
	Payload       map[string]any
	Justification string
}

// ConditionEvaluator compiles and evaluates CEL auto-execute conditions.
// Programs are cached by expression, least recently used first out.
type ConditionEvaluator struct {
	env      *cel.Env
	prgCache *lru.Cache
	mu       sync.Mutex
}

// NewConditionEvaluator creates an evaluator with the condition environment
// and a program cache of DefaultProgramCacheSize entries.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	return NewConditionEvaluatorSize(DefaultProgramCacheSize)
}

// NewConditionEvaluatorSize is NewConditionEvaluator with a custom cache size.
func NewConditionEvaluatorSize(cacheSize int) (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("justification", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &ConditionEvaluator{env: env, prgCache: cache}, nil
}

// CachedPrograms reports how many compiled conditions are held.
func (e *ConditionEvaluator) CachedPrograms() int {
	return e.prgCache.Len()
}

// Compile checks that expr is a valid boolean condition and caches it.
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval runs expr against vars. A non-boolean result is an error.
func (e *ConditionEvaluator) Eval(expr string, vars ConditionVars) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	payload := vars.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"action":        vars.Action,
		"risk":          vars.Risk,
		"payload":       payload,
		"justification": vars.Justification,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is %T, not bool", out.Value())
	}
	return val, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	if cached, hit := e.prgCache.Get(expr); hit {
		return cached.(cel.Program), nil
	}

	// one compile per expression at a time; the cache itself is safe
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, hit := e.prgCache.Get(expr); hit {
		return cached.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: condition must be boolean, got %s", out)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache.Add(expr, p)
	return p, nil
}
