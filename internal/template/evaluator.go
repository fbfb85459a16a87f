package template

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/stepflow/pkg/errors"
)

// Evaluator evaluates rendered condition templates as boolean expressions.
// It caches compiled expressions for repeated evaluations of the same
// orchestration rule across turns.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// EvaluateCondition renders the condition template against ctx and evaluates
// the result as a boolean expression.
//
// Missing variables surface as *errors.MissingVarsError (the caller decides
// whether that skips the rule); any compile or runtime failure surfaces as
// *errors.ConditionError.
func (e *Evaluator) EvaluateCondition(condition string, ctx map[string]interface{}) (bool, error) {
	if condition == "" {
		return false, &errors.ConditionError{Condition: condition, Cause: errors.New("empty condition")}
	}

	rendered, err := RenderExpression(condition, ctx)
	if err != nil {
		var missing *errors.MissingVarsError
		if errors.As(err, &missing) {
			return false, err
		}
		return false, &errors.ConditionError{Condition: condition, Cause: err}
	}

	program, err := e.compile(rendered)
	if err != nil {
		return false, &errors.ConditionError{Condition: condition, Cause: err}
	}

	result, err := expr.Run(program, map[string]interface{}{})
	if err != nil {
		return false, &errors.ConditionError{Condition: condition, Cause: err}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ConditionError{
			Condition: condition,
			Cause:     errors.New("expression did not evaluate to a boolean"),
		}
	}

	return boolResult, nil
}

// compile compiles a rendered expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	// Check cache first (read lock)
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// By the time a condition reaches compilation every variable has been
	// replaced by a literal, so the expression evaluates over constants only.
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
// This is mainly useful for testing.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
