package conditions

import (
	"fmt"
	"sort"
	"sync"
)

// PredicateFunc is a pure function of a snapshot and its parameters.
type PredicateFunc func(snapshot Snapshot, params Params) (bool, error)

// ParamsChecker validates predicate parameters without a snapshot.
type ParamsChecker func(params Params) error

type predicateEntry struct {
	evaluate PredicateFunc
	check    ParamsChecker
}

// Evaluator resolves predicate names and evaluates expression trees.
type Evaluator struct {
	mu         sync.RWMutex
	predicates map[string]predicateEntry
}

// NewEvaluator returns an evaluator preloaded with the built-in predicates.
func NewEvaluator() *Evaluator {
	evaluator := &Evaluator{predicates: make(map[string]predicateEntry)}
	registerBuiltins(evaluator)
	return evaluator
}

// Register adds or replaces a predicate. A nil checker accepts any params.
func (e *Evaluator) Register(name string, evaluate PredicateFunc, check ParamsChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = predicateEntry{evaluate: evaluate, check: check}
}

// Known reports the registered predicate names in sorted order.
func (e *Evaluator) Known() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.predicates))
	for name := range e.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Evaluator) lookup(name string) (predicateEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.predicates[name]
	return entry, ok
}

// Validate checks the structure of expression and every predicate reference.
func (e *Evaluator) Validate(expression Expression) error {
	switch expression.Op {
	case OpAnd, OpOr:
		for index, child := range expression.Children {
			if err := e.Validate(child); err != nil {
				return fmt.Errorf("%s[%d]: %w", expression.Op, index, err)
			}
		}
		return nil
	case OpNot:
		if len(expression.Children) != 1 {
			return fmt.Errorf("%w: not expects one child, got %d", ErrMalformedExpression, len(expression.Children))
		}
		return e.Validate(expression.Children[0])
	case OpPredicate:
		entry, ok := e.lookup(expression.Predicate)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPredicate, expression.Predicate)
		}
		if entry.check != nil {
			if err := entry.check(expression.Params); err != nil {
				return fmt.Errorf("%s: %w", expression.Predicate, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformedExpression, expression.Op)
	}
}

// Evaluate computes the truth value of expression against snapshot.
// An empty conjunction is true and an empty disjunction is false.
func (e *Evaluator) Evaluate(expression Expression, snapshot Snapshot) (bool, error) {
	switch expression.Op {
	case OpAnd:
		for _, child := range expression.Children {
			satisfied, err := e.Evaluate(child, snapshot)
			if err != nil {
				return false, err
			}
			if !satisfied {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, child := range expression.Children {
			satisfied, err := e.Evaluate(child, snapshot)
			if err != nil {
				return false, err
			}
			if satisfied {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(expression.Children) != 1 {
			return false, fmt.Errorf("%w: not expects one child, got %d", ErrMalformedExpression, len(expression.Children))
		}
		satisfied, err := e.Evaluate(expression.Children[0], snapshot)
		if err != nil {
			return false, err
		}
		return !satisfied, nil
	case OpPredicate:
		entry, ok := e.lookup(expression.Predicate)
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownPredicate, expression.Predicate)
		}
		return entry.evaluate(snapshot, expression.Params)
	default:
		return false, fmt.Errorf("%w: unknown op %q", ErrMalformedExpression, expression.Op)
	}
}
