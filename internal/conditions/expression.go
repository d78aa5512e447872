package conditions

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op identifies the node kind of an expression tree.
type Op string

const (
	// OpAnd is satisfied when every child is satisfied.
	OpAnd Op = "and"
	// OpOr is satisfied when at least one child is satisfied.
	OpOr Op = "or"
	// OpNot negates its single child.
	OpNot Op = "not"
	// OpPredicate evaluates a named predicate against a snapshot.
	OpPredicate Op = "predicate"
)

var (
	// ErrMalformedExpression indicates a structurally invalid expression tree.
	ErrMalformedExpression = errors.New("conditions: malformed expression")
	// ErrUnknownPredicate indicates that an expression references an unregistered predicate.
	ErrUnknownPredicate = errors.New("conditions: unknown predicate")
	// ErrInvalidParams indicates that predicate parameters are missing or malformed.
	ErrInvalidParams = errors.New("conditions: invalid predicate params")
)

// Params carries predicate arguments as loaded from template data.
type Params map[string]string

// Expression is a boolean tree over named predicates.
type Expression struct {
	Op        Op           `json:"op"`
	Children  []Expression `json:"children,omitempty"`
	Predicate string       `json:"predicate,omitempty"`
	Params    Params       `json:"params,omitempty"`
}

// And builds a conjunction.
func And(children ...Expression) Expression {
	return Expression{Op: OpAnd, Children: children}
}

// Or builds a disjunction.
func Or(children ...Expression) Expression {
	return Expression{Op: OpOr, Children: children}
}

// Not negates child.
func Not(child Expression) Expression {
	return Expression{Op: OpNot, Children: []Expression{child}}
}

// Predicate builds a leaf referencing a registered predicate.
func Predicate(name string, params Params) Expression {
	return Expression{Op: OpPredicate, Predicate: name, Params: params}
}

// String renders the expression in a compact prefix form for logs.
func (expression Expression) String() string {
	switch expression.Op {
	case OpPredicate:
		if len(expression.Params) == 0 {
			return expression.Predicate
		}
		return fmt.Sprintf("%s%v", expression.Predicate, map[string]string(expression.Params))
	case OpAnd, OpOr, OpNot:
		parts := make([]string, 0, len(expression.Children))
		for _, child := range expression.Children {
			parts = append(parts, child.String())
		}
		return fmt.Sprintf("%s(%s)", expression.Op, strings.Join(parts, ", "))
	default:
		return string(expression.Op)
	}
}

type yamlExpression struct {
	All       *[]Expression `yaml:"all"`
	Any       *[]Expression `yaml:"any"`
	Not       *Expression   `yaml:"not"`
	Predicate string        `yaml:"predicate"`
	Params    Params        `yaml:"params"`
}

// UnmarshalYAML decodes the template form: exactly one of all, any, not or predicate.
func (expression *Expression) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		name := strings.TrimSpace(node.Value)
		if name == "" {
			return fmt.Errorf("%w: empty predicate at line %d", ErrMalformedExpression, node.Line)
		}
		*expression = Predicate(name, nil)
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: expected mapping at line %d", ErrMalformedExpression, node.Line)
	}

	var raw yamlExpression
	if err := node.Decode(&raw); err != nil {
		return err
	}

	forms := 0
	if raw.All != nil {
		forms++
		*expression = And(*raw.All...)
	}
	if raw.Any != nil {
		forms++
		*expression = Or(*raw.Any...)
	}
	if raw.Not != nil {
		forms++
		*expression = Not(*raw.Not)
	}
	if raw.Predicate != "" {
		forms++
		*expression = Predicate(strings.TrimSpace(raw.Predicate), raw.Params)
	}
	if forms != 1 {
		return fmt.Errorf("%w: expected exactly one of all, any, not, predicate at line %d", ErrMalformedExpression, node.Line)
	}
	if raw.Params != nil && raw.Predicate == "" {
		return fmt.Errorf("%w: params without predicate at line %d", ErrMalformedExpression, node.Line)
	}
	return nil
}
