package expr

import (
	"fmt"
	"strings"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// Definition is the declarative form of an expression used in plan files:
//
//	{field: speed}
//	{literal: 10, type: float64}
//	{op: gt, args: [{field: speed}, {literal: 10}]}
//	{call: edwithin, args: [...]}
type Definition struct {
	Field   string       `yaml:"field,omitempty"`
	Literal any          `yaml:"literal,omitempty"`
	Type    string       `yaml:"type,omitempty"`
	Op      string       `yaml:"op,omitempty"`
	Call    string       `yaml:"call,omitempty"`
	Args    []Definition `yaml:"args,omitempty"`
}

// Build converts d into an expression.
func (d Definition) Build() (Expression, error) {
	switch {
	case d.Field != "":
		return Col(d.Field), nil

	case d.Op != "":
		args, err := buildAll(d.Args)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(d.Op, "not") {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: NOT takes 1 argument, got %d", errors.ErrType, len(args))
			}
			return &Not{Expr: args[0]}, nil
		}
		op, err := ParseBinOpKind(d.Op)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errors.ErrKey, err)
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes 2 arguments, got %d", errors.ErrType, op, len(args))
		}
		return NewBinary(op, args[0], args[1]), nil

	case d.Call != "":
		args, err := buildAll(d.Args)
		if err != nil {
			return nil, err
		}
		return &Call{Name: d.Call, Args: args}, nil

	case d.Literal != nil:
		return literalOf(d.Literal, d.Type)
	}
	return nil, fmt.Errorf("%w: empty expression", errors.ErrKey)
}

func buildAll(defs []Definition) ([]Expression, error) {
	out := make([]Expression, 0, len(defs))
	for _, d := range defs {
		e, err := d.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func literalOf(v any, typ string) (Expression, error) {
	lit := Lit(v)
	switch strings.ToLower(typ) {
	case "":
		// Keep the decoded type.
	case "float64":
		switch n := lit.Value.(type) {
		case int64:
			lit.Value = float64(n)
		case uint64:
			lit.Value = float64(n)
		}
	case "uint64":
		if n, ok := lit.Value.(int64); ok && n >= 0 {
			lit.Value = uint64(n)
		}
	case "int64":
		if f, ok := lit.Value.(float64); ok && f == float64(int64(f)) {
			lit.Value = int64(f)
		}
	case "string":
		lit.Value = fmt.Sprint(lit.Value)
	case "binary":
		lit.Value = []byte(fmt.Sprint(lit.Value))
	}
	if _, err := lit.Type(nil); err != nil {
		return nil, err
	}
	return lit, nil
}
