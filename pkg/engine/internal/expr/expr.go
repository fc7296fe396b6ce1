// Package expr implements expressions evaluated against Arrow records.
//
// Expressions are immutable trees. Rewrites return new nodes through
// [Expression.WithChildren] and never modify an existing tree, so an
// expression may be shared freely between pipelines.
package expr

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// Expression is a node of an expression tree.
type Expression interface {
	// Type returns the type of the values the expression produces for
	// records of the given schema.
	Type(schema *arrow.Schema) (arrow.DataType, error)

	// Evaluate computes the expression for every row of rec. The caller
	// owns the returned array and must release it.
	Evaluate(rec arrow.Record, alloc memory.Allocator) (arrow.Array, error)

	// Children returns the direct children of the expression.
	Children() []Expression

	// WithChildren returns a copy of the expression with its children
	// replaced.
	WithChildren(children ...Expression) (Expression, error)

	String() string
}

// Column references a field of the input record by name.
type Column struct {
	Name string
}

var _ Expression = (*Column)(nil)

// Col returns a reference to the named field.
func Col(name string) *Column { return &Column{Name: name} }

func (c *Column) Type(schema *arrow.Schema) (arrow.DataType, error) {
	idx := schema.FieldIndices(c.Name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: field %q not found", errors.ErrKey, c.Name)
	}
	return schema.Field(idx[0]).Type, nil
}

func (c *Column) Evaluate(rec arrow.Record, _ memory.Allocator) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(c.Name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: field %q not found", errors.ErrKey, c.Name)
	}
	arr := rec.Column(idx[0])
	arr.Retain()
	return arr, nil
}

func (c *Column) Children() []Expression { return nil }

func (c *Column) WithChildren(children ...Expression) (Expression, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("column takes no children, got %d", len(children))
	}
	return &Column{Name: c.Name}, nil
}

func (c *Column) String() string { return c.Name }

// Literal is a constant value.
type Literal struct {
	Value any
}

var _ Expression = (*Literal)(nil)

// Lit returns a literal for v. Integer values are widened to int64.
func Lit(v any) *Literal {
	switch v := v.(type) {
	case int:
		return &Literal{Value: int64(v)}
	case int32:
		return &Literal{Value: int64(v)}
	case float32:
		return &Literal{Value: float64(v)}
	default:
		return &Literal{Value: v}
	}
}

func (l *Literal) Type(*arrow.Schema) (arrow.DataType, error) {
	switch l.Value.(type) {
	case int64:
		return types.Int64, nil
	case uint64:
		return types.Uint64, nil
	case float64:
		return types.Float64, nil
	case bool:
		return types.Bool, nil
	case string:
		return types.String, nil
	case []byte:
		return types.Binary, nil
	default:
		return nil, fmt.Errorf("%w: unsupported literal %T", errors.ErrType, l.Value)
	}
}

func (l *Literal) Evaluate(rec arrow.Record, alloc memory.Allocator) (arrow.Array, error) {
	if _, err := l.Type(nil); err != nil {
		return nil, err
	}
	return constantArray(alloc, l.Value, int(rec.NumRows())), nil
}

func (l *Literal) Children() []Expression { return nil }

func (l *Literal) WithChildren(children ...Expression) (Expression, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("literal takes no children, got %d", len(children))
	}
	return &Literal{Value: l.Value}, nil
}

func (l *Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(l.Value)
}

// Binary applies a binary operation to two operands.
type Binary struct {
	Op          BinOpKind
	Left, Right Expression
}

var _ Expression = (*Binary)(nil)

// NewBinary returns a binary expression.
func NewBinary(op BinOpKind, left, right Expression) *Binary {
	return &Binary{Op: op, Left: left, Right: right}
}

func (b *Binary) Type(schema *arrow.Schema) (arrow.DataType, error) {
	lt, err := b.Left.Type(schema)
	if err != nil {
		return nil, err
	}
	rt, err := b.Right.Type(schema)
	if err != nil {
		return nil, err
	}

	switch {
	case b.Op.isArithmetic():
		if !types.IsNumeric(lt) || !types.IsNumeric(rt) {
			return nil, fmt.Errorf("%w: %s needs numeric operands, got %s and %s", errors.ErrType, b.Op, lt, rt)
		}
		if lt.ID() == arrow.FLOAT64 || rt.ID() == arrow.FLOAT64 {
			return types.Float64, nil
		}
		return types.Int64, nil

	case b.Op.isComparison():
		if canCompare(lt, rt, b.Op) {
			return types.Bool, nil
		}
		return nil, fmt.Errorf("%w: cannot compare %s and %s with %s", errors.ErrType, lt, rt, b.Op)

	case b.Op.isLogical():
		if lt.ID() != arrow.BOOL || rt.ID() != arrow.BOOL {
			return nil, fmt.Errorf("%w: %s needs boolean operands, got %s and %s", errors.ErrType, b.Op, lt, rt)
		}
		return types.Bool, nil
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrNotImplemented, b.Op)
}

func canCompare(lt, rt arrow.DataType, op BinOpKind) bool {
	switch {
	case types.IsNumeric(lt) && types.IsNumeric(rt):
		return true
	case isBytes(lt) && isBytes(rt):
		return true
	case lt.ID() == arrow.BOOL && rt.ID() == arrow.BOOL:
		return op == BinOpKindEq || op == BinOpKindNeq
	}
	return false
}

func isBytes(dt arrow.DataType) bool { return dt.ID() == arrow.STRING || dt.ID() == arrow.BINARY }

func (b *Binary) Children() []Expression { return []Expression{b.Left, b.Right} }

func (b *Binary) WithChildren(children ...Expression) (Expression, error) {
	if len(children) != 2 {
		return nil, fmt.Errorf("binary expression takes 2 children, got %d", len(children))
	}
	return &Binary{Op: b.Op, Left: children[0], Right: children[1]}, nil
}

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, binOpKindSymbols[b.Op], b.Right)
}

// Not negates a boolean expression.
type Not struct {
	Expr Expression
}

var _ Expression = (*Not)(nil)

func (n *Not) Type(schema *arrow.Schema) (arrow.DataType, error) {
	dt, err := n.Expr.Type(schema)
	if err != nil {
		return nil, err
	}
	if dt.ID() != arrow.BOOL {
		return nil, fmt.Errorf("%w: NOT needs a boolean operand, got %s", errors.ErrType, dt)
	}
	return types.Bool, nil
}

func (n *Not) Children() []Expression { return []Expression{n.Expr} }

func (n *Not) WithChildren(children ...Expression) (Expression, error) {
	if len(children) != 1 {
		return nil, fmt.Errorf("NOT takes 1 child, got %d", len(children))
	}
	return &Not{Expr: children[0]}, nil
}

func (n *Not) String() string { return fmt.Sprintf("NOT %s", n.Expr) }

// Call invokes a named function.
type Call struct {
	Name string
	Args []Expression
}

var _ Expression = (*Call)(nil)

func (c *Call) Type(schema *arrow.Schema) (arrow.DataType, error) {
	fn, ok := functions[normalizeName(c.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", errors.ErrKey, c.Name)
	}
	if len(c.Args) != len(fn.args) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", errors.ErrType, c.Name, len(fn.args), len(c.Args))
	}
	for i, arg := range c.Args {
		dt, err := arg.Type(schema)
		if err != nil {
			return nil, err
		}
		if !fn.args[i](dt) {
			return nil, fmt.Errorf("%w: argument %d of %s has unexpected type %s", errors.ErrType, i+1, c.Name, dt)
		}
	}
	return fn.result, nil
}

func (c *Call) Children() []Expression { return c.Args }

func (c *Call) WithChildren(children ...Expression) (Expression, error) {
	return &Call{Name: c.Name, Args: append([]Expression(nil), children...)}, nil
}

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = arg.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

// Fields returns the names of all fields referenced by e, in order of first
// appearance.
func Fields(e Expression) []string {
	var (
		out  []string
		seen = map[string]struct{}{}
	)
	var visit func(Expression)
	visit = func(e Expression) {
		if c, ok := e.(*Column); ok {
			if _, dup := seen[c.Name]; !dup {
				seen[c.Name] = struct{}{}
				out = append(out, c.Name)
			}
		}
		for _, child := range e.Children() {
			visit(child)
		}
	}
	visit(e)
	return out
}

// Rename returns a copy of e with column references renamed according to
// names. e is not modified.
func Rename(e Expression, names map[string]string) (Expression, error) {
	if c, ok := e.(*Column); ok {
		if to, found := names[c.Name]; found {
			return Col(to), nil
		}
	}

	children := e.Children()
	if len(children) == 0 {
		return e.WithChildren()
	}
	renamed := make([]Expression, len(children))
	for i, child := range children {
		r, err := Rename(child, names)
		if err != nil {
			return nil, err
		}
		renamed[i] = r
	}
	return e.WithChildren(renamed...)
}
