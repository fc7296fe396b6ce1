package expr

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// vector gives typed row access to an array regardless of its concrete
// numeric type.
type vector struct {
	arr arrow.Array
}

func (v vector) IsNull(i int) bool { return v.arr.IsNull(i) }

func (v vector) Float(i int) float64 {
	switch arr := v.arr.(type) {
	case *array.Float64:
		return arr.Value(i)
	case *array.Int64:
		return float64(arr.Value(i))
	case *array.Uint64:
		return float64(arr.Value(i))
	}
	panic(fmt.Sprintf("expr: %s is not numeric", v.arr.DataType()))
}

func (v vector) Int(i int) int64 {
	switch arr := v.arr.(type) {
	case *array.Int64:
		return arr.Value(i)
	case *array.Uint64:
		return int64(arr.Value(i))
	case *array.Float64:
		return int64(arr.Value(i))
	}
	panic(fmt.Sprintf("expr: %s is not numeric", v.arr.DataType()))
}

func (v vector) Bytes(i int) []byte {
	switch arr := v.arr.(type) {
	case *array.String:
		return []byte(arr.Value(i))
	case *array.Binary:
		return arr.Value(i)
	}
	panic(fmt.Sprintf("expr: %s is not a byte type", v.arr.DataType()))
}

func (v vector) Bool(i int) bool { return v.arr.(*array.Boolean).Value(i) }

// Float64At returns the value of a numeric array at row i as float64.
func Float64At(arr arrow.Array, i int) float64 { return vector{arr}.Float(i) }

// Int64At returns the value of a numeric array at row i as int64.
func Int64At(arr arrow.Array, i int) int64 { return vector{arr}.Int(i) }

func constantArray(alloc memory.Allocator, value any, rows int) arrow.Array {
	switch value := value.(type) {
	case int64:
		b := array.NewInt64Builder(alloc)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	case uint64:
		b := array.NewUint64Builder(alloc)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	case float64:
		b := array.NewFloat64Builder(alloc)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	case bool:
		b := array.NewBooleanBuilder(alloc)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	case string:
		b := array.NewStringBuilder(alloc)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	case []byte:
		b := array.NewBinaryBuilder(alloc, arrow.BinaryTypes.Binary)
		defer b.Release()
		for range rows {
			b.Append(value)
		}
		return b.NewArray()
	}
	panic(fmt.Sprintf("expr: unsupported literal %T", value))
}

func evaluateOperands(rec arrow.Record, alloc memory.Allocator, exprs ...Expression) ([]arrow.Array, func(), error) {
	out := make([]arrow.Array, 0, len(exprs))
	release := func() {
		for _, arr := range out {
			arr.Release()
		}
	}
	for _, e := range exprs {
		arr, err := e.Evaluate(rec, alloc)
		if err != nil {
			release()
			return nil, nil, err
		}
		out = append(out, arr)
	}
	return out, release, nil
}

func (b *Binary) Evaluate(rec arrow.Record, alloc memory.Allocator) (arrow.Array, error) {
	resultType, err := b.Type(rec.Schema())
	if err != nil {
		return nil, err
	}

	operands, release, err := evaluateOperands(rec, alloc, b.Left, b.Right)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		left  = vector{operands[0]}
		right = vector{operands[1]}
		rows  = int(rec.NumRows())
	)

	switch {
	case b.Op.isArithmetic():
		return b.arithmetic(alloc, resultType, left, right, rows), nil
	case b.Op.isComparison():
		return b.compare(alloc, left, right, rows), nil
	case b.Op.isLogical():
		return b.logical(alloc, left, right, rows), nil
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrNotImplemented, b.Op)
}

func (b *Binary) arithmetic(alloc memory.Allocator, resultType arrow.DataType, left, right vector, rows int) arrow.Array {
	if resultType.ID() == arrow.FLOAT64 {
		builder := array.NewFloat64Builder(alloc)
		defer builder.Release()
		for i := range rows {
			if left.IsNull(i) || right.IsNull(i) {
				builder.AppendNull()
				continue
			}
			l, r := left.Float(i), right.Float(i)
			switch b.Op {
			case BinOpKindAdd:
				builder.Append(l + r)
			case BinOpKindSub:
				builder.Append(l - r)
			case BinOpKindMul:
				builder.Append(l * r)
			case BinOpKindDiv:
				builder.Append(l / r)
			}
		}
		return builder.NewArray()
	}

	builder := array.NewInt64Builder(alloc)
	defer builder.Release()
	for i := range rows {
		if left.IsNull(i) || right.IsNull(i) {
			builder.AppendNull()
			continue
		}
		l, r := left.Int(i), right.Int(i)
		switch b.Op {
		case BinOpKindAdd:
			builder.Append(l + r)
		case BinOpKindSub:
			builder.Append(l - r)
		case BinOpKindMul:
			builder.Append(l * r)
		case BinOpKindDiv:
			if r == 0 {
				builder.AppendNull()
				continue
			}
			builder.Append(l / r)
		}
	}
	return builder.NewArray()
}

func (b *Binary) compare(alloc memory.Allocator, left, right vector, rows int) arrow.Array {
	builder := array.NewBooleanBuilder(alloc)
	defer builder.Release()

	lt, rt := left.arr.DataType().ID(), right.arr.DataType().ID()
	for i := range rows {
		if left.IsNull(i) || right.IsNull(i) {
			builder.AppendNull()
			continue
		}

		var cmp int
		switch {
		case lt == arrow.BOOL:
			cmp = compareBools(left.Bool(i), right.Bool(i))
		case isBytes(left.arr.DataType()):
			cmp = bytes.Compare(left.Bytes(i), right.Bytes(i))
		case lt == arrow.INT64 && rt == arrow.INT64:
			cmp = compareOrdered(left.Int(i), right.Int(i))
		default:
			cmp = compareOrdered(left.Float(i), right.Float(i))
		}
		builder.Append(applyComparison(b.Op, cmp))
	}
	return builder.NewArray()
}

func (b *Binary) logical(alloc memory.Allocator, left, right vector, rows int) arrow.Array {
	builder := array.NewBooleanBuilder(alloc)
	defer builder.Release()

	for i := range rows {
		if left.IsNull(i) || right.IsNull(i) {
			builder.AppendNull()
			continue
		}
		if b.Op == BinOpKindAnd {
			builder.Append(left.Bool(i) && right.Bool(i))
		} else {
			builder.Append(left.Bool(i) || right.Bool(i))
		}
	}
	return builder.NewArray()
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBools(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func applyComparison(op BinOpKind, cmp int) bool {
	switch op {
	case BinOpKindEq:
		return cmp == 0
	case BinOpKindNeq:
		return cmp != 0
	case BinOpKindGt:
		return cmp > 0
	case BinOpKindGte:
		return cmp >= 0
	case BinOpKindLt:
		return cmp < 0
	case BinOpKindLte:
		return cmp <= 0
	}
	return false
}

func (n *Not) Evaluate(rec arrow.Record, alloc memory.Allocator) (arrow.Array, error) {
	if _, err := n.Type(rec.Schema()); err != nil {
		return nil, err
	}
	arr, err := n.Expr.Evaluate(rec, alloc)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	in := vector{arr}
	builder := array.NewBooleanBuilder(alloc)
	defer builder.Release()
	for i := range arr.Len() {
		if in.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(!in.Bool(i))
	}
	return builder.NewArray(), nil
}

func (c *Call) Evaluate(rec arrow.Record, alloc memory.Allocator) (arrow.Array, error) {
	if _, err := c.Type(rec.Schema()); err != nil {
		return nil, err
	}
	operands, release, err := evaluateOperands(rec, alloc, c.Args...)
	if err != nil {
		return nil, err
	}
	defer release()

	fn := functions[normalizeName(c.Name)]
	return fn.eval(alloc, operands, int(rec.NumRows()))
}
