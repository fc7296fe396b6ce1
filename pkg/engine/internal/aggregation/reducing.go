package aggregation

import (
	"encoding/binary"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

func getU64(state State, off int) uint64 { return binary.LittleEndian.Uint64(state[off:]) }
func putU64(state State, off int, v uint64) { binary.LittleEndian.PutUint64(state[off:], v) }
func getI64(state State, off int) int64 { return int64(getU64(state, off)) }
func putI64(state State, off int, v int64) { putU64(state, off, uint64(v)) }
func getF64(state State, off int) float64 { return math.Float64frombits(getU64(state, off)) }
func putF64(state State, off int, v float64) { putU64(state, off, math.Float64bits(v)) }

// numericType returns the result type used for sums and extrema of values
// of type dt: floats stay floats and integers widen to int64.
func numericType(dt arrow.DataType) arrow.DataType {
	if dt.ID() == arrow.FLOAT64 {
		return types.Float64
	}
	return types.Int64
}

func isFloat(dt arrow.DataType) bool { return dt.ID() == arrow.FLOAT64 }

func appendNumeric(f Function, out array.Builder, state State, off int) error {
	switch b := out.(type) {
	case *array.Int64Builder:
		b.Append(getI64(state, off))
	case *array.Float64Builder:
		b.Append(getF64(state, off))
	default:
		return builderMismatch(f, out)
	}
	return nil
}

// sum keeps [sum][count] and lowers to null for windows without non-null
// input.
type sum struct{ base }

func (f *sum) StateSize() int { return 16 }

func (f *sum) Reset(_ *EvalContext, state State) {
	checkState(state, 16)
	clear(state[:16])
}

func (f *sum) Lift(_ *EvalContext, state State, inputs []arrow.Array, row int) error {
	in := inputs[0]
	if in.IsNull(row) {
		return nil
	}
	if isFloat(f.result) {
		putF64(state, 0, getF64(state, 0)+expr.Float64At(in, row))
	} else {
		putI64(state, 0, getI64(state, 0)+expr.Int64At(in, row))
	}
	putU64(state, 8, getU64(state, 8)+1)
	return nil
}

func (f *sum) Combine(_ *EvalContext, dst, src State) error {
	if isFloat(f.result) {
		putF64(dst, 0, getF64(dst, 0)+getF64(src, 0))
	} else {
		putI64(dst, 0, getI64(dst, 0)+getI64(src, 0))
	}
	putU64(dst, 8, getU64(dst, 8)+getU64(src, 8))
	return nil
}

func (f *sum) Lower(_ *EvalContext, state State, out array.Builder) error {
	if getU64(state, 8) == 0 {
		out.AppendNull()
		return nil
	}
	return appendNumeric(f, out, state, 0)
}

func (f *sum) Cleanup(*EvalContext, State) {}

// count counts non-null input values, or all rows when it has no input.
type count struct{ base }

func (f *count) StateSize() int { return 8 }

func (f *count) Reset(_ *EvalContext, state State) {
	checkState(state, 8)
	clear(state[:8])
}

func (f *count) Lift(_ *EvalContext, state State, inputs []arrow.Array, row int) error {
	if len(inputs) > 0 && inputs[0].IsNull(row) {
		return nil
	}
	putU64(state, 0, getU64(state, 0)+1)
	return nil
}

func (f *count) Combine(_ *EvalContext, dst, src State) error {
	putU64(dst, 0, getU64(dst, 0)+getU64(src, 0))
	return nil
}

func (f *count) Lower(_ *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.Uint64Builder)
	if !ok {
		return builderMismatch(f, out)
	}
	b.Append(getU64(state, 0))
	return nil
}

func (f *count) Cleanup(*EvalContext, State) {}

// extremum implements min and max over [value][seen].
type extremum struct {
	base
	max bool
}

func (f *extremum) StateSize() int { return 16 }

func (f *extremum) Reset(_ *EvalContext, state State) {
	checkState(state, 16)
	clear(state[:16])
}

func (f *extremum) replaces(candidate, current State) bool {
	if getU64(current, 8) == 0 {
		return true
	}
	if isFloat(f.result) {
		a, b := getF64(candidate, 0), getF64(current, 0)
		if f.max {
			return a > b
		}
		return a < b
	}
	a, b := getI64(candidate, 0), getI64(current, 0)
	if f.max {
		return a > b
	}
	return a < b
}

func (f *extremum) Lift(ctx *EvalContext, state State, inputs []arrow.Array, row int) error {
	in := inputs[0]
	if in.IsNull(row) {
		return nil
	}

	var candidate [16]byte
	if isFloat(f.result) {
		putF64(candidate[:], 0, expr.Float64At(in, row))
	} else {
		putI64(candidate[:], 0, expr.Int64At(in, row))
	}
	putU64(candidate[:], 8, 1)
	return f.Combine(ctx, state, candidate[:])
}

func (f *extremum) Combine(_ *EvalContext, dst, src State) error {
	if getU64(src, 8) == 0 {
		return nil
	}
	if f.replaces(src, dst) {
		copy(dst[:16], src[:16])
	}
	return nil
}

func (f *extremum) Lower(_ *EvalContext, state State, out array.Builder) error {
	if getU64(state, 8) == 0 {
		out.AppendNull()
		return nil
	}
	return appendNumeric(f, out, state, 0)
}

func (f *extremum) Cleanup(*EvalContext, State) {}

// avg keeps [sum][count].
type avg struct{ base }

func (f *avg) StateSize() int { return 16 }

func (f *avg) Reset(_ *EvalContext, state State) {
	checkState(state, 16)
	clear(state[:16])
}

func (f *avg) Lift(_ *EvalContext, state State, inputs []arrow.Array, row int) error {
	in := inputs[0]
	if in.IsNull(row) {
		return nil
	}
	putF64(state, 0, getF64(state, 0)+expr.Float64At(in, row))
	putU64(state, 8, getU64(state, 8)+1)
	return nil
}

func (f *avg) Combine(_ *EvalContext, dst, src State) error {
	putF64(dst, 0, getF64(dst, 0)+getF64(src, 0))
	putU64(dst, 8, getU64(dst, 8)+getU64(src, 8))
	return nil
}

func (f *avg) Lower(_ *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.Float64Builder)
	if !ok {
		return builderMismatch(f, out)
	}
	n := getU64(state, 8)
	if n == 0 {
		b.AppendNull()
		return nil
	}
	b.Append(getF64(state, 0) / float64(n))
	return nil
}

func (f *avg) Cleanup(*EvalContext, State) {}

// variance keeps [sum][sum of squares][count] and lowers to the sample
// variance. Fewer than two values produce null.
type variance struct{ base }

func (f *variance) StateSize() int { return 24 }

func (f *variance) Reset(_ *EvalContext, state State) {
	checkState(state, 24)
	clear(state[:24])
}

func (f *variance) Lift(_ *EvalContext, state State, inputs []arrow.Array, row int) error {
	in := inputs[0]
	if in.IsNull(row) {
		return nil
	}
	v := expr.Float64At(in, row)
	putF64(state, 0, getF64(state, 0)+v)
	putF64(state, 8, getF64(state, 8)+v*v)
	putU64(state, 16, getU64(state, 16)+1)
	return nil
}

func (f *variance) Combine(_ *EvalContext, dst, src State) error {
	putF64(dst, 0, getF64(dst, 0)+getF64(src, 0))
	putF64(dst, 8, getF64(dst, 8)+getF64(src, 8))
	putU64(dst, 16, getU64(dst, 16)+getU64(src, 16))
	return nil
}

func (f *variance) Lower(_ *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.Float64Builder)
	if !ok {
		return builderMismatch(f, out)
	}
	n := float64(getU64(state, 16))
	if n < 2 {
		b.AppendNull()
		return nil
	}
	s, sq := getF64(state, 0), getF64(state, 8)
	b.Append((sq - s*s/n) / (n - 1))
	return nil
}

func (f *variance) Cleanup(*EvalContext, State) {}
