package aggregation

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation/pagedstore"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
)

// stored is the base of functions whose state is a paged record store
// holding one record per lifted row.
type stored struct {
	base
	layout pagedstore.Layout
}

func (f *stored) store(ctx *EvalContext) (pagedstore.Store, error) {
	return pagedstore.New(ctx.Pool, f.layout)
}

func (f *stored) StateSize() int { return pagedstore.HeaderSize }

func (f *stored) Reset(_ *EvalContext, state State) {
	checkState(state, pagedstore.HeaderSize)
	pagedstore.Init(state)
}

// Lift appends the values of all inputs at row as one record.
func (f *stored) Lift(ctx *EvalContext, state State, inputs []arrow.Array, row int) error {
	s, err := f.store(ctx)
	if err != nil {
		return err
	}
	for i, in := range inputs {
		if in.IsNull(row) {
			return fmt.Errorf("%w: %s cannot store null input %d", errors.ErrPrecondition, f.kind, i+1)
		}
	}

	rec, err := s.Append(state)
	if err != nil {
		return err
	}
	for i, in := range inputs {
		switch f.layout.Field(i) {
		case pagedstore.Float64:
			rec.SetFloat64(i, expr.Float64At(in, row))
		case pagedstore.Int64:
			rec.SetInt64(i, expr.Int64At(in, row))
		case pagedstore.Uint64:
			rec.SetUint64(i, uint64(expr.Int64At(in, row)))
		}
	}
	return nil
}

// Combine splices the pages of src onto dst.
func (f *stored) Combine(ctx *EvalContext, dst, src State) error {
	s, err := f.store(ctx)
	if err != nil {
		return err
	}
	s.Splice(dst, src)
	return nil
}

func (f *stored) Cleanup(ctx *EvalContext, state State) {
	if s, err := f.store(ctx); err == nil {
		s.Destroy(state)
	}
}

func fieldTypeOf(dt arrow.DataType) (pagedstore.FieldType, error) {
	switch dt.ID() {
	case arrow.FLOAT64:
		return pagedstore.Float64, nil
	case arrow.INT64:
		return pagedstore.Int64, nil
	case arrow.UINT64:
		return pagedstore.Uint64, nil
	}
	return 0, fmt.Errorf("%w: %s values cannot be stored", errors.ErrType, dt)
}

// median materializes all values and lowers to their median.
type median struct{ stored }

func (f *median) Lower(ctx *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.Float64Builder)
	if !ok {
		return builderMismatch(f, out)
	}

	n := int(pagedstore.Len(state))
	if n == 0 {
		b.AppendNull()
		return nil
	}
	s, err := f.store(ctx)
	if err != nil {
		return err
	}

	scratch := arrowmemory.NewResizableBuffer(ctx.Allocator)
	defer scratch.Release()
	scratch.Resize(n * arrow.Float64SizeBytes)

	values := arrow.Float64Traits.CastFromBytes(scratch.Bytes())[:0]
	s.Iterate(state, func(r pagedstore.Record) bool {
		values = append(values, r.Float64(0))
		return true
	})
	slices.Sort(values)

	if n%2 == 1 {
		b.Append(values[n/2])
	} else {
		b.Append((values[n/2-1] + values[n/2]) / 2)
	}
	return nil
}

// array materializes the lifted values in insertion order into a single
// binary value of little-endian fixed-size entries.
type arrayAgg struct{ stored }

func (f *arrayAgg) RequiresSequentialAggregation() bool { return true }

func (f *arrayAgg) Lower(ctx *EvalContext, state State, out array.Builder) error {
	b, ok := out.(*array.BinaryBuilder)
	if !ok {
		return builderMismatch(f, out)
	}

	n := int(pagedstore.Len(state))
	if n == 0 {
		b.AppendNull()
		return nil
	}
	s, err := f.store(ctx)
	if err != nil {
		return err
	}

	size := f.layout.RecordSize()
	blob, err := ctx.Arena.AllocateVariableSized(n * size)
	if err != nil {
		return err
	}
	off := 0
	s.Iterate(state, func(r pagedstore.Record) bool {
		off += copy(blob[off:], r.Bytes())
		return true
	})
	b.Append(blob)
	return nil
}
