package executor

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
)

// appender copies the value at a row of a source column to a builder.
type appender func(src arrow.Array, row int)

func newAppender(b array.Builder) (appender, error) {
	switch b := b.(type) {
	case *array.BooleanBuilder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.Boolean).Value(row))
		}, nil
	case *array.Int64Builder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.Int64).Value(row))
		}, nil
	case *array.Uint64Builder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.Uint64).Value(row))
		}, nil
	case *array.Float64Builder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.Float64).Value(row))
		}, nil
	case *array.StringBuilder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.String).Value(row))
		}, nil
	case *array.BinaryBuilder:
		return func(src arrow.Array, row int) {
			if src.IsNull(row) {
				b.AppendNull()
				return
			}
			b.Append(src.(*array.Binary).Value(row))
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported column type %s", errors.ErrType, b.Type())
}

// filterRecord returns a new record holding the rows of rec for which
// include returns true.
func filterRecord(alloc memory.Allocator, rec arrow.Record, include func(int) bool) (arrow.Record, error) {
	fields := rec.Schema().Fields()

	builders := make([]array.Builder, len(fields))
	defer func() {
		for _, b := range builders {
			if b != nil {
				b.Release()
			}
		}
	}()

	additions := make([]appender, len(fields))
	for i, field := range fields {
		builders[i] = array.NewBuilder(alloc, field.Type)
		add, err := newAppender(builders[i])
		if err != nil {
			return nil, err
		}
		additions[i] = add
	}

	var ct int64
	for row := range int(rec.NumRows()) {
		if !include(row) {
			continue
		}
		for i, add := range additions {
			add(rec.Column(i), row)
		}
		ct++
	}

	arrays := make([]arrow.Array, len(fields))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	defer releaseArrays(arrays)
	return array.NewRecord(rec.Schema(), arrays, ct), nil
}

func releaseArrays(arrays []arrow.Array) {
	for _, arr := range arrays {
		if arr != nil {
			arr.Release()
		}
	}
}

// applyFilter evaluates pred against rec and keeps the rows for which it is
// true. Null predicate values drop the row.
func applyFilter(alloc memory.Allocator, rec arrow.Record, pred expr.Expression) (arrow.Record, error) {
	res, err := pred.Evaluate(rec, alloc)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	mask, ok := res.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("%w: predicate %s returned %s", errors.ErrType, pred, res.DataType())
	}
	if mask.NullN() == 0 && countTrue(mask) == mask.Len() {
		rec.Retain()
		return rec, nil
	}
	return filterRecord(alloc, rec, func(i int) bool { return mask.IsValid(i) && mask.Value(i) })
}

func countTrue(mask *array.Boolean) int {
	n := 0
	for i := range mask.Len() {
		if mask.Value(i) {
			n++
		}
	}
	return n
}

// applyMap replaces or appends the column field with the value of e.
func applyMap(alloc memory.Allocator, rec arrow.Record, field string, e expr.Expression) (arrow.Record, error) {
	col, err := e.Evaluate(rec, alloc)
	if err != nil {
		return nil, err
	}
	defer col.Release()

	fields := rec.Schema().Fields()
	columns := rec.Columns()
	replaced := false

	outFields := make([]arrow.Field, 0, len(fields)+1)
	outColumns := make([]arrow.Array, 0, len(fields)+1)
	for i, f := range fields {
		if f.Name == field {
			f = arrow.Field{Name: field, Type: col.DataType(), Nullable: true}
			outFields = append(outFields, f)
			outColumns = append(outColumns, col)
			replaced = true
			continue
		}
		outFields = append(outFields, f)
		outColumns = append(outColumns, columns[i])
	}
	if !replaced {
		outFields = append(outFields, arrow.Field{Name: field, Type: col.DataType(), Nullable: true})
		outColumns = append(outColumns, col)
	}
	return array.NewRecord(arrow.NewSchema(outFields, nil), outColumns, rec.NumRows()), nil
}

// column returns the column at idx of rec. Indices are bound when a stage
// is compiled, so a record narrower than the compiled schema is an error.
func column(rec arrow.Record, idx int) (arrow.Array, error) {
	if idx < 0 || int64(idx) >= rec.NumCols() {
		return nil, fmt.Errorf("%w: column %d of a record with %d columns", errors.ErrIndex, idx, rec.NumCols())
	}
	return rec.Column(idx), nil
}

// applyProject keeps the columns at indices in the given order.
func applyProject(rec arrow.Record, schema *arrow.Schema, indices []int) (arrow.Record, error) {
	columns := make([]arrow.Array, len(indices))
	for i, idx := range indices {
		col, err := column(rec, idx)
		if err != nil {
			return nil, err
		}
		columns[i] = col
	}
	return array.NewRecord(schema, columns, rec.NumRows()), nil
}

// projectSchema resolves fields against schema and returns the projected
// schema and the column indices.
func projectSchema(schema *arrow.Schema, fields []string) (*arrow.Schema, []int, error) {
	outFields := make([]arrow.Field, len(fields))
	indices := make([]int, len(fields))
	for i, name := range fields {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, nil, fmt.Errorf("%w: field %q not found", errors.ErrKey, name)
		}
		indices[i] = idx[0]
		outFields[i] = schema.Field(idx[0])
	}
	return arrow.NewSchema(outFields, nil), indices, nil
}

// mapSchema returns the schema produced by applying a map of field with
// type dt to schema.
func mapSchema(schema *arrow.Schema, field string, dt arrow.DataType) *arrow.Schema {
	fields := make([]arrow.Field, 0, schema.NumFields()+1)
	replaced := false
	for _, f := range schema.Fields() {
		if f.Name == field {
			f = arrow.Field{Name: field, Type: dt, Nullable: true}
			replaced = true
		}
		fields = append(fields, f)
	}
	if !replaced {
		fields = append(fields, arrow.Field{Name: field, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}
