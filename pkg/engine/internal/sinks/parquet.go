package sinks

import (
	"bytes"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/parquet-go/parquet-go"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// parquetEncoder writes a Parquet file with one optional leaf column per
// field. Rows are buffered and written as a single row group on Close.
type parquetEncoder struct {
	w *parquet.Writer
	// leaves maps leaf column indexes to record column indexes.
	leaves []int
}

func parquetNode(dt arrow.DataType) (parquet.Node, error) {
	switch dt.ID() {
	case arrow.INT64:
		return parquet.Int(64), nil
	case arrow.UINT64:
		return parquet.Uint(64), nil
	case arrow.FLOAT64:
		return parquet.Leaf(parquet.DoubleType), nil
	case arrow.BOOL:
		return parquet.Leaf(parquet.BooleanType), nil
	case arrow.STRING:
		return parquet.String(), nil
	case arrow.BINARY:
		return parquet.Leaf(parquet.ByteArrayType), nil
	default:
		return nil, fmt.Errorf("%w: no parquet type for %s", errors.ErrType, dt)
	}
}

func newParquetEncoder(w io.Writer, schema *arrow.Schema) (Encoder, error) {
	group := make(parquet.Group, schema.NumFields())
	for _, f := range schema.Fields() {
		node, err := parquetNode(f.Type)
		if err != nil {
			return nil, err
		}
		group[f.Name] = parquet.Optional(node)
	}
	ps := parquet.NewSchema("tuple", group)

	// Group columns are ordered by name.
	leaves := make([]int, 0, schema.NumFields())
	for _, path := range ps.Columns() {
		idx := schema.FieldIndices(path[0])
		if len(idx) != 1 {
			return nil, fmt.Errorf("%w: ambiguous parquet column %s", errors.ErrPlanShape, path[0])
		}
		leaves = append(leaves, idx[0])
	}
	return &parquetEncoder{w: parquet.NewWriter(w, ps), leaves: leaves}, nil
}

func (e *parquetEncoder) Encode(rec arrow.Record) error {
	rows := make([]parquet.Row, 0, rec.NumRows())
	for row := range int(rec.NumRows()) {
		values := make(parquet.Row, len(e.leaves))
		for leaf, col := range e.leaves {
			arr := rec.Column(col)
			if arr.IsNull(row) {
				values[leaf] = parquet.NullValue().Level(0, 0, leaf)
				continue
			}
			values[leaf] = parquetValue(arr, row).Level(0, 1, leaf)
		}
		rows = append(rows, values)
	}
	_, err := e.w.WriteRows(rows)
	return err
}

func parquetValue(arr arrow.Array, i int) parquet.Value {
	switch arr := arr.(type) {
	case *array.Int64:
		return parquet.Int64Value(arr.Value(i))
	case *array.Uint64:
		return parquet.Int64Value(int64(arr.Value(i)))
	case *array.Float64:
		return parquet.DoubleValue(arr.Value(i))
	case *array.Boolean:
		return parquet.BooleanValue(arr.Value(i))
	case *array.String:
		return parquet.ByteArrayValue([]byte(arr.Value(i)))
	case *array.Binary:
		return parquet.ByteArrayValue(bytes.Clone(arr.Value(i)))
	}
	return parquet.NullValue()
}

func (e *parquetEncoder) Close() error { return e.w.Close() }
