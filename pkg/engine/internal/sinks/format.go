package sinks

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	jsoniter "github.com/json-iterator/go"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// Encoder writes records in an output format.
type Encoder interface {
	Encode(rec arrow.Record) error
	// Close writes buffered rows and trailers. It does not close the
	// underlying writer.
	Close() error
}

// FormatFactory creates an encoder writing records of schema to w.
type FormatFactory func(w io.Writer, schema *arrow.Schema) (Encoder, error)

// printable reports whether b consists of printable ASCII only.
func printable(b []byte) bool {
	for _, c := range b {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}

// textValue renders row i of arr for text formats. Variable-sized values
// that are not printable render as BINARY(n).
func textValue(arr arrow.Array, i int) (string, error) {
	switch arr := arr.(type) {
	case *array.Int64:
		return strconv.FormatInt(arr.Value(i), 10), nil
	case *array.Uint64:
		return strconv.FormatUint(arr.Value(i), 10), nil
	case *array.Float64:
		return strconv.FormatFloat(arr.Value(i), 'f', -1, 64), nil
	case *array.Boolean:
		return strconv.FormatBool(arr.Value(i)), nil
	case *array.String:
		return variableSized([]byte(arr.Value(i))), nil
	case *array.Binary:
		return variableSized(arr.Value(i)), nil
	default:
		return "", fmt.Errorf("%w: cannot format %s", errors.ErrType, arr.DataType())
	}
}

func variableSized(b []byte) string {
	if !printable(b) {
		return fmt.Sprintf("BINARY(%d)", len(b))
	}
	return string(b)
}

// csvEncoder writes a header with the field names followed by one line per
// row. Nulls are empty fields.
type csvEncoder struct {
	w      io.Writer
	schema *arrow.Schema
	line   []byte
}

func newCSVEncoder(w io.Writer, schema *arrow.Schema) (Encoder, error) {
	e := &csvEncoder{w: w, schema: schema}
	for i, f := range schema.Fields() {
		if i > 0 {
			e.line = append(e.line, ',')
		}
		e.line = append(e.line, f.Name...)
	}
	e.line = append(e.line, '\n')
	if _, err := w.Write(e.line); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *csvEncoder) Encode(rec arrow.Record) error {
	for row := range int(rec.NumRows()) {
		e.line = e.line[:0]
		for col := range int(rec.NumCols()) {
			if col > 0 {
				e.line = append(e.line, ',')
			}
			arr := rec.Column(col)
			if arr.IsNull(row) {
				continue
			}
			v, err := textValue(arr, row)
			if err != nil {
				return err
			}
			e.line = append(e.line, v...)
		}
		e.line = append(e.line, '\n')
		if _, err := e.w.Write(e.line); err != nil {
			return err
		}
	}
	return nil
}

func (e *csvEncoder) Close() error { return nil }

// jsonEncoder writes one JSON object per row.
type jsonEncoder struct {
	stream *jsoniter.Stream
	schema *arrow.Schema
}

func newJSONEncoder(w io.Writer, schema *arrow.Schema) (Encoder, error) {
	return &jsonEncoder{stream: jsoniter.NewStream(jsoniter.ConfigCompatibleWithStandardLibrary, w, 4096), schema: schema}, nil
}

func (e *jsonEncoder) Encode(rec arrow.Record) error {
	s := e.stream
	for row := range int(rec.NumRows()) {
		s.WriteObjectStart()
		for col := range int(rec.NumCols()) {
			if col > 0 {
				s.WriteMore()
			}
			s.WriteObjectField(rec.ColumnName(col))
			if err := writeJSONValue(s, rec.Column(col), row); err != nil {
				return err
			}
		}
		s.WriteObjectEnd()
		s.WriteRaw("\n")
		if s.Buffered() > 4096 {
			if err := s.Flush(); err != nil {
				return err
			}
		}
	}
	return s.Error
}

func writeJSONValue(s *jsoniter.Stream, arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		s.WriteNil()
		return nil
	}
	switch arr := arr.(type) {
	case *array.Int64:
		s.WriteInt64(arr.Value(i))
	case *array.Uint64:
		s.WriteUint64(arr.Value(i))
	case *array.Float64:
		s.WriteFloat64(arr.Value(i))
	case *array.Boolean:
		s.WriteBool(arr.Value(i))
	default:
		v, err := textValue(arr, i)
		if err != nil {
			return err
		}
		s.WriteString(v)
	}
	return nil
}

func (e *jsonEncoder) Close() error { return e.stream.Flush() }
