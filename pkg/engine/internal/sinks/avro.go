package sinks

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	jsoniter "github.com/json-iterator/go"
	"github.com/linkedin/goavro/v2"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// avroEncoder writes an Avro object container file. Every field is a union
// of null and its type; each encoded record becomes one block.
type avroEncoder struct {
	w      *goavro.OCFWriter
	fields []avroField
}

type avroField struct {
	name string
	typ  string
}

func avroType(dt arrow.DataType) (string, error) {
	switch dt.ID() {
	case arrow.INT64, arrow.UINT64:
		return "long", nil
	case arrow.FLOAT64:
		return "double", nil
	case arrow.BOOL:
		return "boolean", nil
	case arrow.STRING:
		return "string", nil
	case arrow.BINARY:
		return "bytes", nil
	default:
		return "", fmt.Errorf("%w: no avro type for %s", errors.ErrType, dt)
	}
}

// avroSchema returns the Avro schema of records with the given schema.
func avroSchema(schema *arrow.Schema) (string, []avroField, error) {
	type field struct {
		Name    string   `json:"name"`
		Type    []string `json:"type"`
		Default any      `json:"default"`
	}
	def := struct {
		Type   string  `json:"type"`
		Name   string  `json:"name"`
		Fields []field `json:"fields"`
	}{Type: "record", Name: "tuple"}

	fields := make([]avroField, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		typ, err := avroType(f.Type)
		if err != nil {
			return "", nil, err
		}
		def.Fields = append(def.Fields, field{Name: f.Name, Type: []string{"null", typ}})
		fields = append(fields, avroField{name: f.Name, typ: typ})
	}
	text, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(def)
	return text, fields, err
}

func newAvroEncoder(w io.Writer, schema *arrow.Schema) (Encoder, error) {
	text, fields, err := avroSchema(schema)
	if err != nil {
		return nil, err
	}
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{W: w, Schema: text})
	if err != nil {
		return nil, fmt.Errorf("creating avro writer: %w", err)
	}
	return &avroEncoder{w: ocf, fields: fields}, nil
}

func (e *avroEncoder) Encode(rec arrow.Record) error {
	if rec.NumRows() == 0 {
		return nil
	}
	data := make([]any, 0, rec.NumRows())
	for row := range int(rec.NumRows()) {
		datum := make(map[string]any, len(e.fields))
		for col, f := range e.fields {
			arr := rec.Column(col)
			if arr.IsNull(row) {
				datum[f.name] = nil
				continue
			}
			datum[f.name] = goavro.Union(f.typ, avroValue(arr, row))
		}
		data = append(data, datum)
	}
	return e.w.Append(data)
}

func avroValue(arr arrow.Array, i int) any {
	switch arr := arr.(type) {
	case *array.Int64:
		return arr.Value(i)
	case *array.Uint64:
		return int64(arr.Value(i))
	case *array.Float64:
		return arr.Value(i)
	case *array.Boolean:
		return arr.Value(i)
	case *array.String:
		return arr.Value(i)
	case *array.Binary:
		return arr.Value(i)
	}
	return nil
}

func (e *avroEncoder) Close() error { return nil }
