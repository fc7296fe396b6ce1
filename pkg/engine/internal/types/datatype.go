package types

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// Arrow types used for the engine's data types.
var (
	Int64   = arrow.PrimitiveTypes.Int64
	Uint64  = arrow.PrimitiveTypes.Uint64
	Float64 = arrow.PrimitiveTypes.Float64
	Bool    = arrow.FixedWidthTypes.Boolean
	String  = arrow.BinaryTypes.String
	Binary  = arrow.BinaryTypes.Binary
)

var dataTypeNames = map[string]arrow.DataType{
	"int64":    Int64,
	"uint64":   Uint64,
	"float64":  Float64,
	"bool":     Bool,
	"boolean":  Bool,
	"string":   String,
	"text":     String,
	"binary":   Binary,
	"varsized": Binary,
}

// ParseDataType returns the Arrow type for a data type name. Names are case
// insensitive.
func ParseDataType(name string) (arrow.DataType, error) {
	dt, ok := dataTypeNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown data type %q", errors.ErrType, name)
	}
	return dt, nil
}

// DataTypeName returns the canonical name of an Arrow type supported by the
// engine.
func DataTypeName(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT64:
		return "int64"
	case arrow.UINT64:
		return "uint64"
	case arrow.FLOAT64:
		return "float64"
	case arrow.BOOL:
		return "bool"
	case arrow.STRING:
		return "string"
	case arrow.BINARY:
		return "binary"
	default:
		return dt.String()
	}
}

// IsNumeric reports whether dt is one of the numeric types.
func IsNumeric(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT64, arrow.UINT64, arrow.FLOAT64:
		return true
	}
	return false
}

// FieldSpec describes a schema field in configuration files.
type FieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ParseSchema builds an Arrow schema from field specs. Every field is
// nullable.
func ParseSchema(specs []FieldSpec) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: field without name", errors.ErrKey)
		}
		if _, ok := seen[spec.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate field %q", errors.ErrKey, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		dt, err := ParseDataType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", spec.Name, err)
		}
		fields = append(fields, arrow.Field{Name: spec.Name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}
