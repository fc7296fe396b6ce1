package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// RawParser is the parser type of sources that emit decoded records. Sources
// with any other parser type get a formatter pipeline.
const RawParser = "raw"

// ParserConfig describes how the bytes of a source are split into tuples and
// fields.
type ParserConfig struct {
	Type           string `yaml:"type"`
	TupleDelimiter string `yaml:"tuple_delimiter,omitempty"`
	FieldDelimiter string `yaml:"field_delimiter,omitempty"`
}

// IsRaw reports whether the parser type is the raw format. The comparison
// is case-insensitive.
func (p ParserConfig) IsRaw() bool { return strings.EqualFold(p.Type, RawParser) }

// SourceDescriptor describes a source connector.
type SourceDescriptor struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Schema []types.FieldSpec `yaml:"schema"`
	Config map[string]string `yaml:"config,omitempty"`
	Parser ParserConfig      `yaml:"parser"`

	schema *arrow.Schema
}

// Validate checks that all required fields are set and parses the schema.
func (d *SourceDescriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: source without name", errors.ErrPlanShape)
	case d.Type == "":
		return fmt.Errorf("%w: source %s without type", errors.ErrPlanShape, d.Name)
	case d.Parser.Type == "":
		return fmt.Errorf("%w: source %s without parser type", errors.ErrPlanShape, d.Name)
	case len(d.Schema) == 0:
		return fmt.Errorf("%w: source %s without schema", errors.ErrPlanShape, d.Name)
	}

	schema, err := types.ParseSchema(d.Schema)
	if err != nil {
		return fmt.Errorf("%w: source %s: %w", errors.ErrPlanShape, d.Name, err)
	}
	d.schema = schema
	return nil
}

// ArrowSchema returns the schema of the decoded tuples of the source.
func (d *SourceDescriptor) ArrowSchema() (*arrow.Schema, error) {
	if d.schema == nil {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return d.schema, nil
}

// SinkDescriptor describes a sink connector.
type SinkDescriptor struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Format string            `yaml:"format,omitempty"`
	Config map[string]string `yaml:"config,omitempty"`
}

// DefaultSinkFormat is the format of sinks that do not name one.
const DefaultSinkFormat = "csv"

// Validate checks that all required fields are set.
func (d *SinkDescriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: sink without name", errors.ErrPlanShape)
	case d.Type == "":
		return fmt.Errorf("%w: sink %s without type", errors.ErrPlanShape, d.Name)
	}
	if d.Format == "" {
		d.Format = DefaultSinkFormat
	}
	return nil
}

// ConfigString returns the config value for key, or def if it is not set.
func ConfigString(config map[string]string, key, def string) string {
	if v, ok := config[key]; ok {
		return v
	}
	return def
}

// ConfigInt returns the integer config value for key, or def if it is not
// set.
func ConfigInt(config map[string]string, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: config %s: %w", errors.ErrPlanShape, key, err)
	}
	return n, nil
}
