package aggregation

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation/pagedstore"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// Kinds of the built-in aggregation functions.
const (
	KindSum              = "sum"
	KindCount            = "count"
	KindMin              = "min"
	KindMax              = "max"
	KindAvg              = "avg"
	KindVar              = "var"
	KindMedian           = "median"
	KindArray            = "array"
	KindTemporalSequence = "temporal_sequence"
)

// Descriptor describes an aggregation in a plan.
type Descriptor struct {
	// Type is the kind of the aggregation.
	Type string `yaml:"type"`

	// OnField is the first input field.
	OnField string `yaml:"on_field"`

	// ExtraFields are further input fields of multi-field aggregations, in
	// the order the aggregation consumes them.
	ExtraFields []string `yaml:"extra_fields,omitempty"`

	// AsField names the output field. Defaults to OnField.
	AsField string `yaml:"as_field,omitempty"`

	// Options holds kind-specific settings.
	Options map[string]string `yaml:"options,omitempty"`
}

// Fields returns all input fields in lift order.
func (d Descriptor) Fields() []string {
	if d.OnField == "" {
		return slices.Clone(d.ExtraFields)
	}
	return append([]string{d.OnField}, d.ExtraFields...)
}

// OutputName returns the name of the output field.
func (d Descriptor) OutputName() string {
	if d.AsField != "" {
		return d.AsField
	}
	if d.OnField != "" {
		return d.OnField
	}
	return d.Type
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s) AS %s", d.Type, strings.Join(d.Fields(), ", "), d.OutputName())
}

// Factory builds a function from a descriptor. inputs holds one column
// reference per descriptor field and inputTypes their types.
type Factory func(desc Descriptor, inputs []expr.Expression, inputTypes []arrow.DataType) (Function, error)

type registration struct {
	minFields, maxFields int
	factory              Factory
}

// Registry maps aggregation kinds to factories. A Registry is built once by
// the engine and passed to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry returns a registry holding all built-in aggregations.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]registration)}

	numeric := func(build func(base) Function, result func(arrow.DataType) arrow.DataType) Factory {
		return func(desc Descriptor, inputs []expr.Expression, inputTypes []arrow.DataType) (Function, error) {
			if !types.IsNumeric(inputTypes[0]) {
				return nil, fmt.Errorf("%w: %s needs a numeric input, got %s", errors.ErrType, desc.Type, inputTypes[0])
			}
			return build(base{kind: desc.Type, name: desc.OutputName(), inputs: inputs, result: result(inputTypes[0])}), nil
		}
	}
	float := func(arrow.DataType) arrow.DataType { return types.Float64 }

	r.mustRegister(KindSum, 1, 1, numeric(func(b base) Function { return &sum{b} }, numericType))
	r.mustRegister(KindMin, 1, 1, numeric(func(b base) Function { return &extremum{base: b} }, numericType))
	r.mustRegister(KindMax, 1, 1, numeric(func(b base) Function { return &extremum{base: b, max: true} }, numericType))
	r.mustRegister(KindAvg, 1, 1, numeric(func(b base) Function { return &avg{b} }, float))
	r.mustRegister(KindVar, 1, 1, numeric(func(b base) Function { return &variance{b} }, float))
	r.mustRegister(KindMedian, 1, 1, numeric(func(b base) Function {
		return &median{stored{base: b, layout: pagedstore.NewLayout(pagedstore.Float64)}}
	}, float))

	r.mustRegister(KindCount, 0, 1, func(desc Descriptor, inputs []expr.Expression, _ []arrow.DataType) (Function, error) {
		return &count{base{kind: desc.Type, name: desc.OutputName(), inputs: inputs, result: types.Uint64}}, nil
	})

	r.mustRegister(KindArray, 1, 1, func(desc Descriptor, inputs []expr.Expression, inputTypes []arrow.DataType) (Function, error) {
		ft, err := fieldTypeOf(inputTypes[0])
		if err != nil {
			return nil, err
		}
		return &arrayAgg{stored{
			base:   base{kind: desc.Type, name: desc.OutputName(), inputs: inputs, result: types.Binary},
			layout: pagedstore.NewLayout(ft),
		}}, nil
	})

	r.mustRegister(KindTemporalSequence, 3, 3, func(desc Descriptor, inputs []expr.Expression, inputTypes []arrow.DataType) (Function, error) {
		for i, dt := range inputTypes {
			if !types.IsNumeric(dt) {
				return nil, fmt.Errorf("%w: %s input %q must be numeric, got %s", errors.ErrType, desc.Type, desc.Fields()[i], dt)
			}
		}
		encoder, err := encoderFor(desc.Options)
		if err != nil {
			return nil, err
		}
		return newTemporalSequence(desc.OutputName(), inputs, encoder), nil
	})

	return r
}

func encoderFor(options map[string]string) (Encoder, error) {
	switch enc := strings.ToLower(options["encoding"]); enc {
	case "", "ewkb":
		return LineStringEncoder{SRID: WGS84, EWKB: true}, nil
	case "wkb":
		return LineStringEncoder{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", errors.ErrKey, enc)
	}
}

// Register adds a factory for kind, accepting between minFields and
// maxFields input fields. Registering a kind twice is an error.
func (r *Registry) Register(kind string, minFields, maxFields int, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind = strings.ToLower(kind)
	if _, exists := r.entries[kind]; exists {
		return fmt.Errorf("aggregation %q already registered", kind)
	}
	r.entries[kind] = registration{minFields: minFields, maxFields: maxFields, factory: f}
	return nil
}

func (r *Registry) mustRegister(kind string, minFields, maxFields int, f Factory) {
	if err := r.Register(kind, minFields, maxFields, f); err != nil {
		panic(err)
	}
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Build creates the function described by desc for input records of the
// given schema.
func (r *Registry) Build(desc Descriptor, schema *arrow.Schema) (Function, error) {
	desc.Type = strings.ToLower(desc.Type)

	r.mu.RLock()
	reg, ok := r.entries[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown aggregation %q", errors.ErrKey, desc.Type)
	}

	fields := desc.Fields()
	if len(fields) < reg.minFields || len(fields) > reg.maxFields {
		return nil, fmt.Errorf("%w: %s takes %d to %d fields, got %d", errors.ErrPlanShape, desc.Type, reg.minFields, reg.maxFields, len(fields))
	}

	inputs := make([]expr.Expression, len(fields))
	inputTypes := make([]arrow.DataType, len(fields))
	for i, name := range fields {
		col := expr.Col(name)
		dt, err := col.Type(schema)
		if err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", desc, err)
		}
		inputs[i], inputTypes[i] = col, dt
	}
	return reg.factory(desc, inputs, inputTypes)
}
