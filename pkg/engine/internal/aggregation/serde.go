package aggregation

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
)

// The serialized form of a descriptor is a protobuf Struct:
//
//	type:     "temporal_sequence"
//	on_field: {name: "lon", config: {extra_fields: ["lat", "ts"]}}
//	as_field: {name: "trajectory"}
//	options:  {encoding: "ewkb"}
//
// Extra fields are attached to the on-field so that multi-field aggregations
// keep a single entry point, and their list order is the lift order.

// MarshalDescriptor encodes d into its serialized form.
func MarshalDescriptor(d Descriptor) ([]byte, error) {
	msg, err := DescriptorToStruct(d)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// UnmarshalDescriptor decodes a descriptor encoded by [MarshalDescriptor].
func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return Descriptor{}, fmt.Errorf("%w: decoding aggregation: %w", errors.ErrPlanShape, err)
	}
	return DescriptorFromStruct(&msg)
}

// DescriptorToStruct converts d into a protobuf Struct.
func DescriptorToStruct(d Descriptor) (*structpb.Struct, error) {
	onField := map[string]any{"name": d.OnField}
	if len(d.ExtraFields) > 0 {
		extra := make([]any, len(d.ExtraFields))
		for i, f := range d.ExtraFields {
			extra[i] = f
		}
		onField["config"] = map[string]any{"extra_fields": extra}
	}

	m := map[string]any{
		"type":     d.Type,
		"on_field": onField,
	}
	if d.AsField != "" {
		m["as_field"] = map[string]any{"name": d.AsField}
	}
	if len(d.Options) > 0 {
		opts := make(map[string]any, len(d.Options))
		for k, v := range d.Options {
			opts[k] = v
		}
		m["options"] = opts
	}
	return structpb.NewStruct(m)
}

// DescriptorFromStruct converts a protobuf Struct produced by
// [DescriptorToStruct] back into a descriptor.
func DescriptorFromStruct(msg *structpb.Struct) (Descriptor, error) {
	fields := msg.GetFields()

	d := Descriptor{Type: fields["type"].GetStringValue()}
	if d.Type == "" {
		return Descriptor{}, fmt.Errorf("%w: aggregation without type", errors.ErrPlanShape)
	}

	on := fields["on_field"].GetStructValue().GetFields()
	d.OnField = on["name"].GetStringValue()

	extra := on["config"].GetStructValue().GetFields()["extra_fields"].GetListValue().GetValues()
	for i, v := range extra {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: extra field %d of %s is not a field name", errors.ErrPlanShape, i+1, d.Type)
		}
		d.ExtraFields = append(d.ExtraFields, s.StringValue)
	}

	d.AsField = fields["as_field"].GetStructValue().GetFields()["name"].GetStringValue()

	if opts := fields["options"].GetStructValue().GetFields(); len(opts) > 0 {
		d.Options = make(map[string]string, len(opts))
		for k, v := range opts {
			d.Options[k] = v.GetStringValue()
		}
	}
	return d, nil
}
