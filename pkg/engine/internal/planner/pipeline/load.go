package pipeline

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/util/dag"
)

// planFile is the YAML form of a plan:
//
//	query_id: 1
//	execution_mode: compiled
//	pipelines:
//	  - id: 1
//	    source: {origin_id: 1, name: gps, type: file, parser: {type: csv}, schema: [...]}
//	    successors: [2]
//	  - id: 2
//	    operators:
//	      - filter: {op: gt, args: [{field: speed}, {literal: 10}]}
//	    successors: [3]
//	  - id: 3
//	    sink: {name: out, type: print, format: csv}
type planFile struct {
	QueryID       uint64         `yaml:"query_id"`
	ExecutionMode ExecutionMode  `yaml:"execution_mode"`
	DumpMode      DumpMode       `yaml:"dump_mode"`
	Pipelines     []pipelineFile `yaml:"pipelines"`
}

type pipelineFile struct {
	ID         uint64          `yaml:"id"`
	Source     *sourceFile     `yaml:"source"`
	Sink       *SinkDescriptor `yaml:"sink"`
	Operators  []operatorFile  `yaml:"operators"`
	Successors []uint64        `yaml:"successors"`
}

type sourceFile struct {
	OriginID         uint64 `yaml:"origin_id"`
	SourceDescriptor `yaml:",inline"`
}

type operatorFile struct {
	Filter  *expr.Definition `yaml:"filter"`
	Map     *mapFile         `yaml:"map"`
	Project []string         `yaml:"project"`
	Window  *windowFile      `yaml:"window"`
}

type mapFile struct {
	Field string          `yaml:"field"`
	Expr  expr.Definition `yaml:"expr"`
}

type windowFile struct {
	TimeField    string                   `yaml:"time_field"`
	Unit         TimeUnit                 `yaml:"unit"`
	Size         time.Duration            `yaml:"size"`
	Slide        time.Duration            `yaml:"slide"`
	Keys         []string                 `yaml:"keys"`
	Aggregations []aggregation.Descriptor `yaml:"aggregations"`
	Handler      string                   `yaml:"handler"`
}

// LoadPlan reads a YAML plan from r. Pipelines without predecessors must be
// source pipelines.
func LoadPlan(r io.Reader) (*PipelinedQueryPlan, error) {
	var f planFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decoding plan: %w", errors.ErrPlanShape, err)
	}

	byID := make(map[uint64]*Pipeline, len(f.Pipelines))
	for _, pf := range f.Pipelines {
		if _, exists := byID[pf.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate pipeline id %d", errors.ErrPlanShape, pf.ID)
		}
		root, err := pf.root()
		if err != nil {
			return nil, fmt.Errorf("pipeline %d: %w", pf.ID, err)
		}
		byID[pf.ID] = &Pipeline{ID: types.PipelineID(pf.ID), Root: root, Handlers: make(Handlers)}
	}

	var g dag.Graph[*Pipeline]
	for _, pf := range f.Pipelines {
		p := byID[pf.ID]
		g.Add(p)
		for _, id := range pf.Successors {
			succ, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: pipeline %d has unknown successor %d", errors.ErrPlanShape, pf.ID, id)
			}
			if err := g.AddEdge(p, succ); err != nil {
				return nil, fmt.Errorf("%w: %w", errors.ErrPlanShape, err)
			}
			p.Successors = append(p.Successors, succ)
		}
	}

	plan := &PipelinedQueryPlan{
		QueryID:       types.QueryID(f.QueryID),
		ExecutionMode: f.ExecutionMode,
		DumpMode:      f.DumpMode,
	}
	for _, root := range g.Roots() {
		if root.Kind() != OperatorKindSource {
			return nil, fmt.Errorf("%w: %s has no predecessors but is not a source", errors.ErrPlanShape, root)
		}
		plan.Sources = append(plan.Sources, root)
	}
	if len(plan.Sources) == 0 {
		return nil, fmt.Errorf("%w: plan without sources", errors.ErrPlanShape)
	}
	return plan, nil
}

func (pf pipelineFile) root() (Operator, error) {
	set := 0
	for _, ok := range []bool{pf.Source != nil, pf.Sink != nil, len(pf.Operators) > 0} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: a pipeline needs exactly one of source, sink or operators", errors.ErrPlanShape)
	}

	switch {
	case pf.Source != nil:
		desc := pf.Source.SourceDescriptor
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		return &SourceOperator{OriginID: types.OriginID(pf.Source.OriginID), Descriptor: desc}, nil

	case pf.Sink != nil:
		desc := *pf.Sink
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		return &SinkOperator{Descriptor: desc}, nil
	}

	ops := make([]PhysicalOperator, 0, len(pf.Operators))
	for i, of := range pf.Operators {
		op, err := of.build()
		if err != nil {
			return nil, fmt.Errorf("operator %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return Chain(ops...), nil
}

func (of operatorFile) build() (PhysicalOperator, error) {
	switch {
	case of.Filter != nil:
		pred, err := of.Filter.Build()
		if err != nil {
			return nil, err
		}
		return &Filter{Predicate: pred}, nil

	case of.Map != nil:
		if of.Map.Field == "" {
			return nil, fmt.Errorf("%w: map without field", errors.ErrPlanShape)
		}
		e, err := of.Map.Expr.Build()
		if err != nil {
			return nil, err
		}
		return &Map{Field: of.Map.Field, Expr: e}, nil

	case len(of.Project) > 0:
		return &Project{Fields: of.Project}, nil

	case of.Window != nil:
		w := of.Window
		if w.TimeField == "" || w.Size <= 0 || len(w.Aggregations) == 0 {
			return nil, fmt.Errorf("%w: window needs time_field, size and aggregations", errors.ErrPlanShape)
		}
		if w.Slide < 0 || w.Slide > w.Size {
			return nil, fmt.Errorf("%w: window slide %s must be within (0, %s]", errors.ErrPlanShape, w.Slide, w.Size)
		}
		for _, a := range w.Aggregations {
			if a.Type == "" {
				return nil, fmt.Errorf("%w: aggregation without type", errors.ErrPlanShape)
			}
		}
		unit := w.Unit
		switch unit {
		case "":
			unit = Milliseconds
		case Milliseconds, Seconds:
		default:
			return nil, fmt.Errorf("%w: unknown time unit %q", errors.ErrKey, unit)
		}
		return &WindowAggregation{
			TimeField:    w.TimeField,
			Unit:         unit,
			Size:         w.Size,
			Slide:        w.Slide,
			Keys:         w.Keys,
			Aggregations: w.Aggregations,
			Handler:      w.Handler,
		}, nil
	}
	return nil, fmt.Errorf("%w: empty operator", errors.ErrPlanShape)
}
