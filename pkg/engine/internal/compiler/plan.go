// Package compiler lowers logical pipeline plans into executable plans.
package compiler

import (
	"fmt"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/executor"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/util/dag"
)

// ExecutablePipeline is a compiled pipeline. It keeps the id of its logical
// pipeline; formatter pipelines receive fresh ids.
//
// Successors never contains sinks. Sinks list the pipelines feeding them in
// [Sink.Predecessors].
type ExecutablePipeline struct {
	ID         types.PipelineID
	Stage      executor.Stage
	Successors []*ExecutablePipeline

	// Sequential is set when the stage must process buffers on a single
	// worker in order.
	Sequential bool

	// Handlers holds the operator handlers bound by the stage.
	Handlers pipeline.Handlers

	// Formatter is set for pipelines injected after a non-raw source.
	Formatter bool
}

func (p *ExecutablePipeline) String() string {
	if p.Formatter {
		return fmt.Sprintf("%s(formatter)", p.ID)
	}
	return p.ID.String()
}

// Predecessor is the producer of buffers for a sink: either an executable
// pipeline or, for sinks fed directly by a raw source, the source's origin.
type Predecessor struct {
	Pipeline *ExecutablePipeline
	Origin   types.OriginID
}

// IsSource reports whether the predecessor is a raw source.
func (p Predecessor) IsSource() bool { return p.Pipeline == nil }

func (p Predecessor) String() string {
	if p.IsSource() {
		return p.Origin.String()
	}
	return p.Pipeline.String()
}

// Sink is a sink of a compiled plan. Each sink id appears once per plan.
type Sink struct {
	ID           types.PipelineID
	Descriptor   pipeline.SinkDescriptor
	Predecessors []Predecessor
}

// SourceBinding binds a source to the pipelines it pushes buffers into.
type SourceBinding struct {
	OriginID   types.OriginID
	Descriptor pipeline.SourceDescriptor
	Targets    []*ExecutablePipeline

	// Sinks lists sinks fed by the source without any pipeline in between.
	Sinks []*Sink
}

// CompiledQueryPlan is the result of lowering a [pipeline.PipelinedQueryPlan].
// Pipelines are ordered so that every pipeline precedes its successors.
type CompiledQueryPlan struct {
	QueryID       types.QueryID
	ExecutionMode pipeline.ExecutionMode

	Pipelines []*ExecutablePipeline
	Sinks     []*Sink
	Sources   []*SourceBinding

	graph dag.Graph[*ExecutablePipeline]
}

// Graph returns the graph of executable pipelines. Sinks and sources are
// not part of the graph.
func (p *CompiledQueryPlan) Graph() *dag.Graph[*ExecutablePipeline] { return &p.graph }

// Pipeline returns the executable pipeline with the given id, or nil.
func (p *CompiledQueryPlan) Pipeline(id types.PipelineID) *ExecutablePipeline {
	for _, ep := range p.Pipelines {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

// SinksOf returns the sinks fed by ep.
func (p *CompiledQueryPlan) SinksOf(ep *ExecutablePipeline) []*Sink {
	var out []*Sink
	for _, s := range p.Sinks {
		for _, pred := range s.Predecessors {
			if pred.Pipeline == ep {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Origins returns the origins whose buffers reach ep. Sources contribute
// their origin id. Pipelines that start new sequences contribute their own
// origin, hiding the origins upstream of them.
func (p *CompiledQueryPlan) Origins(ep *ExecutablePipeline) []types.OriginID {
	var out []types.OriginID
	add := func(id types.OriginID) {
		for _, o := range out {
			if o == id {
				return
			}
		}
		out = append(out, id)
	}

	for _, src := range p.Sources {
		for _, t := range src.Targets {
			if t == ep {
				add(src.OriginID)
			}
		}
	}
	for _, parent := range p.graph.Parents(ep) {
		if producesOrigin(parent) {
			add(executor.OriginFor(parent.ID))
			continue
		}
		for _, o := range p.Origins(parent) {
			add(o)
		}
	}
	return out
}

// Inputs returns the streams of buffers that reach ep, qualified by the
// pipeline that emits them. Buffers of sources that target ep directly have
// no producer. An origin that reaches ep over several parents is listed once
// per parent.
func (p *CompiledQueryPlan) Inputs(ep *ExecutablePipeline) []buffer.Input {
	var out []buffer.Input
	for _, src := range p.Sources {
		for _, t := range src.Targets {
			if t == ep {
				out = append(out, buffer.Input{Origin: src.OriginID})
				break
			}
		}
	}
	for _, parent := range p.graph.Parents(ep) {
		if producesOrigin(parent) {
			out = append(out, buffer.Input{Producer: parent.ID, Origin: executor.OriginFor(parent.ID)})
			continue
		}
		for _, o := range p.Origins(parent) {
			out = append(out, buffer.Input{Producer: parent.ID, Origin: o})
		}
	}
	return out
}

// SinkOrigins returns the origins whose buffers reach s.
func (p *CompiledQueryPlan) SinkOrigins(s *Sink) []types.OriginID {
	var out []types.OriginID
	seen := make(map[types.OriginID]struct{})
	add := func(ids ...types.OriginID) {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	for _, pred := range s.Predecessors {
		switch {
		case pred.IsSource():
			add(pred.Origin)
		case producesOrigin(pred.Pipeline):
			add(executor.OriginFor(pred.Pipeline.ID))
		default:
			add(p.Origins(pred.Pipeline)...)
		}
	}
	return out
}

func producesOrigin(ep *ExecutablePipeline) bool {
	po, ok := ep.Stage.(interface{ ProducesOrigin() bool })
	return ok && po.ProducesOrigin()
}
