package compiler

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/executor"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// StageCompiler compiles pipelines into stages. [executor.Compiler]
// implements StageCompiler.
type StageCompiler interface {
	Compile(ctx context.Context, p *pipeline.Pipeline, opts executor.StageOptions) (executor.Stage, error)
	CompileFormatter(ctx context.Context, id types.PipelineID, source *pipeline.SourceOperator, opts executor.StageOptions) (executor.Stage, error)
}

// Lower compiles plan into a [CompiledQueryPlan].
//
// Every logical pipeline is compiled once, no matter how many predecessors
// share it. Sources with a non-raw parser are followed by an injected
// formatter pipeline. Sink pipelines become [Sink] records.
//
// Lower returns an error wrapping [errors.ErrPlanShape] if a pipeline has a
// root that does not fit its position in the plan, and the error of the
// stage compiler if a stage cannot be compiled. No plan is returned on
// error.
func Lower(ctx context.Context, plan *pipeline.PipelinedQueryPlan, stages StageCompiler, logger log.Logger) (*CompiledQueryPlan, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &lowering{
		ctx:    ctx,
		plan:   plan,
		stages: stages,
		logger: log.With(logger, "query", plan.QueryID),

		memo:   make(map[types.PipelineID]*lowered),
		nextID: plan.MaxPipelineID() + 1,
		out:    &CompiledQueryPlan{QueryID: plan.QueryID, ExecutionMode: plan.ExecutionMode},
	}
	if len(plan.Sources) == 0 {
		return nil, fmt.Errorf("%w: plan has no sources", errors.ErrPlanShape)
	}
	for _, src := range plan.Sources {
		if err := l.processSource(src); err != nil {
			return nil, err
		}
	}

	l.out.Pipelines = l.out.graph.TopologicalSort()
	level.Debug(l.logger).Log("msg", "lowered plan", "pipelines", len(l.out.Pipelines), "sinks", len(l.out.Sinks), "sources", len(l.out.Sources))
	return l.out, nil
}

type lowered struct {
	pipeline *ExecutablePipeline
	input    *arrow.Schema
}

type lowering struct {
	ctx    context.Context
	plan   *pipeline.PipelinedQueryPlan
	stages StageCompiler
	logger log.Logger

	memo   map[types.PipelineID]*lowered
	nextID types.PipelineID
	out    *CompiledQueryPlan
}

func (l *lowering) options(handlers pipeline.Handlers, input *arrow.Schema) executor.StageOptions {
	return executor.StageOptions{
		ExecutionMode: l.plan.ExecutionMode,
		DumpMode:      l.plan.DumpMode,
		Handlers:      handlers,
		InputSchema:   input,
	}
}

func (l *lowering) processSource(p *pipeline.Pipeline) error {
	source, ok := p.Root.(*pipeline.SourceOperator)
	if !ok || p.Kind() != pipeline.OperatorKindSource {
		return fmt.Errorf("%w: %s is not a source pipeline", errors.ErrPlanShape, p)
	}
	if err := source.Descriptor.Validate(); err != nil {
		return err
	}
	schema, err := source.Descriptor.ArrowSchema()
	if err != nil {
		return err
	}
	binding := &SourceBinding{OriginID: source.OriginID, Descriptor: source.Descriptor}

	if source.Descriptor.Parser.IsRaw() {
		for _, succ := range p.Successors {
			next, err := l.processSuccessor(Predecessor{Origin: source.OriginID}, succ, schema)
			if err != nil {
				return err
			}
			if next != nil {
				binding.Targets = append(binding.Targets, next)
			} else {
				binding.Sinks = append(binding.Sinks, l.sink(succ.ID))
			}
		}
		l.out.Sources = append(l.out.Sources, binding)
		return nil
	}

	id := l.nextID
	l.nextID++

	handlers := make(pipeline.Handlers)
	stage, err := l.stages.CompileFormatter(l.ctx, id, source, l.options(handlers, schema))
	if err != nil {
		return err
	}
	formatter := &ExecutablePipeline{
		ID:         id,
		Stage:      stage,
		Sequential: stage.Sequential(),
		Handlers:   handlers,
		Formatter:  true,
	}
	l.out.graph.Add(formatter)
	l.memo[id] = &lowered{pipeline: formatter, input: schema}

	if err := l.processSuccessors(formatter, p.Successors); err != nil {
		return err
	}
	binding.Targets = []*ExecutablePipeline{formatter}
	l.out.Sources = append(l.out.Sources, binding)

	level.Debug(l.logger).Log("msg", "injected formatter", "source", source.Descriptor.Name, "parser", source.Descriptor.Parser.Type, "pipeline", id)
	return nil
}

// processSuccessors lowers successors of ep and links them to it.
func (l *lowering) processSuccessors(ep *ExecutablePipeline, successors []*pipeline.Pipeline) error {
	for _, succ := range successors {
		next, err := l.processSuccessor(Predecessor{Pipeline: ep}, succ, ep.Stage.OutputSchema())
		if err != nil {
			return err
		}
		if next == nil {
			continue
		}
		ep.Successors = append(ep.Successors, next)
		if err := l.out.graph.AddEdge(ep, next); err != nil {
			return fmt.Errorf("%w: %s -> %s: %w", errors.ErrPlanShape, ep, next, err)
		}
	}
	return nil
}

// processSuccessor lowers p, reached from pred. It returns nil for sink
// pipelines.
func (l *lowering) processSuccessor(pred Predecessor, p *pipeline.Pipeline, input *arrow.Schema) (*ExecutablePipeline, error) {
	switch p.Kind() {
	case pipeline.OperatorKindSink:
		return nil, l.processSink(pred, p)
	case pipeline.OperatorKindPhysical:
		return l.processOperator(p, input)
	default:
		return nil, fmt.Errorf("%w: %s cannot follow %s", errors.ErrPlanShape, p, pred)
	}
}

func (l *lowering) processOperator(p *pipeline.Pipeline, input *arrow.Schema) (*ExecutablePipeline, error) {
	if m, ok := l.memo[p.ID]; ok {
		if !m.input.Equal(input) {
			return nil, fmt.Errorf("%w: %s receives different schemas from its predecessors", errors.ErrPlanShape, p)
		}
		return m.pipeline, nil
	}

	handlers := make(pipeline.Handlers, len(p.Handlers))
	for name, h := range p.Handlers {
		handlers[name] = h
	}
	stage, err := l.stages.Compile(l.ctx, p, l.options(handlers, input))
	if err != nil {
		return nil, err
	}
	ep := &ExecutablePipeline{
		ID:         p.ID,
		Stage:      stage,
		Sequential: stage.Sequential(),
		Handlers:   handlers,
	}
	l.out.graph.Add(ep)
	l.memo[p.ID] = &lowered{pipeline: ep, input: input}

	if err := l.processSuccessors(ep, p.Successors); err != nil {
		return nil, err
	}
	return ep, nil
}

func (l *lowering) processSink(pred Predecessor, p *pipeline.Pipeline) error {
	op, ok := p.Root.(*pipeline.SinkOperator)
	if !ok {
		return fmt.Errorf("%w: %s has no sink operator", errors.ErrPlanShape, p)
	}
	s := l.sink(p.ID)
	if s == nil {
		if err := op.Descriptor.Validate(); err != nil {
			return err
		}
		s = &Sink{ID: p.ID, Descriptor: op.Descriptor}
		l.out.Sinks = append(l.out.Sinks, s)
	}
	s.Predecessors = append(s.Predecessors, pred)
	return nil
}

// sink returns the sink with the given id. Plans have few sinks, so a linear
// scan suffices.
func (l *lowering) sink(id types.PipelineID) *Sink {
	for _, s := range l.out.Sinks {
		if s.ID == id {
			return s
		}
	}
	return nil
}
