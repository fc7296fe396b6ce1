package compiler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/executor"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

type fakeStage struct {
	schema     *arrow.Schema
	sequential bool
	origin     bool
}

func (s *fakeStage) Start(context.Context, *executor.PipelineContext) error { return nil }
func (s *fakeStage) Execute(context.Context, *executor.PipelineContext, int, buffer.TupleBuffer) error {
	return nil
}
func (s *fakeStage) Stop(context.Context, *executor.PipelineContext) error { return nil }
func (s *fakeStage) Sequential() bool { return s.sequential }
func (s *fakeStage) OutputSchema() *arrow.Schema { return s.schema }
func (s *fakeStage) ProducesOrigin() bool { return s.origin }

// fakeCompiler records the pipelines it compiles and passes input schemas
// through unchanged.
type fakeCompiler struct {
	compiled   []types.PipelineID
	formatters []types.PipelineID

	fail       types.PipelineID
	sequential map[types.PipelineID]bool
	origins    map[types.PipelineID]bool
}

func (c *fakeCompiler) Compile(_ context.Context, p *pipeline.Pipeline, opts executor.StageOptions) (executor.Stage, error) {
	if p.ID == c.fail {
		return nil, fmt.Errorf("%w: %s", errors.ErrStageCompile, p.ID)
	}
	c.compiled = append(c.compiled, p.ID)
	return &fakeStage{schema: opts.InputSchema, sequential: c.sequential[p.ID], origin: c.origins[p.ID]}, nil
}

func (c *fakeCompiler) CompileFormatter(_ context.Context, id types.PipelineID, _ *pipeline.SourceOperator, opts executor.StageOptions) (executor.Stage, error) {
	c.formatters = append(c.formatters, id)
	return &fakeStage{schema: opts.InputSchema, sequential: true}, nil
}

func loadPlan(t *testing.T, text string) *pipeline.PipelinedQueryPlan {
	t.Helper()
	plan, err := pipeline.LoadPlan(strings.NewReader(text))
	require.NoError(t, err)
	return plan
}

func lower(t *testing.T, plan *pipeline.PipelinedQueryPlan, stages StageCompiler) *CompiledQueryPlan {
	t.Helper()
	compiled, err := Lower(context.Background(), plan, stages, nil)
	require.NoError(t, err)
	return compiled
}

func sourceYAML(id, origin int, parser string) string {
	return fmt.Sprintf(`  - id: %d
    source:
      origin_id: %d
      name: src-%d
      type: memory
      parser: {type: %s}
      schema:
        - {name: id, type: int64}
        - {name: x, type: float64}
`, id, origin, id, parser)
}

func TestLower_SharesPipelines(t *testing.T) {
	plan := loadPlan(t, "query_id: 1\npipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2, 3]
  - id: 2
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 3
    operators: [{project: [x, id]}]
    successors: [4]
  - id: 4
    operators: [{project: [id]}]
    successors: [5]
  - id: 5
    sink: {name: out, type: collect}
`)

	// Pipeline 4 receives different schemas from 2 and 3.
	_, err := Lower(context.Background(), plan, executor.NewCompiler(nil, nil, nil), nil)
	require.ErrorIs(t, err, errors.ErrPlanShape)

	plan = loadPlan(t, "query_id: 1\npipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2, 3]
  - id: 2
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 3
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 4
    operators: [{project: [id]}]
    successors: [5]
  - id: 5
    sink: {name: out, type: collect}
`)
	stages := &fakeCompiler{}
	compiled := lower(t, plan, stages)

	require.ElementsMatch(t, []types.PipelineID{2, 3, 4}, stages.compiled, "every pipeline is compiled exactly once")
	require.Len(t, compiled.Pipelines, 3)

	left, right := compiled.Pipeline(2), compiled.Pipeline(3)
	require.Len(t, left.Successors, 1)
	require.Len(t, right.Successors, 1)
	require.Same(t, left.Successors[0], right.Successors[0])
	require.Same(t, compiled.Pipeline(4), left.Successors[0])

	require.Len(t, compiled.Sinks, 1)
	require.Len(t, compiled.Sinks[0].Predecessors, 1)
	require.Same(t, compiled.Pipeline(4), compiled.Sinks[0].Predecessors[0].Pipeline)

	// Parents precede children.
	order := make(map[types.PipelineID]int)
	for i, ep := range compiled.Pipelines {
		order[ep.ID] = i
	}
	require.Less(t, order[2], order[4])
	require.Less(t, order[3], order[4])
}

func TestLower_FormatterTransparency(t *testing.T) {
	t.Run("raw", func(t *testing.T) {
		plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "RAW")+`    successors: [2, 3]
  - id: 2
    operators: [{project: [id]}]
  - id: 3
    operators: [{project: [x]}]
`)
		stages := &fakeCompiler{}
		compiled := lower(t, plan, stages)

		require.Empty(t, stages.formatters)
		require.Len(t, compiled.Sources, 1)
		src := compiled.Sources[0]
		require.Equal(t, types.OriginID(10), src.OriginID)
		require.Equal(t, []*ExecutablePipeline{compiled.Pipeline(2), compiled.Pipeline(3)}, src.Targets)
	})

	t.Run("csv", func(t *testing.T) {
		plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "csv")+`    successors: [2, 3]
`+sourceYAML(4, 40, "json")+`    successors: [3]
  - id: 2
    operators: [{project: [id]}]
  - id: 3
    operators: [{project: [x]}]
`)
		stages := &fakeCompiler{}
		compiled := lower(t, plan, stages)

		require.Equal(t, []types.PipelineID{5, 6}, stages.formatters, "formatters get fresh ids above the plan's ids")
		require.Len(t, compiled.Pipelines, 4)

		csv, json := compiled.Sources[0], compiled.Sources[1]
		require.Len(t, csv.Targets, 1)
		formatter := csv.Targets[0]
		require.True(t, formatter.Formatter)
		require.True(t, formatter.Sequential)
		require.Equal(t, types.PipelineID(5), formatter.ID)
		require.Equal(t, []*ExecutablePipeline{compiled.Pipeline(2), compiled.Pipeline(3)}, formatter.Successors)

		require.Len(t, json.Targets, 1)
		require.Equal(t, types.PipelineID(6), json.Targets[0].ID)
		require.Equal(t, []*ExecutablePipeline{compiled.Pipeline(3)}, json.Targets[0].Successors)
		require.Same(t, formatter.Successors[1], json.Targets[0].Successors[0])
	})
}

func TestLower_SinkFanIn(t *testing.T) {
	plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2, 3, 4]
  - id: 2
    operators: [{project: [id]}]
    successors: [4]
  - id: 3
    operators: [{project: [x]}]
    successors: [4, 5]
  - id: 4
    sink: {name: all, type: collect, format: json}
  - id: 5
    sink: {name: xs, type: print}
`)
	compiled := lower(t, plan, &fakeCompiler{})

	require.Len(t, compiled.Sinks, 2)
	all := compiled.Sinks[0]
	require.Equal(t, types.PipelineID(4), all.ID)
	require.Equal(t, "json", all.Descriptor.Format)
	require.Len(t, all.Predecessors, 3)

	var origins, pipelines []string
	for _, pred := range all.Predecessors {
		if pred.IsSource() {
			origins = append(origins, pred.String())
		} else {
			pipelines = append(pipelines, pred.String())
		}
	}
	require.Equal(t, []string{"origin-10"}, origins)
	require.ElementsMatch(t, []string{"pipeline-2", "pipeline-3"}, pipelines)

	require.Equal(t, []*Sink{all}, compiled.Sources[0].Sinks)
	require.Equal(t, []*Sink{all, compiled.Sinks[1]}, compiled.SinksOf(compiled.Pipeline(3)))
	require.Equal(t, pipeline.DefaultSinkFormat, compiled.Sinks[1].Descriptor.Format)
}

func TestLower_Errors(t *testing.T) {
	source := func(id types.PipelineID) *pipeline.Pipeline {
		return &pipeline.Pipeline{ID: id, Root: &pipeline.SourceOperator{
			OriginID: types.OriginID(id),
			Descriptor: pipeline.SourceDescriptor{
				Name:   "s",
				Type:   "memory",
				Parser: pipeline.ParserConfig{Type: "raw"},
				Schema: []types.FieldSpec{{Name: "id", Type: "int64"}},
			},
		}}
	}
	sink := &pipeline.Pipeline{ID: 9, Root: &pipeline.SinkOperator{Descriptor: pipeline.SinkDescriptor{Name: "out", Type: "collect"}}}

	t.Run("no sources", func(t *testing.T) {
		_, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{}, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
	})

	t.Run("source root is not a source", func(t *testing.T) {
		plan := &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{sink}}
		compiled, err := Lower(context.Background(), plan, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
		require.Nil(t, compiled)
	})

	t.Run("source as successor", func(t *testing.T) {
		src := source(1)
		src.Successors = []*pipeline.Pipeline{source(2)}
		_, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{src}}, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
	})

	t.Run("pipeline without root", func(t *testing.T) {
		src := source(1)
		src.Successors = []*pipeline.Pipeline{{ID: 2}}
		_, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{src}}, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
	})

	t.Run("sink without type", func(t *testing.T) {
		src := source(1)
		src.Successors = []*pipeline.Pipeline{{ID: 2, Root: &pipeline.SinkOperator{Descriptor: pipeline.SinkDescriptor{Name: "out"}}}}
		_, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{src}}, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
	})

	t.Run("cycle", func(t *testing.T) {
		src := source(1)
		op := &pipeline.Pipeline{ID: 2, Root: &pipeline.Project{Fields: []string{"id"}}}
		op.Successors = []*pipeline.Pipeline{op}
		src.Successors = []*pipeline.Pipeline{op}
		_, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{src}}, &fakeCompiler{}, nil)
		require.ErrorIs(t, err, errors.ErrPlanShape)
	})

	t.Run("stage compilation", func(t *testing.T) {
		src := source(1)
		op := &pipeline.Pipeline{ID: 2, Root: &pipeline.Project{Fields: []string{"id"}}, Successors: []*pipeline.Pipeline{sink}}
		src.Successors = []*pipeline.Pipeline{op}
		compiled, err := Lower(context.Background(), &pipeline.PipelinedQueryPlan{Sources: []*pipeline.Pipeline{src}}, &fakeCompiler{fail: 2}, nil)
		require.ErrorIs(t, err, errors.ErrStageCompile)
		require.Nil(t, compiled)
	})
}

func TestLower_Origins(t *testing.T) {
	plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2]
`+sourceYAML(3, 30, "csv")+`    successors: [2]
  - id: 2
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 4
    operators: [{project: [id, x]}]
    successors: [5]
  - id: 5
    sink: {name: out, type: collect}
`)
	stages := &fakeCompiler{origins: map[types.PipelineID]bool{2: true}}
	compiled := lower(t, plan, stages)

	require.Equal(t, []types.OriginID{10, 30}, compiled.Origins(compiled.Pipeline(2)))
	require.Equal(t, []types.OriginID{executor.OriginFor(2)}, compiled.Origins(compiled.Pipeline(4)))
	require.Equal(t, []types.OriginID{executor.OriginFor(2)}, compiled.SinkOrigins(compiled.Sinks[0]))

	require.Equal(t, []buffer.Input{{Origin: 10}, {Producer: 6, Origin: 30}}, compiled.Inputs(compiled.Pipeline(2)))
	require.Equal(t, []buffer.Input{{Producer: 2, Origin: executor.OriginFor(2)}}, compiled.Inputs(compiled.Pipeline(4)))
}

func TestLower_InputsOfSharedSuccessor(t *testing.T) {
	plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2, 3]
  - id: 2
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 3
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 4
    operators: [{project: [id, x]}]
    successors: [5]
  - id: 5
    sink: {name: out, type: collect}
`)
	compiled := lower(t, plan, &fakeCompiler{})

	require.Equal(t, []types.OriginID{10}, compiled.Origins(compiled.Pipeline(4)))
	require.ElementsMatch(t, []buffer.Input{{Producer: 2, Origin: 10}, {Producer: 3, Origin: 10}},
		compiled.Inputs(compiled.Pipeline(4)), "one input per parent")
}

func TestLower_EndToEnd(t *testing.T) {
	plan := loadPlan(t, `
query_id: 3
execution_mode: compiled
pipelines:
  - id: 1
    source:
      origin_id: 1
      name: readings
      type: memory
      parser: {type: csv, field_delimiter: ","}
      schema:
        - {name: id, type: int64}
        - {name: value, type: float64}
    successors: [2]
  - id: 2
    operators:
      - filter: {op: gt, args: [{field: value}, {literal: 1.5}]}
    successors: [3]
  - id: 3
    sink: {name: out, type: collect}
`)
	compiled := lower(t, plan, executor.NewCompiler(nil, nil, nil))

	require.Equal(t, types.QueryID(3), compiled.QueryID)
	// Sinks are kept as Sink records next to the executable pipelines, so
	// the three stages of the query are two pipelines and one sink.
	require.Len(t, compiled.Pipelines, 2)
	require.Len(t, compiled.Sinks, 1)
	require.Equal(t, 3, len(compiled.Pipelines)+len(compiled.Sinks), "formatter, operator and sink")

	formatter, op := compiled.Pipelines[0], compiled.Pipelines[1]
	require.True(t, formatter.Formatter)
	require.Equal(t, types.PipelineID(2), op.ID)
	require.Equal(t, []*ExecutablePipeline{op}, formatter.Successors)

	sink := compiled.Sinks[0]
	require.Len(t, sink.Predecessors, 1)
	require.Same(t, op, sink.Predecessors[0].Pipeline)

	require.Len(t, compiled.Sources, 1)
	require.Equal(t, []*ExecutablePipeline{formatter}, compiled.Sources[0].Targets)
}

func TestLower_StageCompileFailure(t *testing.T) {
	plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2]
  - id: 2
    operators: [{project: [missing]}]
`)
	compiled, err := Lower(context.Background(), plan, executor.NewCompiler(nil, nil, nil), nil)
	require.ErrorIs(t, err, errors.ErrStageCompile)
	require.Nil(t, compiled)
}

func TestPrintPlan(t *testing.T) {
	plan := loadPlan(t, "pipelines:\n"+sourceYAML(1, 10, "csv")+`    successors: [2]
  - id: 2
    operators: [{project: [id]}]
    successors: [3]
  - id: 3
    sink: {name: out, type: print, format: json}
`)
	compiled := lower(t, plan, &fakeCompiler{})

	var sb strings.Builder
	require.NoError(t, PrintPlan(&sb, compiled))

	expect := `Source #origin-10 name=src-1 type=memory parser=csv
└── Formatter #pipeline-4 mode=compiled sequential=true output=(id, x)
    └── Pipeline #pipeline-2 mode=compiled sequential=false output=(id, x)
        └── Sink #pipeline-3 name=out type=print format=json predecessors=1
`
	require.Equal(t, expect, sb.String())
}

func TestPrintPlan_SharedPipeline(t *testing.T) {
	plan := loadPlan(t, "execution_mode: interpreted\npipelines:\n"+sourceYAML(1, 10, "raw")+`    successors: [2, 3]
  - id: 2
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 3
    operators: [{project: [id, x]}]
    successors: [4]
  - id: 4
    operators: [{project: [id]}]
    successors: [5]
  - id: 5
    sink: {name: out, type: collect}
`)
	compiled := lower(t, plan, &fakeCompiler{})

	var sb strings.Builder
	require.NoError(t, PrintPlan(&sb, compiled))

	expect := `Source #origin-10 name=src-1 type=memory parser=raw
├── Pipeline #pipeline-2 mode=interpreted sequential=false output=(id, x)
│   └── Pipeline #pipeline-4 mode=interpreted sequential=false output=(id, x)
│       └── Sink #pipeline-5 name=out type=collect predecessors=1
└── Pipeline #pipeline-3 mode=interpreted sequential=false output=(id, x)
    └── Pipeline #pipeline-4 (shared)
`
	require.Equal(t, expect, sb.String())
}
