package executor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/thanos-io/objstore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// StageOptions parameterizes the compilation of a single pipeline.
type StageOptions struct {
	ExecutionMode pipeline.ExecutionMode
	DumpMode      pipeline.DumpMode

	// Handlers receives the operator handlers created for the stage.
	// Handlers already bound under an operator's handler name are reused.
	Handlers pipeline.Handlers

	// InputSchema is the schema of the records the pipeline receives.
	InputSchema *arrow.Schema
}

// Compiler compiles pipelines into stages.
type Compiler struct {
	Registry   *aggregation.Registry
	Formatters *FormatterProvider

	// Console receives stage dumps of the console dump mode.
	Console io.Writer
	// DumpBucket receives stage dumps of the file dump mode, one object
	// per pipeline.
	DumpBucket objstore.Bucket

	Logger log.Logger
}

// NewCompiler returns a compiler with the built-in aggregations and
// formatters.
func NewCompiler(console io.Writer, dumps objstore.Bucket, logger log.Logger) *Compiler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Compiler{
		Registry:   aggregation.NewRegistry(),
		Formatters: NewFormatterProvider(),
		Console:    console,
		DumpBucket: dumps,
		Logger:     logger,
	}
}

// Compile compiles the operator pipeline p. Errors wrap
// [errors.ErrStageCompile].
func (c *Compiler) Compile(ctx context.Context, p *pipeline.Pipeline, opts StageOptions) (Stage, error) {
	stage, err := c.compile(p, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrStageCompile, p.ID, err)
	}
	if err := c.dump(ctx, p.ID, opts.DumpMode, stage.describe()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrStageCompile, p.ID, err)
	}
	return stage, nil
}

func (c *Compiler) compile(p *pipeline.Pipeline, opts StageOptions) (*operatorStage, error) {
	head, ok := p.Root.(pipeline.PhysicalOperator)
	if !ok || head == nil {
		return nil, fmt.Errorf("%w: root %v is not an operator", errors.ErrPlanShape, p.Root)
	}
	if opts.InputSchema == nil {
		return nil, fmt.Errorf("%w: no input schema", errors.ErrPrecondition)
	}

	s := &operatorStage{id: p.ID, mode: opts.ExecutionMode, input: opts.InputSchema}
	schema := opts.InputSchema
	for i, op := range pipeline.Operators(head) {
		switch op := op.(type) {
		case *pipeline.Filter:
			dt, err := op.Predicate.Type(schema)
			if err != nil {
				return nil, err
			}
			if dt.ID() != arrow.BOOL {
				return nil, fmt.Errorf("%w: filter predicate %s has type %s", errors.ErrType, op.Predicate, dt)
			}
			s.ops = append(s.ops, &filterOperator{pred: op.Predicate})

		case *pipeline.Map:
			dt, err := op.Expr.Type(schema)
			if err != nil {
				return nil, err
			}
			schema = mapSchema(schema, op.Field, dt)
			s.ops = append(s.ops, &mapOperator{field: op.Field, expr: op.Expr})

		case *pipeline.Project:
			projected, indices, err := projectSchema(schema, op.Fields)
			if err != nil {
				return nil, err
			}
			schema = projected
			s.ops = append(s.ops, &projectOperator{schema: projected, indices: indices})

		case *pipeline.WindowAggregation:
			w, err := newWindowOperator(op, schema, c.Registry)
			if err != nil {
				return nil, err
			}
			name := op.Handler
			if name == "" {
				name = fmt.Sprintf("window-%d-%d", p.ID, i)
			}
			if err := w.bind(opts.Handlers, name); err != nil {
				return nil, err
			}
			schema = w.schema
			s.ops = append(s.ops, w)
			s.windows = append(s.windows, w)
			s.sequential = s.sequential || w.sequential

		default:
			return nil, fmt.Errorf("%w: operator %T", errors.ErrNotImplemented, op)
		}
	}
	s.output = schema

	level.Debug(c.Logger).Log("msg", "compiled stage", "pipeline", p.ID, "mode", opts.ExecutionMode, "operators", len(s.ops), "sequential", s.sequential)
	return s, nil
}

// CompileFormatter compiles the formatter pipeline id that parses the bytes
// of source. Errors wrap [errors.ErrStageCompile].
func (c *Compiler) CompileFormatter(ctx context.Context, id types.PipelineID, source *pipeline.SourceOperator, opts StageOptions) (Stage, error) {
	wrap := func(err error) error {
		return fmt.Errorf("%w: formatter %s for source %s: %w", errors.ErrStageCompile, id, source.Descriptor.Name, err)
	}

	schema, err := source.Descriptor.ArrowSchema()
	if err != nil {
		return nil, wrap(err)
	}
	parser, err := c.Formatters.Parser(source.Descriptor.Parser, schema)
	if err != nil {
		return nil, wrap(err)
	}

	s := &formatterStage{
		id:        id,
		format:    strings.ToLower(source.Descriptor.Parser.Type),
		parser:    parser,
		delimiter: tupleDelimiter(source.Descriptor.Parser),
		schema:    schema,
	}
	if err := c.dump(ctx, id, opts.DumpMode, s.describe()); err != nil {
		return nil, wrap(err)
	}
	return s, nil
}

func (c *Compiler) dump(ctx context.Context, id types.PipelineID, mode pipeline.DumpMode, ir string) error {
	if mode.Console() && c.Console != nil {
		if _, err := io.WriteString(c.Console, ir); err != nil {
			return err
		}
	}
	if mode.File() {
		if c.DumpBucket == nil {
			return fmt.Errorf("%w: dump mode %s without dump location", errors.ErrPrecondition, mode)
		}
		name := fmt.Sprintf("%s.ir", id)
		if err := c.DumpBucket.Upload(ctx, name, strings.NewReader(ir)); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
