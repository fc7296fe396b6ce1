package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// stepFunc processes one buffer within a stage. It borrows buf.
type stepFunc func(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error

// emitStep hands buf to the successors of the pipeline.
func emitStep(ctx context.Context, pctx *PipelineContext, _ int, buf buffer.TupleBuffer) error {
	buf.Retain()
	return pctx.Emit(ctx, buf)
}

// operatorStage executes the operator chain of an operator pipeline. Each
// element of ops is either a recordOperator or a *windowOperator.
type operatorStage struct {
	id     types.PipelineID
	mode   pipeline.ExecutionMode
	input  *arrow.Schema
	output *arrow.Schema

	ops        []any
	windows    []*windowOperator
	sequential bool

	// Set by Start in compiled mode.
	entry      stepFunc
	windowNext map[*windowOperator]stepFunc
}

var _ Stage = (*operatorStage)(nil)

func (s *operatorStage) Sequential() bool { return s.sequential }
func (s *operatorStage) OutputSchema() *arrow.Schema { return s.output }

// ProducesOrigin reports whether the stage sequences its output under its
// own origin instead of passing on the origins of its input.
func (s *operatorStage) ProducesOrigin() bool { return len(s.windows) > 0 }

func (s *operatorStage) Start(_ context.Context, pctx *PipelineContext) error {
	for _, w := range s.windows {
		w.start(pctx)
	}
	if s.mode == pipeline.Compiled {
		s.fuse()
	}
	return nil
}

// fuse composes the operator chain into a single step function.
func (s *operatorStage) fuse() {
	s.windowNext = make(map[*windowOperator]stepFunc, len(s.windows))

	step := stepFunc(emitStep)
	for i := len(s.ops) - 1; i >= 0; i-- {
		next := step
		switch op := s.ops[i].(type) {
		case *windowOperator:
			s.windowNext[op] = next
			step = func(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error {
				return op.consume(ctx, pctx, worker, buf, next)
			}
		case recordOperator:
			step = func(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error {
				if buf.NumRows() == 0 {
					return next(ctx, pctx, worker, buf)
				}
				out, err := op.apply(pctx.allocator(), buf.Record)
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				defer out.Release()
				return next(ctx, pctx, worker, buf.Derive(out))
			}
		}
	}
	s.entry = step
}

func (s *operatorStage) Execute(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error {
	if s.mode == pipeline.Compiled {
		return s.entry(ctx, pctx, worker, buf)
	}
	return s.interpret(ctx, pctx, worker, 0, buf)
}

// interpret walks the operators from index from for one buffer.
func (s *operatorStage) interpret(ctx context.Context, pctx *PipelineContext, worker int, from int, buf buffer.TupleBuffer) error {
	rec := buf.Record
	if rec != nil {
		rec.Retain()
	}
	defer func() {
		if rec != nil {
			rec.Release()
		}
	}()

	for i := from; i < len(s.ops); i++ {
		switch op := s.ops[i].(type) {
		case *windowOperator:
			return op.consume(ctx, pctx, worker, buf.Derive(rec), s.continueAt(i+1))
		case recordOperator:
			if rec == nil || rec.NumRows() == 0 {
				continue
			}
			out, err := op.apply(pctx.allocator(), rec)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			rec.Release()
			rec = out
		}
	}
	return emitStep(ctx, pctx, worker, buf.Derive(rec))
}

func (s *operatorStage) continueAt(i int) stepFunc {
	return func(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error {
		return s.interpret(ctx, pctx, worker, i, buf)
	}
}

// Stop flushes the open windows of every window operator in chain order and
// releases their state.
func (s *operatorStage) Stop(ctx context.Context, pctx *PipelineContext) error {
	var firstErr error
	for i, op := range s.ops {
		w, ok := op.(*windowOperator)
		if !ok {
			continue
		}
		next := s.continueAt(i + 1)
		if s.mode == pipeline.Compiled && s.windowNext != nil {
			next = s.windowNext[w]
		}
		if err := w.flush(ctx, pctx, next); err != nil && firstErr == nil {
			firstErr = err
		}
		w.close(pctx)
	}
	return firstErr
}

// describe renders the stage in its intermediate representation.
func (s *operatorStage) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s mode=%s sequential=%t\n", s.id, s.mode, s.sequential)
	fmt.Fprintf(&sb, "  input: %s\n", describeSchema(s.input))
	for i, op := range s.ops {
		fmt.Fprintf(&sb, "  %d: %s\n", i, op)
	}
	fmt.Fprintf(&sb, "  output: %s\n", describeSchema(s.output))
	return sb.String()
}

func describeSchema(schema *arrow.Schema) string {
	if schema == nil {
		return "<raw>"
	}
	fields := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		fields[i] = fmt.Sprintf("%s:%s", f.Name, f.Type)
	}
	return strings.Join(fields, ", ")
}
