package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"go.uber.org/atomic"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// Stage is the executable form of a pipeline.
//
// Execute runs synchronously on the calling worker and processes exactly one
// buffer. It borrows buf; the caller releases it after Execute returns.
// Execute may be called concurrently from several workers unless the stage
// is sequential, in which case the runtime calls it from a single worker in
// buffer order.
type Stage interface {
	Start(ctx context.Context, pctx *PipelineContext) error
	Execute(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer) error
	// Stop flushes buffered state. The runtime calls Stop once no buffers
	// are in flight for the pipeline.
	Stop(ctx context.Context, pctx *PipelineContext) error
	Sequential() bool
	// OutputSchema returns the schema of the records the stage emits.
	OutputSchema() *arrow.Schema
}

// EmitFunc hands a buffer to the successors of a pipeline. It takes over
// the reference of the caller.
type EmitFunc func(ctx context.Context, buf buffer.TupleBuffer) error

// PipelineContext connects a running stage to the runtime.
type PipelineContext struct {
	PipelineID types.PipelineID
	Workers    int

	// Inputs lists the streams of buffers that reach the pipeline, one per
	// producer and origin.
	Inputs []buffer.Input

	Pool      *memory.Pool
	Allocator arrowmemory.Allocator
	Logger    log.Logger
	Emit      EmitFunc

	// EncodeFailures counts aggregation results that could not be encoded.
	EncodeFailures *atomic.Int64
	// LateRecords counts records dropped because their window was already
	// emitted.
	LateRecords *atomic.Int64
}

func (pctx *PipelineContext) logger() log.Logger {
	if pctx.Logger == nil {
		return log.NewNopLogger()
	}
	return pctx.Logger
}

func (pctx *PipelineContext) allocator() arrowmemory.Allocator {
	if pctx.Allocator == nil {
		return arrowmemory.DefaultAllocator
	}
	return pctx.Allocator
}

// OriginFor returns the origin under which buffers emitted by the given
// pipeline are sequenced. Window operators start new sequences, so their
// output does not share the origin of their input.
func OriginFor(id types.PipelineID) types.OriginID {
	return types.OriginID(1<<32 | uint64(id))
}
