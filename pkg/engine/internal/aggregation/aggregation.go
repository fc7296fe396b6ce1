// Package aggregation implements windowed aggregation functions.
//
// Every function follows the same state protocol. The windowing operator
// owns the memory of every state and hands a fixed-size slice of
// [Function.StateSize] bytes to the function:
//
//   - Reset constructs an empty state in place when a window opens.
//   - Lift folds one input row into the state.
//   - Combine merges a second state into the first.
//   - Lower produces the final value when the window closes.
//   - Cleanup destroys the state in place; it is the last call on a state.
//
// A state is never lowered twice without an intervening Reset. Functions
// keep no per-state data outside of the state memory and the page pool, and
// they never lock: the operator guarantees a single owner per state.
package aggregation

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/atomic"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// State is the memory of one aggregation state, owned by the windowing
// operator.
type State []byte

// EvalContext carries the resources available to aggregation functions.
type EvalContext struct {
	// Pool provides the pages of store-backed states.
	Pool *memory.Pool

	// Allocator is used for result values and scratch memory.
	Allocator arrowmemory.Allocator

	// Arena serves variable-sized results. The operator resets it once the
	// lowered values have been emitted.
	Arena *memory.Arena

	// EncodeFailures counts materializations that degraded to the empty
	// value because encoding failed. May be nil.
	EncodeFailures *atomic.Int64
}

func (ctx *EvalContext) encodeFailed() {
	if ctx.EncodeFailures != nil {
		ctx.EncodeFailures.Inc()
	}
}

// Function is an aggregation function.
type Function interface {
	// Kind returns the registered kind of the function, such as "sum".
	Kind() string

	// Name returns the name of the output field.
	Name() string

	// Inputs returns the expressions evaluated for every input row. Lift
	// receives their results in the same order.
	Inputs() []expr.Expression

	// ResultType returns the type of the value produced by Lower.
	ResultType() arrow.DataType

	// StateSize returns the number of bytes of state memory the function
	// needs per key and window.
	StateSize() int

	// RequiresSequentialAggregation reports whether the function's result
	// depends on the order of its input rows. The scheduler must then route
	// all rows of a key through a single thread and never combine partial
	// states.
	RequiresSequentialAggregation() bool

	Reset(ctx *EvalContext, state State)
	Lift(ctx *EvalContext, state State, inputs []arrow.Array, row int) error
	Combine(ctx *EvalContext, dst, src State) error
	Lower(ctx *EvalContext, state State, out array.Builder) error
	Cleanup(ctx *EvalContext, state State)
}

// base implements the descriptive methods shared by all functions.
type base struct {
	kind   string
	name   string
	inputs []expr.Expression
	result arrow.DataType
}

func (b *base) Kind() string { return b.kind }
func (b *base) Name() string { return b.name }
func (b *base) Inputs() []expr.Expression { return b.inputs }
func (b *base) ResultType() arrow.DataType { return b.result }

func (b *base) RequiresSequentialAggregation() bool { return false }

func (b *base) String() string {
	return fmt.Sprintf("%s(%v) AS %s", b.kind, b.inputs, b.name)
}

// checkState panics if state is smaller than size. A short state is a bug in
// the windowing operator, not an input error.
func checkState(state State, size int) {
	if len(state) < size {
		panic(fmt.Sprintf("aggregation: state of %d bytes, need %d", len(state), size))
	}
}

func builderMismatch(f Function, out array.Builder) error {
	return fmt.Errorf("%w: %s cannot lower into %T", errors.ErrPrecondition, f.Kind(), out)
}
