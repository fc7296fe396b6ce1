package errors

import (
	"errors"

	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

var (
	// ErrIndex reports a column index outside of a record, such as a
	// record narrower than the schema a stage was compiled for.
	ErrIndex = errors.New("index error")

	ErrKey            = errors.New("key error")
	ErrType           = errors.New("type error")
	ErrNotImplemented = errors.New("not implemented")

	// ErrPlanShape reports a malformed logical plan: an invalid root
	// operator or a descriptor missing required fields.
	ErrPlanShape = errors.New("invalid plan shape")

	// ErrStageCompile reports that a pipeline could not be compiled into
	// an executable stage.
	ErrStageCompile = errors.New("stage compilation failed")

	// ErrPrecondition reports input that violates an operator's contract,
	// such as a value that does not fit an aggregation's record layout.
	ErrPrecondition = errors.New("precondition violated")

	// ErrResourceExhausted reports that pooled memory ran out.
	ErrResourceExhausted = memory.ErrExhausted
)
