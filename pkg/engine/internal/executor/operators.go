package executor

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
)

// recordOperator transforms one record into another. The returned record is
// owned by the caller.
type recordOperator interface {
	apply(alloc memory.Allocator, rec arrow.Record) (arrow.Record, error)
	String() string
}

type filterOperator struct {
	pred expr.Expression
}

func (op *filterOperator) apply(alloc memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	return applyFilter(alloc, rec, op.pred)
}

func (op *filterOperator) String() string { return fmt.Sprintf("Filter predicate=%s", op.pred) }

type mapOperator struct {
	field string
	expr  expr.Expression
}

func (op *mapOperator) apply(alloc memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	return applyMap(alloc, rec, op.field, op.expr)
}

func (op *mapOperator) String() string { return fmt.Sprintf("Map %s=%s", op.field, op.expr) }

type projectOperator struct {
	schema  *arrow.Schema
	indices []int
}

func (op *projectOperator) apply(_ memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	return applyProject(rec, op.schema, op.indices)
}

func (op *projectOperator) String() string {
	names := make([]string, op.schema.NumFields())
	for i, f := range op.schema.Fields() {
		names[i] = f.Name
	}
	return fmt.Sprintf("Project fields=(%s) indices=%v", strings.Join(names, ", "), op.indices)
}
