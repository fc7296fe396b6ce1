package types

import "fmt"

// QueryID identifies a query.
type QueryID uint64

// PipelineID identifies a pipeline. Pipelines produced by lowering keep the
// id of their logical origin; synthesized pipelines receive fresh ids.
type PipelineID uint64

// OriginID identifies the origin of a stream of buffers, typically a source.
type OriginID uint64

func (id QueryID) String() string { return fmt.Sprintf("query-%d", uint64(id)) }
func (id PipelineID) String() string { return fmt.Sprintf("pipeline-%d", uint64(id)) }
func (id OriginID) String() string { return fmt.Sprintf("origin-%d", uint64(id)) }
