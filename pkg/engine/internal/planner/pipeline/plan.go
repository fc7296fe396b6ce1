// Package pipeline describes logical query plans as a DAG of pipelines.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// ExecutionMode selects how pipeline stages are compiled.
type ExecutionMode int

// Recognized values of [ExecutionMode].
const (
	// Compiled fuses the operators of a pipeline into a single function.
	Compiled ExecutionMode = iota
	// Interpreted walks the operators of a pipeline for every buffer.
	Interpreted
)

// ExecutionModes lists the names of all execution modes.
var ExecutionModes = []string{"compiled", "interpreted"}

func (m ExecutionMode) String() string {
	if int(m) >= 0 && int(m) < len(ExecutionModes) {
		return ExecutionModes[m]
	}
	return fmt.Sprintf("ExecutionMode(%d)", int(m))
}

// ParseExecutionMode parses the name of an execution mode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	for i, name := range ExecutionModes {
		if strings.EqualFold(s, name) {
			return ExecutionMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown execution mode %q", errors.ErrKey, s)
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *ExecutionMode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseExecutionMode(string(text))
	return err
}

// DumpMode selects where the intermediate representation of compiled stages
// is written.
type DumpMode int

// Recognized values of [DumpMode].
const (
	DumpNone DumpMode = iota
	DumpConsole
	DumpFile
	DumpBoth
)

// DumpModes lists the names of all dump modes.
var DumpModes = []string{"none", "console", "file", "both"}

func (m DumpMode) String() string {
	if int(m) >= 0 && int(m) < len(DumpModes) {
		return DumpModes[m]
	}
	return fmt.Sprintf("DumpMode(%d)", int(m))
}

// Console reports whether the mode dumps to the console.
func (m DumpMode) Console() bool { return m == DumpConsole || m == DumpBoth }

// File reports whether the mode dumps to files.
func (m DumpMode) File() bool { return m == DumpFile || m == DumpBoth }

// ParseDumpMode parses the name of a dump mode.
func ParseDumpMode(s string) (DumpMode, error) {
	for i, name := range DumpModes {
		if strings.EqualFold(s, name) {
			return DumpMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dump mode %q", errors.ErrKey, s)
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *DumpMode) UnmarshalText(text []byte) (err error) {
	*m, err = ParseDumpMode(string(text))
	return err
}

// Handlers binds operator handlers by name. Handlers hold operator state
// that outlives a single buffer, such as open windows. Stage compilation
// registers the handlers it creates so that callers can inspect them after
// execution.
type Handlers map[string]any

// Pipeline is a node of a logical plan. Its root operator decides whether it
// is a source, operator or sink pipeline.
type Pipeline struct {
	ID         types.PipelineID
	Root       Operator
	Successors []*Pipeline
	Handlers   Handlers
}

// Kind returns the kind of the root operator.
func (p *Pipeline) Kind() OperatorKind {
	if p.Root == nil {
		return OperatorKindInvalid
	}
	return p.Root.Kind()
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("%s(%s)", p.ID, p.Kind())
}

// PipelinedQueryPlan is a logical plan. Sources holds the source pipelines
// from which all other pipelines are reachable.
type PipelinedQueryPlan struct {
	QueryID       types.QueryID
	Sources       []*Pipeline
	ExecutionMode ExecutionMode
	DumpMode      DumpMode
}

// Pipelines returns all pipelines reachable from the sources in depth-first
// pre-order. Shared pipelines are returned once.
func (p *PipelinedQueryPlan) Pipelines() []*Pipeline {
	var (
		out  []*Pipeline
		seen = make(map[*Pipeline]struct{})
		visit func(*Pipeline)
	)
	visit = func(n *Pipeline) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
		for _, s := range n.Successors {
			visit(s)
		}
	}
	for _, s := range p.Sources {
		visit(s)
	}
	return out
}

// MaxPipelineID returns the largest pipeline id of the plan.
func (p *PipelinedQueryPlan) MaxPipelineID() types.PipelineID {
	var maxID types.PipelineID
	for _, n := range p.Pipelines() {
		if n.ID > maxID {
			maxID = n.ID
		}
	}
	return maxID
}
