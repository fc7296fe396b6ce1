package compiler

import (
	"io"
	"maps"
	"slices"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/util/tree"
)

// treeBuilder converts a plan into trees. A pipeline reachable over several
// paths is expanded at its first occurrence only; later occurrences are
// marked shared.
type treeBuilder struct {
	plan    *CompiledQueryPlan
	visited map[*ExecutablePipeline]bool
}

func newTreeBuilder(plan *CompiledQueryPlan) *treeBuilder {
	return &treeBuilder{plan: plan, visited: make(map[*ExecutablePipeline]bool)}
}

// BuildTree converts the part of plan reachable from src into a tree.
func BuildTree(plan *CompiledQueryPlan, src *SourceBinding) *tree.Node {
	return newTreeBuilder(plan).source(src)
}

func (b *treeBuilder) source(src *SourceBinding) *tree.Node {
	root := tree.NewNode(tree.KindSource, src.OriginID.String(),
		tree.String("name", src.Descriptor.Name),
		tree.String("type", src.Descriptor.Type),
		tree.String("parser", src.Descriptor.Parser.Type),
	)
	for _, t := range src.Targets {
		root.Add(b.pipeline(t))
	}
	for _, s := range src.Sinks {
		root.Add(sinkNode(s))
	}
	return root
}

func (b *treeBuilder) pipeline(ep *ExecutablePipeline) *tree.Node {
	kind := tree.KindPipeline
	if ep.Formatter {
		kind = tree.KindFormatter
	}
	node := tree.NewNode(kind, ep.ID.String())
	if b.visited[ep] {
		node.Shared = true
		return node
	}
	b.visited[ep] = true

	node.Stage = &tree.Stage{
		Mode:       b.plan.ExecutionMode.String(),
		Sequential: ep.Sequential,
		Handlers:   slices.Sorted(maps.Keys(ep.Handlers)),
	}
	if schema := ep.Stage.OutputSchema(); schema != nil {
		fields := make([]string, 0, schema.NumFields())
		for _, f := range schema.Fields() {
			fields = append(fields, f.Name)
		}
		node.Attrs = append(node.Attrs, tree.List("output", fields...))
	}
	for _, succ := range ep.Successors {
		node.Add(b.pipeline(succ))
	}
	for _, s := range b.plan.SinksOf(ep) {
		node.Add(sinkNode(s))
	}
	return node
}

func sinkNode(s *Sink) *tree.Node {
	return tree.NewNode(tree.KindSink, s.ID.String(),
		tree.String("name", s.Descriptor.Name),
		tree.String("type", s.Descriptor.Type),
		tree.String("format", s.Descriptor.Format),
		tree.Int("predecessors", len(s.Predecessors)),
	)
}

// PrintPlan writes plan as one tree per source. Pipelines shared between
// sources are expanded under the first source only.
func PrintPlan(w io.Writer, plan *CompiledQueryPlan) error {
	printer := tree.NewPrinter(w)
	b := newTreeBuilder(plan)
	for i, src := range plan.Sources {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := printer.Print(b.source(src)); err != nil {
			return err
		}
	}
	return nil
}
