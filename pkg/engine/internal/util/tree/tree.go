// Package tree renders compiled query plans as indented text trees: one tree
// per source, with the pipelines and sinks its buffers flow through.
package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the kind of plan element a [Node] stands for.
type Kind int

// Recognized values of [Kind].
const (
	KindInvalid Kind = iota

	KindSource    // A source binding.
	KindFormatter // A formatter pipeline injected after a source.
	KindPipeline  // An operator pipeline.
	KindSink      // A sink.
)

var kindNames = map[Kind]string{
	KindSource:    "Source",
	KindFormatter: "Formatter",
	KindPipeline:  "Pipeline",
	KindSink:      "Sink",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Attr is a rendered attribute of a [Node], printed as `key=value`.
type Attr struct {
	Key   string
	Value string
}

// String returns an attribute holding v. Empty values are not printed.
func String(key, v string) Attr { return Attr{Key: key, Value: v} }

// Bool returns an attribute holding v.
func Bool(key string, v bool) Attr { return Attr{Key: key, Value: strconv.FormatBool(v)} }

// Int returns an attribute holding v.
func Int(key string, v int) Attr { return Attr{Key: key, Value: strconv.Itoa(v)} }

// List returns an attribute holding vs, printed as `key=(v1, v2)`.
func List(key string, vs ...string) Attr {
	return Attr{Key: key, Value: "(" + strings.Join(vs, ", ") + ")"}
}

// Stage describes the compiled stage of a formatter or operator pipeline.
type Stage struct {
	Mode       string
	Sequential bool
	// Handlers lists the names of the operator handlers of the stage.
	Handlers []string
}

func (s *Stage) attrs() []Attr {
	out := []Attr{String("mode", s.Mode), Bool("sequential", s.Sequential)}
	if len(s.Handlers) > 0 {
		out = append(out, List("handlers", s.Handlers...))
	}
	return out
}

// Node is an element of a plan tree.
type Node struct {
	Kind Kind
	// ID is printed as `#id` after the kind. Empty IDs are not printed.
	ID string

	// Stage is set for formatter and operator pipelines.
	Stage *Stage
	Attrs []Attr

	// Shared marks a pipeline that is reachable over several paths and
	// whose subtree has already been printed. Shared nodes have no
	// children.
	Shared bool

	Children []*Node
}

// NewNode returns a node of the given kind.
func NewNode(kind Kind, id string, attrs ...Attr) *Node {
	return &Node{Kind: kind, ID: id, Attrs: attrs}
}

// Add appends child to the children of n and returns child.
func (n *Node) Add(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

func (n *Node) line() string {
	var sb strings.Builder
	sb.WriteString(n.Kind.String())
	if n.ID != "" {
		sb.WriteString(" #")
		sb.WriteString(n.ID)
	}
	if n.Shared {
		sb.WriteString(" (shared)")
		return sb.String()
	}

	attrs := n.Attrs
	if n.Stage != nil {
		attrs = append(n.Stage.attrs(), attrs...)
	}
	for _, a := range attrs {
		if a.Value == "" {
			continue
		}
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value)
	}
	return sb.String()
}
