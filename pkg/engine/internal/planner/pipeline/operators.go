package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// OperatorKind is the kind of the root operator of a pipeline.
type OperatorKind int

// Recognized values of [OperatorKind].
const (
	// OperatorKindInvalid indicates an invalid operator.
	OperatorKindInvalid OperatorKind = iota

	OperatorKindSource   // Root of a source pipeline.
	OperatorKindPhysical // Root of an operator pipeline.
	OperatorKindSink     // Root of a sink pipeline.
)

var operatorKindStrings = map[OperatorKind]string{
	OperatorKindInvalid:  "invalid",
	OperatorKindSource:   "source",
	OperatorKindPhysical: "operator",
	OperatorKindSink:     "sink",
}

func (k OperatorKind) String() string {
	if s, ok := operatorKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("OperatorKind(%d)", k)
}

// Operator is the root operator of a pipeline.
type Operator interface {
	Kind() OperatorKind
	String() string
}

// PhysicalOperator is an operator of an operator pipeline. The operators of
// a pipeline form a chain starting at the pipeline root. Operators are
// immutable; WithNext returns a copy with a different successor.
type PhysicalOperator interface {
	Operator
	Next() PhysicalOperator
	WithNext(next PhysicalOperator) PhysicalOperator
}

// Chain links ops into a chain and returns its head.
func Chain(ops ...PhysicalOperator) PhysicalOperator {
	var head PhysicalOperator
	for i := len(ops) - 1; i >= 0; i-- {
		head = ops[i].WithNext(head)
	}
	return head
}

// Operators returns the chain starting at head as a slice.
func Operators(head PhysicalOperator) []PhysicalOperator {
	var ops []PhysicalOperator
	for op := head; op != nil; op = op.Next() {
		ops = append(ops, op)
	}
	return ops
}

type chained struct{ next PhysicalOperator }

func (c chained) Kind() OperatorKind { return OperatorKindPhysical }
func (c chained) Next() PhysicalOperator { return c.next }

// Filter keeps the rows for which Predicate is true.
type Filter struct {
	chained
	Predicate expr.Expression
}

func (f *Filter) WithNext(next PhysicalOperator) PhysicalOperator {
	cp := *f
	cp.next = next
	return &cp
}

func (f *Filter) String() string { return fmt.Sprintf("Filter predicate=%s", f.Predicate) }

// Map adds or replaces the field Field with the value of Expr.
type Map struct {
	chained
	Field string
	Expr  expr.Expression
}

func (m *Map) WithNext(next PhysicalOperator) PhysicalOperator {
	cp := *m
	cp.next = next
	return &cp
}

func (m *Map) String() string { return fmt.Sprintf("Map %s=%s", m.Field, m.Expr) }

// Project keeps Fields in the given order.
type Project struct {
	chained
	Fields []string
}

func (p *Project) WithNext(next PhysicalOperator) PhysicalOperator {
	cp := *p
	cp.next = next
	return &cp
}

func (p *Project) String() string {
	return fmt.Sprintf("Project fields=(%s)", strings.Join(p.Fields, ", "))
}

// TimeUnit is the unit of event timestamps.
type TimeUnit string

// Supported time units.
const (
	Milliseconds TimeUnit = "ms"
	Seconds      TimeUnit = "s"
)

// Ticks converts d into timestamp units.
func (u TimeUnit) Ticks(d time.Duration) int64 {
	if u == Seconds {
		return int64(d / time.Second)
	}
	return d.Milliseconds()
}

// WindowAggregation groups rows by Keys into event-time windows and emits
// one row per key and window. Slide equal to Size (or zero) gives tumbling
// windows.
type WindowAggregation struct {
	chained
	TimeField    string
	Unit         TimeUnit
	Size         time.Duration
	Slide        time.Duration
	Keys         []string
	Aggregations []aggregation.Descriptor

	// Handler names the operator handler holding the window state.
	Handler string
}

func (w *WindowAggregation) WithNext(next PhysicalOperator) PhysicalOperator {
	cp := *w
	cp.next = next
	return &cp
}

func (w *WindowAggregation) String() string {
	aggs := make([]string, len(w.Aggregations))
	for i, a := range w.Aggregations {
		aggs[i] = a.String()
	}
	return fmt.Sprintf("WindowAggregation time=%s size=%s slide=%s keys=(%s) aggregations=(%s)",
		w.TimeField, w.Size, w.Slide, strings.Join(w.Keys, ", "), strings.Join(aggs, ", "))
}

// SourceOperator is the root of a source pipeline.
type SourceOperator struct {
	OriginID   types.OriginID
	Descriptor SourceDescriptor
}

func (s *SourceOperator) Kind() OperatorKind { return OperatorKindSource }

func (s *SourceOperator) String() string {
	return fmt.Sprintf("Source %s origin=%d type=%s parser=%s", s.Descriptor.Name, s.OriginID, s.Descriptor.Type, s.Descriptor.Parser.Type)
}

// SinkOperator is the root of a sink pipeline.
type SinkOperator struct {
	Descriptor SinkDescriptor
}

func (s *SinkOperator) Kind() OperatorKind { return OperatorKindSink }

func (s *SinkOperator) String() string {
	return fmt.Sprintf("Sink %s type=%s format=%s", s.Descriptor.Name, s.Descriptor.Type, s.Descriptor.Format)
}
