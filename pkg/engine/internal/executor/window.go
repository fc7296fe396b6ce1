package executor

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/aggregation"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// Names of the window bounds in the output of a window aggregation.
const (
	WindowStartField = "window_start"
	WindowEndField   = "window_end"
)

// WindowHandler holds the open windows of a window aggregation.
//
// Every worker accumulates partial states in its own table. When the
// watermark passes the end of a window, the partial states of all tables
// are combined and lowered. If any aggregation requires sequential
// aggregation, the handler keeps a single table and never combines.
type WindowHandler struct {
	partials   []*partialTable
	watermarks *watermarkProcessor

	// Windows ending at or before triggered have been emitted.
	triggered atomic.Int64
	sequence  atomic.Uint64

	late     atomic.Int64
	combines atomic.Int64
	windows  atomic.Int64
}

// LateRecords returns the number of records dropped because their window
// had already been emitted.
func (h *WindowHandler) LateRecords() int64 { return h.late.Load() }

// Combines returns the number of partial states merged into another.
func (h *WindowHandler) Combines() int64 { return h.combines.Load() }

// Windows returns the number of emitted windows.
func (h *WindowHandler) Windows() int64 { return h.windows.Load() }

type partialTable struct {
	mu      sync.Mutex
	digest  *xxhash.Digest
	windows map[int64]*windowSlice
}

// windowSlice holds the groups of one window in one partial table. All
// group state memory is carved from the slice's arena.
type windowSlice struct {
	start, end int64
	arena      *memory.Arena
	groups     map[uint64][]*group
	order      []*group
}

type group struct {
	hash  uint64
	keys  []any
	state aggregation.State
}

// windowOperator binds a window aggregation to its input schema.
type windowOperator struct {
	desc    *pipeline.WindowAggregation
	handler *WindowHandler

	timeIdx int
	keyIdx  []int
	funcs   []aggregation.Function
	offsets []int

	stateSize   int
	size, slide int64
	sequential  bool
	schema      *arrow.Schema
}

func newWindowOperator(desc *pipeline.WindowAggregation, input *arrow.Schema, registry *aggregation.Registry) (*windowOperator, error) {
	op := &windowOperator{desc: desc}

	timeIdx := input.FieldIndices(desc.TimeField)
	if len(timeIdx) == 0 {
		return nil, fmt.Errorf("%w: time field %q not found", errors.ErrKey, desc.TimeField)
	}
	if dt := input.Field(timeIdx[0]).Type; dt.ID() != arrow.INT64 && dt.ID() != arrow.UINT64 {
		return nil, fmt.Errorf("%w: time field %q must be an integer, got %s", errors.ErrType, desc.TimeField, dt)
	}
	op.timeIdx = timeIdx[0]

	op.size = desc.Unit.Ticks(desc.Size)
	op.slide = desc.Unit.Ticks(desc.Slide)
	if op.slide == 0 {
		op.slide = op.size
	}
	if op.size <= 0 || op.slide <= 0 || op.size%op.slide != 0 {
		return nil, fmt.Errorf("%w: window size %s must be a positive multiple of slide %s", errors.ErrPlanShape, desc.Size, desc.Slide)
	}

	fields := []arrow.Field{
		{Name: WindowStartField, Type: types.Int64},
		{Name: WindowEndField, Type: types.Int64},
	}
	for _, key := range desc.Keys {
		idx := input.FieldIndices(key)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: key field %q not found", errors.ErrKey, key)
		}
		op.keyIdx = append(op.keyIdx, idx[0])
		fields = append(fields, input.Field(idx[0]))
	}

	for _, d := range desc.Aggregations {
		f, err := registry.Build(d, input)
		if err != nil {
			return nil, err
		}
		op.funcs = append(op.funcs, f)
		op.offsets = append(op.offsets, op.stateSize)
		op.stateSize += f.StateSize()
		op.sequential = op.sequential || f.RequiresSequentialAggregation()
		fields = append(fields, arrow.Field{Name: f.Name(), Type: f.ResultType(), Nullable: true})
	}
	op.schema = arrow.NewSchema(fields, nil)
	return op, nil
}

// bind attaches the operator to the handler registered under the operator's
// handler name, creating and registering one if needed.
func (op *windowOperator) bind(handlers pipeline.Handlers, name string) error {
	if existing, ok := handlers[name]; ok {
		h, ok := existing.(*WindowHandler)
		if !ok {
			return fmt.Errorf("%w: handler %q is a %T, not a window handler", errors.ErrType, name, existing)
		}
		op.handler = h
		return nil
	}
	op.handler = &WindowHandler{}
	if handlers != nil {
		handlers[name] = op.handler
	}
	return nil
}

func (op *windowOperator) String() string { return op.desc.String() }

func (op *windowOperator) start(pctx *PipelineContext) {
	n := max(pctx.Workers, 1)
	if op.sequential {
		n = 1
	}
	h := op.handler
	h.partials = make([]*partialTable, n)
	for i := range h.partials {
		h.partials[i] = &partialTable{digest: xxhash.New(), windows: make(map[int64]*windowSlice)}
	}
	h.watermarks = newWatermarkProcessor(pctx.Inputs)
	h.triggered.Store(noTimestamp)
}

func (op *windowOperator) partial(worker int) *partialTable {
	parts := op.handler.partials
	if worker < 0 {
		worker = 0
	}
	return parts[worker%len(parts)]
}

func (op *windowOperator) evalContext(pctx *PipelineContext, arena *memory.Arena) *aggregation.EvalContext {
	return &aggregation.EvalContext{
		Pool:           pctx.Pool,
		Allocator:      pctx.allocator(),
		Arena:          arena,
		EncodeFailures: pctx.EncodeFailures,
	}
}

// consume lifts the rows of buf into the worker's partial table, advances
// the watermark and emits all windows the watermark has passed to next.
func (op *windowOperator) consume(ctx context.Context, pctx *PipelineContext, worker int, buf buffer.TupleBuffer, next stepFunc) error {
	maxTs := int64(noTimestamp)
	if buf.NumRows() > 0 {
		var err error
		if maxTs, err = op.lift(pctx, worker, buf.Record); err != nil {
			return err
		}
	}
	wm := op.handler.watermarks.Update(buf.Input(), buf.Sequence, maxTs, buf.Last)
	return op.trigger(ctx, pctx, worker, wm, next)
}

func (op *windowOperator) lift(pctx *PipelineContext, worker int, rec arrow.Record) (int64, error) {
	alloc := pctx.allocator()

	inputs := make([][]arrow.Array, len(op.funcs))
	defer func() {
		for _, arrs := range inputs {
			releaseArrays(arrs)
		}
	}()
	for i, f := range op.funcs {
		for _, e := range f.Inputs() {
			arr, err := e.Evaluate(rec, alloc)
			if err != nil {
				return noTimestamp, err
			}
			inputs[i] = append(inputs[i], arr)
		}
	}

	times, err := column(rec, op.timeIdx)
	if err != nil {
		return noTimestamp, err
	}
	keyCols := make([]arrow.Array, len(op.keyIdx))
	for i, idx := range op.keyIdx {
		if keyCols[i], err = column(rec, idx); err != nil {
			return noTimestamp, err
		}
	}
	keys := make([]any, len(op.keyIdx))
	maxTs := int64(noTimestamp)

	part := op.partial(worker)
	part.mu.Lock()
	defer part.mu.Unlock()

	triggered := op.handler.triggered.Load()
	for row := range int(rec.NumRows()) {
		if times.IsNull(row) {
			continue
		}
		ts := expr.Int64At(times, row)
		maxTs = max(maxTs, ts)

		for i, col := range keyCols {
			keys[i] = keyValue(col, row)
		}

		late := false
		for start := floorDiv(ts, op.slide) * op.slide; start > ts-op.size; start -= op.slide {
			if start+op.size <= triggered {
				late = true
				continue
			}
			ws, g, err := op.group(pctx, part, start, keys)
			if err != nil {
				return noTimestamp, err
			}
			ectx := op.evalContext(pctx, ws.arena)
			for i, f := range op.funcs {
				if err := f.Lift(ectx, op.stateOf(g, i), inputs[i], row); err != nil {
					return noTimestamp, fmt.Errorf("lifting %s: %w", f.Name(), err)
				}
			}
		}
		if late {
			op.handler.late.Inc()
			if pctx.LateRecords != nil {
				pctx.LateRecords.Inc()
			}
		}
	}
	return maxTs, nil
}

func (op *windowOperator) stateOf(g *group, i int) aggregation.State {
	off := op.offsets[i]
	return g.state[off : off+op.funcs[i].StateSize()]
}

// group returns the group of keys in the window starting at start, opening
// the window and resetting the group states if needed.
func (op *windowOperator) group(pctx *PipelineContext, part *partialTable, start int64, keys []any) (*windowSlice, *group, error) {
	ws, ok := part.windows[start]
	if !ok {
		ws = &windowSlice{
			start:  start,
			end:    start + op.size,
			arena:  memory.NewArena(pctx.Pool),
			groups: make(map[uint64][]*group),
		}
		part.windows[start] = ws
	}

	hash := hashKeys(part.digest, keys)
	for _, g := range ws.groups[hash] {
		if keysEqual(g.keys, keys) {
			return ws, g, nil
		}
	}

	state, err := ws.arena.AllocateVariableSized(op.stateSize)
	if err != nil {
		return nil, nil, err
	}
	g := &group{hash: hash, keys: slices.Clone(keys), state: state}
	ectx := op.evalContext(pctx, ws.arena)
	for i, f := range op.funcs {
		f.Reset(ectx, op.stateOf(g, i))
	}
	ws.groups[hash] = append(ws.groups[hash], g)
	ws.order = append(ws.order, g)
	return ws, g, nil
}

func (op *windowOperator) trigger(ctx context.Context, pctx *PipelineContext, worker int, wm int64, next stepFunc) error {
	for {
		old := op.handler.triggered.Load()
		if wm <= old {
			return nil
		}
		if op.handler.triggered.CompareAndSwap(old, wm) {
			return op.emit(ctx, pctx, worker, wm, next)
		}
	}
}

// flush emits all open windows.
func (op *windowOperator) flush(ctx context.Context, pctx *PipelineContext, next stepFunc) error {
	return op.trigger(ctx, pctx, 0, math.MaxInt64, next)
}

// emit lowers all windows ending at or before wm into one buffer.
func (op *windowOperator) emit(ctx context.Context, pctx *PipelineContext, worker int, wm int64, next stepFunc) error {
	var closed []*windowSlice
	for _, part := range op.handler.partials {
		part.mu.Lock()
		for start, ws := range part.windows {
			if ws.end <= wm {
				closed = append(closed, ws)
				delete(part.windows, start)
			}
		}
		part.mu.Unlock()
	}

	final := wm == math.MaxInt64
	if len(closed) == 0 && !final {
		return nil
	}

	defer func() {
		for _, ws := range closed {
			ws.arena.Reset()
		}
	}()

	merged, err := op.merge(pctx, closed)
	if err != nil {
		return err
	}
	rec, err := op.lower(pctx, merged)
	if err != nil {
		return err
	}
	defer rec.Release()

	op.handler.windows.Add(int64(len(merged)))
	out := buffer.TupleBuffer{
		Origin:   OriginFor(pctx.PipelineID),
		Sequence: op.handler.sequence.Inc(),
		Record:   rec,
		Last:     final,
	}
	return next(ctx, pctx, worker, out)
}

// merge combines the slices of each window across partial tables. The
// returned slices are ordered by window start.
func (op *windowOperator) merge(pctx *PipelineContext, closed []*windowSlice) ([]*windowSlice, error) {
	byStart := make(map[int64]*windowSlice)
	var merged []*windowSlice

	for _, ws := range closed {
		dst, ok := byStart[ws.start]
		if !ok {
			byStart[ws.start] = ws
			merged = append(merged, ws)
			continue
		}
		if op.sequential {
			return nil, fmt.Errorf("%w: window %d has partial states of a sequential aggregation", errors.ErrPrecondition, ws.start)
		}

		for _, g := range ws.order {
			target := findGroup(dst, g)
			if target == nil {
				dst.groups[g.hash] = append(dst.groups[g.hash], g)
				dst.order = append(dst.order, g)
				continue
			}
			ectx := op.evalContext(pctx, dst.arena)
			for i, f := range op.funcs {
				if err := f.Combine(ectx, op.stateOf(target, i), op.stateOf(g, i)); err != nil {
					return nil, err
				}
				f.Cleanup(ectx, op.stateOf(g, i))
			}
			op.handler.combines.Inc()
		}
	}

	slices.SortFunc(merged, func(a, b *windowSlice) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	return merged, nil
}

func findGroup(ws *windowSlice, g *group) *group {
	for _, candidate := range ws.groups[g.hash] {
		if keysEqual(candidate.keys, g.keys) {
			return candidate
		}
	}
	return nil
}

// lower builds one output row per window and group and cleans up all
// states.
func (op *windowOperator) lower(pctx *PipelineContext, windows []*windowSlice) (arrow.Record, error) {
	b := array.NewRecordBuilder(pctx.allocator(), op.schema)
	defer b.Release()

	var lowerErr error
	for _, ws := range windows {
		ectx := op.evalContext(pctx, ws.arena)
		for _, g := range ws.order {
			b.Field(0).(*array.Int64Builder).Append(ws.start)
			b.Field(1).(*array.Int64Builder).Append(ws.end)
			for i := range op.keyIdx {
				appendKey(b.Field(2+i), g.keys[i])
			}
			for i, f := range op.funcs {
				state := op.stateOf(g, i)
				if lowerErr == nil {
					lowerErr = f.Lower(ectx, state, b.Field(2+len(op.keyIdx)+i))
				}
				f.Cleanup(ectx, state)
			}
		}
	}
	if lowerErr != nil {
		return nil, lowerErr
	}
	return b.NewRecord(), nil
}

// close cleans up all open windows without emitting them.
func (op *windowOperator) close(pctx *PipelineContext) {
	for _, part := range op.handler.partials {
		part.mu.Lock()
		for start, ws := range part.windows {
			ectx := op.evalContext(pctx, ws.arena)
			for _, g := range ws.order {
				for i, f := range op.funcs {
					f.Cleanup(ectx, op.stateOf(g, i))
				}
			}
			ws.arena.Reset()
			delete(part.windows, start)
		}
		part.mu.Unlock()
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// keyValue returns a copy of the value at row of arr.
func keyValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch arr := arr.(type) {
	case *array.Int64:
		return arr.Value(row)
	case *array.Uint64:
		return arr.Value(row)
	case *array.Float64:
		return arr.Value(row)
	case *array.Boolean:
		return arr.Value(row)
	case *array.String:
		return arr.Value(row)
	case *array.Binary:
		return bytes.Clone(arr.Value(row))
	}
	return arr.ValueStr(row)
}

func hashKeys(d *xxhash.Digest, keys []any) uint64 {
	d.Reset()
	for i, k := range keys {
		if i > 0 {
			_, _ = d.Write([]byte{0}) // separator
		}
		switch k := k.(type) {
		case nil:
			_, _ = d.Write([]byte{0xff})
		case string:
			_, _ = d.WriteString(k)
		case []byte:
			_, _ = d.Write(k)
		default:
			_, _ = fmt.Fprint(d, k)
		}
	}
	return d.Sum64()
}

func keysEqual(a, b []any) bool {
	for i := range a {
		ab, aok := a[i].([]byte)
		bb, bok := b[i].([]byte)
		if aok || bok {
			if !aok || !bok || !bytes.Equal(ab, bb) {
				return false
			}
			continue
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendKey(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		b.Append(v.(int64))
	case *array.Uint64Builder:
		b.Append(v.(uint64))
	case *array.Float64Builder:
		b.Append(v.(float64))
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.StringBuilder:
		b.Append(v.(string))
	case *array.BinaryBuilder:
		b.Append(v.([]byte))
	default:
		b.AppendNull()
	}
}
