package aggregation

import (
	"encoding/binary"
	"iter"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/atomic"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/expr"
	nesmemory "github.com/marianaGarcez/nebulastream/pkg/memory"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "ts", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "f", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

type harness struct {
	t     *testing.T
	alloc *memory.CheckedAllocator
	pool  *nesmemory.Pool
	ctx   *EvalContext
}

func newHarness(t *testing.T, pageSize, maxPages int) *harness {
	t.Helper()

	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	pool := nesmemory.NewPool(alloc, pageSize, maxPages)
	arena := nesmemory.NewArena(pool)

	h := &harness{
		t:     t,
		alloc: alloc,
		pool:  pool,
		ctx: &EvalContext{
			Pool:           pool,
			Allocator:      alloc,
			Arena:          arena,
			EncodeFailures: atomic.NewInt64(0),
		},
	}
	t.Cleanup(func() {
		arena.Reset()
		require.Equal(t, 0, pool.InUse(), "pages leaked")
		pool.Close()
		alloc.AssertSize(t, 0)
	})
	return h
}

type row struct {
	lon, lat float64
	ts       int64
	v        *int64
	f        float64
}

func i64(v int64) *int64 { return &v }

func (h *harness) record(rows ...row) arrow.Record {
	b := array.NewRecordBuilder(h.alloc, testSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Float64Builder).Append(r.lon)
		b.Field(1).(*array.Float64Builder).Append(r.lat)
		b.Field(2).(*array.Int64Builder).Append(r.ts)
		if r.v != nil {
			b.Field(3).(*array.Int64Builder).Append(*r.v)
		} else {
			b.Field(3).AppendNull()
		}
		b.Field(4).(*array.Float64Builder).Append(r.f)
		b.Field(5).(*array.StringBuilder).Append("x")
	}
	return b.NewRecord()
}

func (h *harness) build(desc Descriptor) Function {
	f, err := NewRegistry().Build(desc, testSchema)
	require.NoError(h.t, err)
	return f
}

func (h *harness) newState(f Function) State {
	state := make(State, f.StateSize())
	f.Reset(h.ctx, state)
	return state
}

func (h *harness) liftAll(f Function, state State, rows ...row) error {
	rec := h.record(rows...)
	defer rec.Release()

	inputs := make([]arrow.Array, 0, len(f.Inputs()))
	defer func() {
		for _, arr := range inputs {
			arr.Release()
		}
	}()
	for _, e := range f.Inputs() {
		arr, err := e.Evaluate(rec, h.alloc)
		require.NoError(h.t, err)
		inputs = append(inputs, arr)
	}

	for i := range int(rec.NumRows()) {
		if err := f.Lift(h.ctx, state, inputs, i); err != nil {
			return err
		}
	}
	return nil
}

func (h *harness) lower(f Function, state State) any {
	b := array.NewBuilder(h.alloc, f.ResultType())
	defer b.Release()

	require.NoError(h.t, f.Lower(h.ctx, state, b))
	arr := b.NewArray()
	defer arr.Release()

	require.Equal(h.t, 1, arr.Len())
	if arr.IsNull(0) {
		return nil
	}
	if bin, ok := arr.(*array.Binary); ok {
		return append([]byte(nil), bin.Value(0)...)
	}
	return arr.GetOneForMarshal(0)
}

var valueRows = []row{
	{v: i64(4), f: 1.5},
	{v: i64(1), f: 2.5},
	{v: i64(3), f: 3.5},
	{v: nil, f: 4.5},
	{v: i64(2), f: 5.5},
}

func TestReducingFunctions(t *testing.T) {
	tt := []struct {
		desc   Descriptor
		expect any
	}{
		{Descriptor{Type: KindSum, OnField: "v"}, int64(10)},
		{Descriptor{Type: KindSum, OnField: "f"}, 17.5},
		{Descriptor{Type: KindCount, OnField: "v"}, uint64(4)},
		{Descriptor{Type: KindCount}, uint64(5)},
		{Descriptor{Type: KindMin, OnField: "v"}, int64(1)},
		{Descriptor{Type: KindMax, OnField: "v"}, int64(4)},
		{Descriptor{Type: KindMax, OnField: "f"}, 5.5},
		{Descriptor{Type: KindAvg, OnField: "f"}, 3.5},
		{Descriptor{Type: KindVar, OnField: "v"}, 5.0 / 3.0},
		{Descriptor{Type: KindMedian, OnField: "f"}, 3.5},
		{Descriptor{Type: KindMedian, OnField: "v"}, 2.5},
	}

	for _, tc := range tt {
		t.Run(tc.desc.String(), func(t *testing.T) {
			h := newHarness(t, 64, 0)

			// Skip the null row for store-backed kinds, which reject nulls.
			rows := valueRows
			if tc.desc.Type == KindMedian && tc.desc.OnField == "v" {
				rows = []row{valueRows[0], valueRows[1], valueRows[2], valueRows[4]}
			}

			f := h.build(tc.desc)
			a, b := h.newState(f), h.newState(f)
			require.NoError(t, h.liftAll(f, a, rows[:2]...))
			require.NoError(t, h.liftAll(f, b, rows[2:]...))

			require.NoError(t, f.Combine(h.ctx, a, b))
			got := h.lower(f, a)
			if expect, ok := tc.expect.(float64); ok {
				require.InDelta(t, expect, got, 1e-9)
			} else {
				require.Equal(t, tc.expect, got)
			}

			f.Cleanup(h.ctx, a)
			f.Cleanup(h.ctx, b)
		})
	}
}

func TestEmptyStates(t *testing.T) {
	tt := []struct {
		desc   Descriptor
		expect any
	}{
		{Descriptor{Type: KindSum, OnField: "v"}, nil},
		{Descriptor{Type: KindCount, OnField: "v"}, uint64(0)},
		{Descriptor{Type: KindMin, OnField: "f"}, nil},
		{Descriptor{Type: KindAvg, OnField: "f"}, nil},
		{Descriptor{Type: KindVar, OnField: "f"}, nil},
		{Descriptor{Type: KindMedian, OnField: "f"}, nil},
		{Descriptor{Type: KindArray, OnField: "f"}, nil},
		{Descriptor{Type: KindTemporalSequence, OnField: "lon", ExtraFields: []string{"lat", "ts"}}, nil},
	}

	for _, tc := range tt {
		t.Run(tc.desc.String(), func(t *testing.T) {
			h := newHarness(t, 64, 0)
			f := h.build(tc.desc)
			state := h.newState(f)
			require.Equal(t, tc.expect, h.lower(f, state))
			f.Cleanup(h.ctx, state)
		})
	}
}

func TestVariance_SingleValue(t *testing.T) {
	h := newHarness(t, 64, 0)
	f := h.build(Descriptor{Type: KindVar, OnField: "f"})
	state := h.newState(f)
	require.NoError(t, h.liftAll(f, state, row{f: 3}))
	require.Nil(t, h.lower(f, state))
}

func TestArray(t *testing.T) {
	h := newHarness(t, 32, 0)
	f := h.build(Descriptor{Type: KindArray, OnField: "f", AsField: "values"})
	require.True(t, f.RequiresSequentialAggregation())
	require.Equal(t, "values", f.Name())

	state := h.newState(f)
	defer f.Cleanup(h.ctx, state)
	require.NoError(t, h.liftAll(f, state, valueRows...))

	blob := h.lower(f, state).([]byte)
	values := make([]float64, len(blob)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	require.Equal(t, []float64{1.5, 2.5, 3.5, 4.5, 5.5}, values)
}

func sequenceDescriptor() Descriptor {
	return Descriptor{Type: KindTemporalSequence, OnField: "lon", ExtraFields: []string{"lat", "ts"}, AsField: "trajectory"}
}

func TestTemporalSequence_Lower(t *testing.T) {
	// Two points per page, so three points span two pages.
	h := newHarness(t, 8+2*24, 0)
	f := h.build(sequenceDescriptor())
	require.True(t, f.RequiresSequentialAggregation())

	state := h.newState(f)
	defer f.Cleanup(h.ctx, state)

	require.NoError(t, h.liftAll(f, state,
		row{lon: -73.9857, lat: 40.7484, ts: 1_700_000_000_000},
		row{lon: -73.9787, lat: 40.7505, ts: 1_700_000_300_000},
		row{lon: -73.9700, lat: 40.7510, ts: 1_700_000_600},
	))
	require.Equal(t, 2, h.pool.InUse())

	blob := h.lower(f, state).([]byte)
	g, err := ewkb.Unmarshal(blob)
	require.NoError(t, err)

	ls, ok := g.(*geom.LineString)
	require.True(t, ok, "expected a LineString, got %T", g)
	require.Equal(t, WGS84, ls.SRID())
	require.Equal(t, geom.XYM, ls.Layout())
	require.Equal(t, []float64{
		-73.9857, 40.7484, 1_700_000_000,
		-73.9787, 40.7505, 1_700_000_300,
		-73.9700, 40.7510, 1_700_000_600,
	}, ls.FlatCoords())
}

type countingEncoder struct {
	calls int
	err   error
}

func (e *countingEncoder) Encode(n int, points iter.Seq[Point]) ([]byte, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []byte{byte(n)}, nil
}

func TestTemporalSequence_EmptyDoesNotEncode(t *testing.T) {
	h := newHarness(t, 64, 0)

	enc := &countingEncoder{}
	f := newTemporalSequence("trajectory", []expr.Expression{expr.Col("lon"), expr.Col("lat"), expr.Col("ts")}, enc)

	state := h.newState(f)
	require.Nil(t, h.lower(f, state))
	require.Equal(t, 0, enc.calls)

	require.NoError(t, h.liftAll(f, state, row{lon: 1, lat: 2, ts: 3}))
	require.Equal(t, []byte{1}, h.lower(f, state))
	require.Equal(t, 1, enc.calls)

	f.Cleanup(h.ctx, state)
}

func TestTemporalSequence_EncodeFailure(t *testing.T) {
	h := newHarness(t, 64, 0)
	f := h.build(sequenceDescriptor())

	state := h.newState(f)
	defer f.Cleanup(h.ctx, state)

	require.NoError(t, h.liftAll(f, state, row{lon: 200, lat: 0, ts: 1}))
	require.Nil(t, h.lower(f, state), "encoder failures lower to null")
	require.Equal(t, int64(1), h.ctx.EncodeFailures.Load())
}

func TestTemporalSequence_CombineMultiset(t *testing.T) {
	h := newHarness(t, 8+2*24, 0)
	f := h.build(sequenceDescriptor())

	points := func(from, to int) []row {
		var out []row
		for i := from; i < to; i++ {
			out = append(out, row{lon: float64(i), lat: float64(i), ts: int64(i)})
		}
		return out
	}
	fill := func(from, to int) State {
		state := h.newState(f)
		require.NoError(t, h.liftAll(f, state, points(from, to)...))
		return state
	}
	decode := func(state State) []float64 {
		g, err := ewkb.Unmarshal(h.lower(f, state).([]byte))
		require.NoError(t, err)
		return g.FlatCoords()
	}

	a1, b1, c1 := fill(0, 3), fill(3, 4), fill(4, 7)
	require.NoError(t, f.Combine(h.ctx, a1, b1))
	require.NoError(t, f.Combine(h.ctx, a1, c1))

	a2, b2, c2 := fill(0, 3), fill(3, 4), fill(4, 7)
	require.NoError(t, f.Combine(h.ctx, b2, c2))
	require.NoError(t, f.Combine(h.ctx, a2, b2))

	require.ElementsMatch(t, decode(a1), decode(a2))
	require.Len(t, decode(a1), 7*3)

	for _, s := range []State{a1, b1, c1, a2, b2, c2} {
		f.Cleanup(h.ctx, s)
	}
}

func TestStored_InvalidInput(t *testing.T) {
	h := newHarness(t, 8+24, 1)
	f := h.build(sequenceDescriptor())

	state := h.newState(f)
	defer f.Cleanup(h.ctx, state)

	require.NoError(t, h.liftAll(f, state, row{lon: 1, lat: 1, ts: 1}))

	err := h.liftAll(f, state, row{lon: 1, lat: 1, ts: 2})
	require.ErrorIs(t, err, errors.ErrResourceExhausted)

	median := h.build(Descriptor{Type: KindMedian, OnField: "v"})
	mstate := h.newState(median)
	defer median.Cleanup(h.ctx, mstate)
	err = h.liftAll(median, mstate, row{v: nil})
	require.ErrorIs(t, err, errors.ErrPrecondition)
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build(Descriptor{Type: KindTemporalSequence, OnField: "lon", ExtraFields: []string{"lat"}}, testSchema)
	require.ErrorIs(t, err, errors.ErrPlanShape)

	_, err = r.Build(Descriptor{Type: KindTemporalSequence, OnField: "lon", ExtraFields: []string{"lat", "ts", "v"}}, testSchema)
	require.ErrorIs(t, err, errors.ErrPlanShape)

	_, err = r.Build(Descriptor{Type: "mode", OnField: "v"}, testSchema)
	require.ErrorIs(t, err, errors.ErrKey)

	_, err = r.Build(Descriptor{Type: KindSum, OnField: "s"}, testSchema)
	require.ErrorIs(t, err, errors.ErrType)

	_, err = r.Build(Descriptor{Type: KindSum, OnField: "missing"}, testSchema)
	require.ErrorIs(t, err, errors.ErrKey)

	_, err = r.Build(Descriptor{Type: KindTemporalSequence, OnField: "lon", ExtraFields: []string{"lat", "ts"}, Options: map[string]string{"encoding": "geojson"}}, testSchema)
	require.ErrorIs(t, err, errors.ErrKey)

	require.Error(t, r.Register(KindSum, 1, 1, nil))

	f, err := r.Build(Descriptor{Type: "SUM", OnField: "v"}, testSchema)
	require.NoError(t, err)
	require.False(t, f.RequiresSequentialAggregation())
	require.Equal(t, "v", f.Name())
	require.Equal(t, arrow.INT64, f.ResultType().ID())

	require.Contains(t, r.Kinds(), KindTemporalSequence)
}

func TestDescriptorSerde(t *testing.T) {
	desc := Descriptor{
		Type:        KindTemporalSequence,
		OnField:     "lon",
		ExtraFields: []string{"lat", "ts"},
		AsField:     "trajectory",
		Options:     map[string]string{"encoding": "wkb"},
	}

	data, err := MarshalDescriptor(desc)
	require.NoError(t, err)

	got, err := UnmarshalDescriptor(data)
	require.NoError(t, err)
	require.Equal(t, desc, got)
	require.Equal(t, []string{"lon", "lat", "ts"}, got.Fields())

	plain := Descriptor{Type: KindCount}
	data, err = MarshalDescriptor(plain)
	require.NoError(t, err)
	got, err = UnmarshalDescriptor(data)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	_, err = UnmarshalDescriptor([]byte{0xff, 0xff})
	require.ErrorIs(t, err, errors.ErrPlanShape)

	data, err = MarshalDescriptor(Descriptor{OnField: "v"})
	require.NoError(t, err)
	_, err = UnmarshalDescriptor(data)
	require.ErrorIs(t, err, errors.ErrPlanShape)
}
