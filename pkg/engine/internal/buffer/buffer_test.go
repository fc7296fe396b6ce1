package buffer

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

func TestTupleBuffer_Refcounts(t *testing.T) {
	alloc := arrowmemory.NewCheckedAllocator(arrowmemory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	pool := memory.NewPool(alloc, 64, 0)
	defer pool.Close()

	data, err := pool.NewBuffer()
	require.NoError(t, err)
	copy(data.Capacity(), "a,b\n")
	raw := TupleBuffer{Origin: 1, Sequence: 1, Data: data.WithLen(4), Last: true}
	require.Equal(t, "a,b\n", string(raw.Bytes()))
	require.Equal(t, 0, raw.NumRows())

	raw.Retain()
	raw.Release()
	require.Equal(t, 1, pool.InUse())

	b := array.NewInt64Builder(alloc)
	b.AppendValues([]int64{1, 2, 3}, nil)
	col := b.NewArray()
	b.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, 3)
	col.Release()

	out := raw.Derive(rec)
	require.Equal(t, raw.Origin, out.Origin)
	require.Equal(t, raw.Sequence, out.Sequence)
	require.True(t, out.Last)
	require.Equal(t, 3, out.NumRows())
	require.Nil(t, out.Bytes())

	raw.Release()
	out.Release()
	require.Equal(t, 0, pool.InUse())
}
