package sources

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

func newPool(t *testing.T, pageSize int) *memory.Pool {
	t.Helper()
	alloc := arrowmemory.NewCheckedAllocator(arrowmemory.DefaultAllocator)
	pool := memory.NewPool(alloc, pageSize, 0)
	t.Cleanup(func() {
		require.Zero(t, pool.InUse(), "all pages must be released")
		pool.Close()
		alloc.AssertSize(t, 0)
	})
	return pool
}

// readAll reads src to the end and returns the bytes of every buffer.
func readAll(t *testing.T, src Source, pool *memory.Pool) []string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer func() { require.NoError(t, src.Close()) }()

	var chunks []string
	for {
		buf, err := src.Read(ctx, pool)
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, string(buf.Bytes()))
		buf.Release()
	}
}

func descriptor(typ string, config map[string]string) pipeline.SourceDescriptor {
	return pipeline.SourceDescriptor{
		Name:   "src",
		Type:   typ,
		Config: config,
		Parser: pipeline.ParserConfig{Type: "csv"},
	}
}

func TestMemorySource_Bytes(t *testing.T) {
	pool := newPool(t, 8)
	src, err := NewRegistry().Create(descriptor("memory", map[string]string{
		"data":        "1,a\n2,b\n3,c\n",
		"buffer_size": "5",
	}), Env{})
	require.NoError(t, err)

	require.Equal(t, []string{"1,a\n2", ",b\n3,", "c\n"}, readAll(t, src, pool))
}

func TestMemorySource_BufferSizeCappedByPage(t *testing.T) {
	pool := newPool(t, 4)
	src, err := NewRegistry().Create(descriptor("memory", map[string]string{"data": "abcdefghij"}), Env{BufferSize: 1024})
	require.NoError(t, err)

	require.Equal(t, []string{"abcd", "efgh", "ij"}, readAll(t, src, pool))
}

func TestMemorySource_Records(t *testing.T) {
	alloc := arrowmemory.NewCheckedAllocator(arrowmemory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	desc := descriptor("memory", nil)
	desc.Parser.Type = "raw"
	src, err := NewRegistry().Create(desc, Env{Records: map[string][]arrow.Record{"src": {rec, rec}}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	var rows int64
	for {
		buf, err := src.Read(ctx, nil)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows += buf.Record.NumRows()
		buf.Release()
	}
	require.NoError(t, src.Close())
	require.Equal(t, int64(6), rows)
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()
	require.NoError(t, bucket.Upload(ctx, "in/gps.csv", strings.NewReader("1,2.5\n2,3.5\n")))

	pool := newPool(t, 16)
	src, err := NewRegistry().Create(descriptor("FILE", map[string]string{"path": "in/gps.csv", "buffer_size": "7"}), Env{Bucket: bucket})
	require.NoError(t, err)

	require.Equal(t, []string{"1,2.5\n2", ",3.5\n"}, readAll(t, src, pool))
}

func TestFileSource_Pacing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket := objstore.NewInMemBucket()
	require.NoError(t, bucket.Upload(ctx, "in", strings.NewReader("aaaabbbbcccc")))

	clock := quartz.NewMock(t)
	pool := newPool(t, 4)
	src, err := NewRegistry().Create(descriptor("file", map[string]string{"path": "in", "ingestion_rate": "2"}), Env{Bucket: bucket, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	buf, err := src.Read(ctx, pool)
	require.NoError(t, err)
	require.Equal(t, "aaaa", string(buf.Bytes()))
	buf.Release()

	// The next buffer is due after 500ms; a canceled read gives up waiting.
	canceled, cancelRead := context.WithCancel(ctx)
	cancelRead()
	_, err = src.Read(canceled, pool)
	require.ErrorIs(t, err, context.Canceled)

	clock.Advance(500 * time.Millisecond).MustWait(ctx)
	buf, err = src.Read(ctx, pool)
	require.NoError(t, err)
	require.Equal(t, "bbbb", string(buf.Bytes()))
	buf.Release()
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create(descriptor("kafka", nil), Env{})
	require.ErrorIs(t, err, errors.ErrKey)

	_, err = r.Create(descriptor("file", nil), Env{Bucket: objstore.NewInMemBucket()})
	require.ErrorIs(t, err, errors.ErrPlanShape, "file source without path")

	_, err = r.Create(descriptor("file", map[string]string{"path": "x"}), Env{})
	require.ErrorIs(t, err, errors.ErrPrecondition, "file source without bucket")

	_, err = r.Create(descriptor("file", map[string]string{"path": "x", "ingestion_rate": "fast"}), Env{Bucket: objstore.NewInMemBucket()})
	require.ErrorIs(t, err, errors.ErrPlanShape)

	_, err = r.Create(descriptor("memory", nil), Env{})
	require.ErrorIs(t, err, errors.ErrPlanShape, "memory source without data")

	require.Error(t, r.Register("Memory", newMemory))
}
