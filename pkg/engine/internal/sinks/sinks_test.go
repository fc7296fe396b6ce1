package sinks

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/linkedin/goavro/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "x", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "geom", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// testRecord returns a record with three rows: a complete row, a row of
// nulls and a row with a non-printable binary value.
func testRecord(t *testing.T) arrow.Record {
	t.Helper()
	alloc := arrowmemory.NewCheckedAllocator(arrowmemory.DefaultAllocator)
	t.Cleanup(func() { alloc.AssertSize(t, 0) })

	b := array.NewRecordBuilder(alloc, testSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 0, 3}, []bool{true, false, true})
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{2.5, 0, -1}, []bool{true, false, true})
	b.Field(2).(*array.StringBuilder).AppendValues([]string{"a", "", "c"}, []bool{true, false, true})
	b.Field(3).(*array.BinaryBuilder).AppendValues([][]byte{[]byte("LINE"), nil, {0x01, 0x02, 0xff}}, []bool{true, false, true})
	rec := b.NewRecord()
	t.Cleanup(rec.Release)
	return rec
}

func encode(t *testing.T, format FormatFactory, recs ...arrow.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := format(&buf, testSchema)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, enc.Encode(rec))
	}
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestCSVFormat(t *testing.T) {
	out := encode(t, newCSVEncoder, testRecord(t))
	require.Equal(t, "id,x,name,geom\n1,2.5,a,LINE\n,,,\n3,-1,c,BINARY(3)\n", string(out))
}

func TestJSONFormat(t *testing.T) {
	out := encode(t, newJSONEncoder, testRecord(t))
	expect := `{"id":1,"x":2.5,"name":"a","geom":"LINE"}
{"id":null,"x":null,"name":null,"geom":null}
{"id":3,"x":-1,"name":"c","geom":"BINARY(3)"}
`
	require.Equal(t, expect, string(out))
}

func TestAvroFormat(t *testing.T) {
	rec := testRecord(t)
	out := encode(t, newAvroEncoder, rec, rec)

	r, err := goavro.NewOCFReader(bytes.NewReader(out))
	require.NoError(t, err)

	var data []map[string]any
	for r.Scan() {
		datum, err := r.Read()
		require.NoError(t, err)
		data = append(data, datum.(map[string]any))
	}
	require.NoError(t, r.Err())
	require.Len(t, data, 6)

	require.Equal(t, map[string]any{"long": int64(1)}, data[0]["id"])
	require.Equal(t, map[string]any{"double": 2.5}, data[0]["x"])
	require.Equal(t, map[string]any{"string": "a"}, data[0]["name"])
	require.Equal(t, map[string]any{"bytes": []byte("LINE")}, data[0]["geom"])
	require.Nil(t, data[1]["id"])
	require.Nil(t, data[1]["geom"])
	require.Equal(t, map[string]any{"bytes": []byte{0x01, 0x02, 0xff}}, data[2]["geom"])
}

func TestParquetFormat(t *testing.T) {
	rec := testRecord(t)
	out := encode(t, newParquetEncoder, rec)

	type row struct {
		ID   *int64   `parquet:"id,optional"`
		X    *float64 `parquet:"x,optional"`
		Name *string  `parquet:"name,optional"`
		Geom []byte   `parquet:"geom,optional"`
	}
	r := parquet.NewReader(bytes.NewReader(out))
	defer r.Close()
	require.Equal(t, int64(3), r.NumRows())

	var rows []row
	for {
		var v row
		err := r.Read(&v)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows = append(rows, v)
	}
	require.Len(t, rows, 3)

	require.Equal(t, int64(1), *rows[0].ID)
	require.Equal(t, 2.5, *rows[0].X)
	require.Equal(t, "a", *rows[0].Name)
	require.Equal(t, []byte("LINE"), rows[0].Geom)
	require.Nil(t, rows[1].ID)
	require.Nil(t, rows[1].Name)
	require.Equal(t, int64(3), *rows[2].ID)
	require.Equal(t, []byte{0x01, 0x02, 0xff}, rows[2].Geom)
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewInMemBucket()

	s, err := NewRegistry().Create(pipeline.SinkDescriptor{
		Name:   "out",
		Type:   "file",
		Format: "JSON",
		Config: map[string]string{"path": "results/out.json"},
	}, testSchema, Env{Bucket: bucket})
	require.NoError(t, err)

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Write(ctx, testRecord(t)))

	exists, err := bucket.Exists(ctx, "results/out.json")
	require.NoError(t, err)
	require.False(t, exists, "output is uploaded on close")

	require.NoError(t, s.Close(ctx))
	r, err := bucket.Get(ctx, "results/out.json")
	require.NoError(t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(out), "\n"))
}

func TestPrintSink(t *testing.T) {
	ctx := context.Background()
	var stdout strings.Builder

	s, err := NewRegistry().Create(pipeline.SinkDescriptor{Name: "out", Type: "print"}, testSchema, Env{Stdout: &stdout})
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.Write(ctx, testRecord(t)))
	require.NoError(t, s.Close(ctx))

	require.True(t, strings.HasPrefix(stdout.String(), "id,x,name,geom\n"), "csv is the default format")
}

func TestCollectSink(t *testing.T) {
	ctx := context.Background()
	collection := NewCollection()
	defer collection.Release()

	s, err := NewRegistry().Create(pipeline.SinkDescriptor{Name: "out", Type: "collect"}, testSchema, Env{Collection: collection})
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	rec := testRecord(t)
	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Close(ctx))

	require.Equal(t, int64(6), collection.Rows("out"))
	require.Len(t, collection.Records("out"), 2)
	require.Empty(t, collection.Records("other"))
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create(pipeline.SinkDescriptor{Name: "out", Type: "mqtt"}, testSchema, Env{})
	require.ErrorIs(t, err, errors.ErrKey)

	_, err = r.Create(pipeline.SinkDescriptor{Name: "out", Type: "print", Format: "xml"}, testSchema, Env{})
	require.ErrorIs(t, err, errors.ErrKey)

	_, err = r.Create(pipeline.SinkDescriptor{Type: "print"}, testSchema, Env{})
	require.ErrorIs(t, err, errors.ErrPlanShape)

	_, err = r.Create(pipeline.SinkDescriptor{Name: "out", Type: "file"}, testSchema, Env{Bucket: objstore.NewInMemBucket()})
	require.ErrorIs(t, err, errors.ErrPlanShape)

	_, err = r.Create(pipeline.SinkDescriptor{Name: "out", Type: "collect"}, testSchema, Env{})
	require.ErrorIs(t, err, errors.ErrPrecondition)

	require.Error(t, r.RegisterFormat("CSV", newCSVEncoder))
}

type failingSink struct{ err error }

func (s failingSink) Open(context.Context) error { return nil }
func (s failingSink) Write(context.Context, arrow.Record) error { return nil }
func (s failingSink) Close(context.Context) error { return s.err }

func TestCloseAll(t *testing.T) {
	err := CloseAll(context.Background(), failingSink{stderrors.New("first")}, failingSink{}, nil, failingSink{stderrors.New("second")})
	require.ErrorContains(t, err, "first")
	require.ErrorContains(t, err, "second")

	require.NoError(t, CloseAll(context.Background(), failingSink{}))
}
