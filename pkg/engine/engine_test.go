package engine

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

const windowPlan = `query_id: 3
pipelines:
  - id: 1
    source:
      origin_id: 1
      name: positions
      type: memory
      parser: {type: csv}
      config:
        buffer_size: "10"
        data: "1,1,10.0\n2,3,20.0\n1,7,30.0\n2,12,40.0\n1,14,50.0\n"
      schema:
        - {name: id, type: int64}
        - {name: ts, type: int64}
        - {name: speed, type: float64}
    successors: [2]
  - id: 2
    operators:
      - filter: {op: gt, args: [{field: speed}, {literal: 15.0}]}
      - window:
          time_field: ts
          size: 10ms
          keys: [id]
          aggregations:
            - {type: max, on_field: speed, as_field: top}
            - {type: count}
    successors: [3]
  - id: 3
    sink: {name: out, type: collect}
`

func newEngine(t *testing.T, cfg Config, params Params) *Engine {
	t.Helper()

	alloc := arrowmemory.NewCheckedAllocator(arrowmemory.DefaultAllocator)
	if params.Collection == nil {
		params.Collection = NewCollection()
	}
	if params.Registerer == nil {
		params.Registerer = prometheus.NewRegistry()
	}
	params.Allocator = alloc

	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	e, err := New(cfg, params)
	require.NoError(t, err)
	t.Cleanup(func() {
		params.Collection.Release()
		require.Zero(t, e.pool.InUse(), "pages leaked")
		e.Close()
		alloc.AssertSize(t, 0)
	})
	return e
}

func loadPlan(t *testing.T, text string) *PipelinedQueryPlan {
	t.Helper()
	plan, err := LoadPlan(strings.NewReader(text))
	require.NoError(t, err)
	return plan
}

func collectedRows(records []arrow.Record) map[[2]int64][2]any {
	out := make(map[[2]int64][2]any)
	for _, rec := range records {
		for row := range int(rec.NumRows()) {
			key := [2]int64{
				rec.Column(0).GetOneForMarshal(row).(int64),
				rec.Column(2).GetOneForMarshal(row).(int64),
			}
			out[key] = [2]any{rec.Column(3).GetOneForMarshal(row), rec.Column(4).GetOneForMarshal(row)}
		}
	}
	return out
}

func TestEngine_Run(t *testing.T) {
	collection := NewCollection()
	reg := prometheus.NewRegistry()
	e := newEngine(t, Config{}, Params{Collection: collection, Registerer: reg})

	stats, err := e.Run(t.Context(), loadPlan(t, windowPlan))
	require.NoError(t, err)

	require.Equal(t, map[[2]int64][2]any{
		{0, 1}:  {30.0, uint64(1)},
		{0, 2}:  {20.0, uint64(1)},
		{10, 1}: {50.0, uint64(1)},
		{10, 2}: {40.0, uint64(1)},
	}, collectedRows(collection.Records("out")))
	require.Equal(t, int64(4), stats.SinkRows)
	require.Zero(t, stats.LateRecords)

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.executions.WithLabelValues(statusSuccess)))
	require.Equal(t, 2.0, testutil.ToFloat64(e.metrics.pipelines))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.formatters))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "nes_worker_buffers_processed_total")
	require.Contains(t, names, "nes_engine_queries_compiled_total")
}

func TestEngine_ExecutionModesAgree(t *testing.T) {
	results := make(map[string]map[[2]int64][2]any)
	for _, mode := range []string{"compiled", "interpreted"} {
		t.Run(mode, func(t *testing.T) {
			collection := NewCollection()
			e := newEngine(t, Config{ExecutionMode: mode}, Params{Collection: collection})

			plan := loadPlan(t, windowPlan)
			_, err := e.Run(t.Context(), plan)
			require.NoError(t, err)
			require.Equal(t, mode, plan.ExecutionMode.String())
			results[mode] = collectedRows(collection.Records("out"))
		})
	}
	require.Equal(t, results["compiled"], results["interpreted"])
}

func TestEngine_CompileRejectsInvalidPlans(t *testing.T) {
	e := newEngine(t, Config{}, Params{})

	plan := loadPlan(t, `query_id: 1
pipelines:
  - id: 1
    source:
      origin_id: 1
      name: src
      type: memory
      parser: {type: csv}
      schema: [{name: id, type: int64}]
    successors: [2]
  - id: 2
    sink: {name: out}
`)
	_, err := e.Compile(t.Context(), plan)
	require.ErrorIs(t, err, ErrPlanShape)
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusRejected)))

	plan = loadPlan(t, `query_id: 2
pipelines:
  - id: 1
    source:
      origin_id: 1
      name: src
      type: memory
      parser: {type: csv}
      schema: [{name: id, type: int64}]
    successors: [2]
  - id: 2
    operators: [{project: [missing]}]
    successors: [3]
  - id: 3
    sink: {name: out, type: collect}
`)
	_, err = e.Compile(t.Context(), plan)
	require.ErrorIs(t, err, ErrStageCompile)
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(statusFailure)))
}

func TestEngine_DumpFiles(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	e := newEngine(t, Config{DumpMode: "both", DumpDir: dir}, Params{Stdout: &console})

	compiled, err := e.Compile(t.Context(), loadPlan(t, windowPlan))
	require.NoError(t, err)
	require.Len(t, compiled.Pipelines, 2)

	for _, name := range []string{"pipeline-2.ir", "pipeline-4.ir"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.NotEmpty(t, data)
		require.Contains(t, console.String(), string(data), "console and file dumps agree")
	}
}

func TestEngine_FileSourceToFileSink(t *testing.T) {
	bucket := objstore.NewInMemBucket()
	require.NoError(t, bucket.Upload(context.Background(), "in/trips.ndjson", strings.NewReader(
		`{"id": 1, "speed": 12.5}`+"\n"+`{"id": 2, "speed": 7.0}`+"\n"+`{"id": 3, "speed": 31.0}`+"\n",
	)))
	e := newEngine(t, Config{BufferSize: 16}, Params{Bucket: bucket})

	_, err := e.Run(t.Context(), loadPlan(t, `query_id: 4
pipelines:
  - id: 1
    source:
      origin_id: 1
      name: trips
      type: file
      parser: {type: json}
      config: {path: in/trips.ndjson}
      schema:
        - {name: id, type: int64}
        - {name: speed, type: float64}
    successors: [2]
  - id: 2
    operators:
      - filter: {op: gte, args: [{field: speed}, {literal: 10.0}]}
    successors: [3]
  - id: 3
    sink:
      name: fast
      type: file
      format: csv
      config: {path: out/fast.csv}
`))
	require.NoError(t, err)

	r, err := bucket.Get(context.Background(), "out/fast.csv")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "id,speed", lines[0])
	require.ElementsMatch(t, []string{"1,12.5", "3,31"}, lines[1:])
}

func TestEngine_ExecuteIsExclusive(t *testing.T) {
	e := newEngine(t, Config{}, Params{})
	e.executed <- struct{}{}
	defer func() { <-e.executed }()

	_, err := e.Execute(t.Context(), &CompiledQueryPlan{})
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestConfig_RegisterFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-engine.workers=8", "-engine.execution-mode=interpreted", "-engine.page-size=1024"}))

	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, 1024, cfg.PageSize)
	require.Equal(t, "interpreted", cfg.ExecutionMode)
	require.NoError(t, cfg.Validate())

	cfg.DumpMode = "sometimes"
	require.ErrorIs(t, cfg.Validate(), ErrKey)

	cfg.DumpMode = ""
	cfg.Workers = 0
	require.Error(t, cfg.Validate())
}
