package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

func formatterSource(parser pipeline.ParserConfig) *pipeline.SourceOperator {
	return &pipeline.SourceOperator{OriginID: 1, Descriptor: pipeline.SourceDescriptor{
		Name:   "gps",
		Type:   "file",
		Parser: parser,
		Schema: []types.FieldSpec{
			{Name: "id", Type: "int64"},
			{Name: "speed", Type: "float64"},
			{Name: "name", Type: "string"},
		},
	}}
}

// rawBuffer copies data into a pool page.
func (h *harness) rawBuffer(seq uint64, data string, last bool) buffer.TupleBuffer {
	b, err := h.pool.NewBuffer()
	require.NoError(h.t, err)
	n := copy(b.Capacity(), data)
	return buffer.TupleBuffer{Origin: 1, Sequence: seq, Data: b.WithLen(n), Last: last}
}

func TestFormatter_CarriesPartialTuples(t *testing.T) {
	tt := []struct {
		name   string
		parser pipeline.ParserConfig
		chunks []string
	}{
		{
			name:   "csv",
			parser: pipeline.ParserConfig{Type: "CSV"},
			chunks: []string{"1,2.5,a\n2,3", ".5,b\n", "3,4.5,c"},
		},
		{
			name:   "csv with custom delimiters",
			parser: pipeline.ParserConfig{Type: "csv", TupleDelimiter: "|", FieldDelimiter: ";"},
			chunks: []string{"1;2.5;a|2;3", ".5;b|", "3;4.5;c|"},
		},
		{
			name:   "json",
			parser: pipeline.ParserConfig{Type: "json"},
			chunks: []string{
				`{"id": 1, "speed": 2.5, "name": "a"}` + "\n" + `{"id": 2, "spe`,
				`ed": 3.5, "name": "b"}` + "\n",
				`{"id": 3, "speed": 4.5, "name": "c", "extra": true}`,
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, 1)
			c := NewCompiler(nil, nil, nil)
			stage, err := c.CompileFormatter(t.Context(), 5, formatterSource(tc.parser), StageOptions{})
			require.NoError(t, err)
			require.True(t, stage.Sequential())

			require.NoError(t, stage.Start(t.Context(), h.pctx))
			for i, chunk := range tc.chunks {
				h.execute(stage, 0, h.rawBuffer(uint64(i+1), chunk, i == len(tc.chunks)-1))
			}
			require.NoError(t, stage.Stop(t.Context(), h.pctx))

			require.Len(t, h.out, len(tc.chunks), "one output buffer per input buffer")
			require.Equal(t, 1, h.out[0].NumRows())
			require.Equal(t, 1, h.out[1].NumRows())
			require.True(t, h.out[2].Last)

			require.Equal(t, []map[string]any{
				{"id": int64(1), "speed": 2.5, "name": "a"},
				{"id": int64(2), "speed": 3.5, "name": "b"},
				{"id": int64(3), "speed": 4.5, "name": "c"},
			}, h.rows())
		})
	}
}

func TestFormatter_Nulls(t *testing.T) {
	h := newHarness(t, 1, 1)
	stage, err := NewCompiler(nil, nil, nil).CompileFormatter(t.Context(), 5, formatterSource(pipeline.ParserConfig{Type: "csv"}), StageOptions{})
	require.NoError(t, err)

	h.execute(stage, 0, h.rawBuffer(1, "1,,\n", true))
	require.Equal(t, []map[string]any{{"id": int64(1), "speed": nil, "name": nil}}, h.rows())
}

func TestFormatter_Errors(t *testing.T) {
	c := NewCompiler(nil, nil, nil)

	_, err := c.CompileFormatter(t.Context(), 5, formatterSource(pipeline.ParserConfig{Type: "xml"}), StageOptions{})
	require.ErrorIs(t, err, errors.ErrStageCompile)

	_, err = c.CompileFormatter(t.Context(), 5, formatterSource(pipeline.ParserConfig{Type: "csv", FieldDelimiter: "::"}), StageOptions{})
	require.ErrorIs(t, err, errors.ErrStageCompile)

	h := newHarness(t, 1, 1)
	stage, err := c.CompileFormatter(t.Context(), 5, formatterSource(pipeline.ParserConfig{Type: "csv"}), StageOptions{})
	require.NoError(t, err)

	buf := h.rawBuffer(1, "x,1.0,a\n", true)
	defer buf.Release()
	err = stage.Execute(t.Context(), h.pctx, 0, buf)
	require.ErrorIs(t, err, errors.ErrPrecondition)
}
