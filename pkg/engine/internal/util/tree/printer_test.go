package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	root := NewNode(KindSource, "origin-1", String("type", "file"), String("parser", ""))
	formatter := root.Add(NewNode(KindFormatter, "pipeline-4"))
	formatter.Stage = &Stage{Mode: "compiled", Sequential: true}

	op := formatter.Add(NewNode(KindPipeline, "pipeline-2"))
	op.Stage = &Stage{Mode: "interpreted", Handlers: []string{"window-2-0"}}
	op.Add(NewNode(KindSink, "pipeline-3", List("formats", "csv", "json"), Int("predecessors", 2)))

	formatter.Add(&Node{Kind: KindPipeline, ID: "pipeline-2", Shared: true, Attrs: []Attr{String("ignored", "x")}})
	root.Add(NewNode(KindSink, "pipeline-5"))

	var sb strings.Builder
	require.NoError(t, NewPrinter(&sb).Print(root))

	expect := `Source #origin-1 type=file
├── Formatter #pipeline-4 mode=compiled sequential=true
│   ├── Pipeline #pipeline-2 mode=interpreted sequential=false handlers=(window-2-0)
│   │   └── Sink #pipeline-3 formats=(csv, json) predecessors=2
│   └── Pipeline #pipeline-2 (shared)
└── Sink #pipeline-5
`
	require.Equal(t, expect, sb.String())
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "Formatter", KindFormatter.String())
	require.Equal(t, "Kind(9)", Kind(9).String())
}
