package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	jsoniter "github.com/json-iterator/go"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/types"
)

// Parser decodes complete tuples into a record.
type Parser interface {
	// Parse decodes data, which holds complete tuples separated by the
	// tuple delimiter. It returns nil if data holds no tuples.
	Parse(alloc memory.Allocator, data []byte) (arrow.Record, error)
}

// ParserFactory creates a parser for tuples of the given schema.
type ParserFactory func(cfg pipeline.ParserConfig, schema *arrow.Schema) (Parser, error)

// FormatterProvider maps parser types to parser factories.
type FormatterProvider struct {
	mu        sync.RWMutex
	factories map[string]ParserFactory
}

// NewFormatterProvider returns a provider for the csv and json formats.
func NewFormatterProvider() *FormatterProvider {
	p := &FormatterProvider{factories: make(map[string]ParserFactory)}
	_ = p.Register("csv", newCSVParser)
	_ = p.Register("json", newJSONParser)
	return p
}

// Register adds a parser factory. Registering a type twice is an error.
func (p *FormatterProvider) Register(parserType string, f ParserFactory) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	parserType = strings.ToLower(parserType)
	if _, exists := p.factories[parserType]; exists {
		return fmt.Errorf("parser %q already registered", parserType)
	}
	p.factories[parserType] = f
	return nil
}

// Parser creates the parser for cfg.
func (p *FormatterProvider) Parser(cfg pipeline.ParserConfig, schema *arrow.Schema) (Parser, error) {
	p.mu.RLock()
	f, ok := p.factories[strings.ToLower(cfg.Type)]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown parser %q", errors.ErrKey, cfg.Type)
	}
	return f(cfg, schema)
}

func tupleDelimiter(cfg pipeline.ParserConfig) []byte {
	if cfg.TupleDelimiter == "" {
		return []byte("\n")
	}
	return []byte(cfg.TupleDelimiter)
}

// formatterStage splits raw source bytes into complete tuples and parses
// them. Bytes after the last tuple delimiter of a buffer are carried over
// into the next buffer; the last buffer of the source flushes them.
type formatterStage struct {
	id        types.PipelineID
	format    string
	parser    Parser
	delimiter []byte
	schema    *arrow.Schema

	mu    sync.Mutex
	carry []byte
}

var _ Stage = (*formatterStage)(nil)

func (s *formatterStage) Sequential() bool { return true }
func (s *formatterStage) OutputSchema() *arrow.Schema { return s.schema }

func (s *formatterStage) Start(context.Context, *PipelineContext) error { return nil }

func (s *formatterStage) Execute(ctx context.Context, pctx *PipelineContext, _ int, buf buffer.TupleBuffer) error {
	s.mu.Lock()
	data := append(s.carry, buf.Bytes()...)
	var complete []byte
	if buf.Last {
		complete, s.carry = data, nil
	} else if idx := bytes.LastIndex(data, s.delimiter); idx >= 0 {
		end := idx + len(s.delimiter)
		complete, s.carry = data[:end], bytes.Clone(data[end:])
	} else {
		s.carry = data
	}
	s.mu.Unlock()

	var rec arrow.Record
	if len(bytes.TrimSpace(complete)) > 0 {
		var err error
		if rec, err = s.parser.Parse(pctx.allocator(), complete); err != nil {
			return fmt.Errorf("%w: %s formatter: %w", errors.ErrPrecondition, s.format, err)
		}
	}
	return pctx.Emit(ctx, buf.Derive(rec))
}

func (s *formatterStage) Stop(context.Context, *PipelineContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry = nil
	return nil
}

func (s *formatterStage) describe() string {
	return fmt.Sprintf("%s formatter=%s sequential=true delimiter=%q\n  output: %s\n",
		s.id, s.format, s.delimiter, describeSchema(s.schema))
}

type csvParser struct {
	schema    *arrow.Schema
	comma     rune
	delimiter []byte
}

func newCSVParser(cfg pipeline.ParserConfig, schema *arrow.Schema) (Parser, error) {
	p := &csvParser{schema: schema, comma: ',', delimiter: tupleDelimiter(cfg)}
	if cfg.FieldDelimiter != "" {
		r, size := utf8.DecodeRuneInString(cfg.FieldDelimiter)
		if size != len(cfg.FieldDelimiter) {
			return nil, fmt.Errorf("%w: csv field delimiter must be a single character, got %q", errors.ErrPlanShape, cfg.FieldDelimiter)
		}
		p.comma = r
	}
	return p, nil
}

func (p *csvParser) Parse(alloc memory.Allocator, data []byte) (arrow.Record, error) {
	if !bytes.Equal(p.delimiter, []byte("\n")) {
		data = bytes.ReplaceAll(data, p.delimiter, []byte("\n"))
	}

	r := csv.NewReader(
		bytes.NewReader(data),
		p.schema,
		csv.WithAllocator(alloc),
		csv.WithComma(p.comma),
		csv.WithChunk(-1),
		csv.WithNullReader(true, ""),
	)
	defer r.Release()

	if !r.Next() {
		return nil, r.Err()
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}

var jsonConfig = jsoniter.Config{UseNumber: true}.Froze()

type jsonParser struct {
	schema    *arrow.Schema
	delimiter []byte
}

func newJSONParser(cfg pipeline.ParserConfig, schema *arrow.Schema) (Parser, error) {
	return &jsonParser{schema: schema, delimiter: tupleDelimiter(cfg)}, nil
}

func (p *jsonParser) Parse(alloc memory.Allocator, data []byte) (arrow.Record, error) {
	b := array.NewRecordBuilder(alloc, p.schema)
	defer b.Release()

	rows := 0
	for _, line := range bytes.Split(data, p.delimiter) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := jsonConfig.Unmarshal(line, &obj); err != nil {
			return nil, fmt.Errorf("tuple %d: %w", rows+1, err)
		}
		for i, field := range p.schema.Fields() {
			if err := appendJSON(b.Field(i), obj[field.Name]); err != nil {
				return nil, fmt.Errorf("tuple %d field %s: %w", rows+1, field.Name, err)
			}
		}
		rows++
	}
	if rows == 0 {
		return nil, nil
	}
	return b.NewRecord(), nil
}

func appendJSON(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.Int64Builder:
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("expected a number, got %T", v)
		}
		i, err := n.Int64()
		if err != nil {
			return err
		}
		b.Append(i)
	case *array.Uint64Builder:
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("expected a number, got %T", v)
		}
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return err
		}
		b.Append(u)
	case *array.Float64Builder:
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("expected a number, got %T", v)
		}
		f, err := n.Float64()
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected a boolean, got %T", v)
		}
		b.Append(bv)
	case *array.StringBuilder:
		b.Append(jsonString(v))
	case *array.BinaryBuilder:
		b.Append([]byte(jsonString(v)))
	default:
		return fmt.Errorf("%w: unsupported column type %s", errors.ErrType, b.Type())
	}
	return nil
}

func jsonString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	s, _ := jsonConfig.MarshalToString(v)
	return s
}
