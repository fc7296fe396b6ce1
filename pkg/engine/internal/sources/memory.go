package sources

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// memorySource emits predefined data. Sources with the raw parser emit the
// records registered under their name in [Env.Records]; other sources emit
// the bytes of the `data` config value in chunks.
type memorySource struct {
	desc    pipeline.SourceDescriptor
	env     Env
	records []arrow.Record
	data    []byte
}

func newMemory(desc pipeline.SourceDescriptor, env Env) (Source, error) {
	s := &memorySource{desc: desc, env: env}
	if desc.Parser.IsRaw() {
		records, ok := env.Records[desc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: no records for memory source %s", errors.ErrPlanShape, desc.Name)
		}
		s.records = records
		return s, nil
	}

	data, ok := desc.Config["data"]
	if !ok {
		return nil, fmt.Errorf("%w: memory source %s without data", errors.ErrPlanShape, desc.Name)
	}
	s.data = []byte(data)
	return s, nil
}

// NewMemory returns a source emitting records.
func NewMemory(records ...arrow.Record) Source {
	return &memorySource{records: records, desc: pipeline.SourceDescriptor{Parser: pipeline.ParserConfig{Type: pipeline.RawParser}}}
}

func (s *memorySource) Open(context.Context) error { return nil }

func (s *memorySource) Read(ctx context.Context, pool *memory.Pool) (buffer.TupleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return buffer.TupleBuffer{}, err
	}

	if s.desc.Parser.IsRaw() {
		if len(s.records) == 0 {
			return buffer.TupleBuffer{}, io.EOF
		}
		rec := s.records[0]
		s.records = s.records[1:]
		rec.Retain()
		return buffer.TupleBuffer{Record: rec}, nil
	}

	if len(s.data) == 0 {
		return buffer.TupleBuffer{}, io.EOF
	}
	size, err := chunkSize(s.desc, s.env, pool)
	if err != nil {
		return buffer.TupleBuffer{}, err
	}
	buf, err := pool.NewBuffer()
	if err != nil {
		return buffer.TupleBuffer{}, err
	}
	n := copy(buf.Capacity()[:min(size, len(s.data))], s.data)
	s.data = s.data[n:]
	return buffer.TupleBuffer{Data: buf.WithLen(n)}, nil
}

func (s *memorySource) Close() error {
	s.records, s.data = nil, nil
	return nil
}
