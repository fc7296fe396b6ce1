package sinks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log/level"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
)

// printSink writes encoded records to [Env.Stdout].
type printSink struct {
	w       io.Writer
	schema  *arrow.Schema
	format  FormatFactory
	encoder Encoder
}

func newPrint(_ pipeline.SinkDescriptor, schema *arrow.Schema, format FormatFactory, env Env) (Sink, error) {
	w := env.Stdout
	if w == nil {
		w = os.Stdout
	}
	return &printSink{w: w, schema: schema, format: format}, nil
}

func (s *printSink) Open(context.Context) error {
	enc, err := s.format(s.w, s.schema)
	if err != nil {
		return err
	}
	s.encoder = enc
	return nil
}

func (s *printSink) Write(_ context.Context, rec arrow.Record) error {
	return s.encoder.Encode(rec)
}

func (s *printSink) Close(context.Context) error {
	if s.encoder == nil {
		return nil
	}
	err := s.encoder.Close()
	s.encoder = nil
	return err
}

// fileSink encodes records into memory and uploads them to the object at
// the `path` config value when closed.
type fileSink struct {
	desc    pipeline.SinkDescriptor
	env     Env
	path    string
	schema  *arrow.Schema
	format  FormatFactory
	buf     bytes.Buffer
	encoder Encoder
}

func newFile(desc pipeline.SinkDescriptor, schema *arrow.Schema, format FormatFactory, env Env) (Sink, error) {
	if env.Bucket == nil {
		return nil, fmt.Errorf("%w: file sink %s without bucket", errors.ErrPrecondition, desc.Name)
	}
	path := pipeline.ConfigString(desc.Config, "path", "")
	if path == "" {
		return nil, fmt.Errorf("%w: file sink %s without path", errors.ErrPlanShape, desc.Name)
	}
	return &fileSink{desc: desc, env: env, path: path, schema: schema, format: format}, nil
}

func (s *fileSink) Open(context.Context) error {
	enc, err := s.format(&s.buf, s.schema)
	if err != nil {
		return err
	}
	s.encoder = enc
	return nil
}

func (s *fileSink) Write(_ context.Context, rec arrow.Record) error {
	return s.encoder.Encode(rec)
}

func (s *fileSink) Close(ctx context.Context) error {
	if s.encoder == nil {
		return nil
	}
	defer s.buf.Reset()
	if err := s.encoder.Close(); err != nil {
		return err
	}
	s.encoder = nil

	size := s.buf.Len()
	if err := s.env.Bucket.Upload(ctx, s.path, bytes.NewReader(s.buf.Bytes())); err != nil {
		return fmt.Errorf("uploading %s: %w", s.path, err)
	}
	level.Debug(s.env.logger()).Log("msg", "uploaded sink output", "sink", s.desc.Name, "path", s.path, "bytes", size)
	return nil
}

// Collection keeps the records of collect sinks, by sink name. It is safe
// for concurrent use.
type Collection struct {
	mu      sync.Mutex
	records map[string][]arrow.Record
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{records: make(map[string][]arrow.Record)}
}

func (c *Collection) add(name string, rec arrow.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Retain()
	c.records[name] = append(c.records[name], rec)
}

// Records returns the records collected by the sink with the given name.
// The records stay owned by the collection.
func (c *Collection) Records(name string) []arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[name]
}

// Rows returns the number of rows collected by the sink with the given
// name.
func (c *Collection) Rows(name string) int64 {
	var n int64
	for _, rec := range c.Records(name) {
		n += rec.NumRows()
	}
	return n
}

// Release releases all collected records.
func (c *Collection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, recs := range c.records {
		for _, rec := range recs {
			rec.Release()
		}
		delete(c.records, name)
	}
}

type collectSink struct {
	name       string
	collection *Collection
}

func newCollect(desc pipeline.SinkDescriptor, _ *arrow.Schema, _ FormatFactory, env Env) (Sink, error) {
	if env.Collection == nil {
		return nil, fmt.Errorf("%w: collect sink %s without collection", errors.ErrPrecondition, desc.Name)
	}
	return &collectSink{name: desc.Name, collection: env.Collection}, nil
}

func (s *collectSink) Open(context.Context) error { return nil }

func (s *collectSink) Write(_ context.Context, rec arrow.Record) error {
	if rec.NumRows() > 0 {
		s.collection.add(s.name, rec)
	}
	return nil
}

func (s *collectSink) Close(context.Context) error { return nil }
