// Package sinks implements sink connectors and the output formats they
// write.
package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/multierror"
	"github.com/thanos-io/objstore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
)

// Sink is a sink connector. Sinks are not safe for concurrent use; the
// runtime serializes calls to a sink.
type Sink interface {
	Open(ctx context.Context) error
	// Write consumes rec. The sink retains rec if it keeps it past the
	// call.
	Write(ctx context.Context, rec arrow.Record) error
	Close(ctx context.Context) error
}

// Env holds the dependencies shared by all sinks of an engine.
type Env struct {
	// Stdout receives the output of print sinks.
	Stdout io.Writer
	// Bucket receives the objects of file sinks.
	Bucket objstore.Bucket
	// Collection receives the records of collect sinks.
	Collection *Collection

	Logger log.Logger
}

func (env Env) logger() log.Logger {
	if env.Logger == nil {
		return log.NewNopLogger()
	}
	return env.Logger
}

// Factory creates a sink for a descriptor. schema is the schema of the
// records the sink receives and format encodes them.
type Factory func(desc pipeline.SinkDescriptor, schema *arrow.Schema, format FormatFactory, env Env) (Sink, error)

// Registry maps sink types and format names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	formats   map[string]FormatFactory
}

// NewRegistry returns a registry with the built-in print, file and collect
// sinks and the csv, json, avro and parquet formats.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		formats:   make(map[string]FormatFactory),
	}
	_ = r.Register("print", newPrint)
	_ = r.Register("file", newFile)
	_ = r.Register("collect", newCollect)

	_ = r.RegisterFormat("csv", newCSVEncoder)
	_ = r.RegisterFormat("json", newJSONEncoder)
	_ = r.RegisterFormat("avro", newAvroEncoder)
	_ = r.RegisterFormat("parquet", newParquetEncoder)
	return r
}

// Register adds a factory for a sink type. Types are case-insensitive.
func (r *Registry) Register(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ = strings.ToLower(typ)
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("sink type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// RegisterFormat adds an output format. Names are case-insensitive.
func (r *Registry) RegisterFormat(name string, f FormatFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.ToLower(name)
	if _, exists := r.formats[name]; exists {
		return fmt.Errorf("sink format %q already registered", name)
	}
	r.formats[name] = f
	return nil
}

// Format returns the output format with the given name.
func (r *Registry) Format(name string) (FormatFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formats[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink format %q", errors.ErrKey, name)
	}
	return f, nil
}

// Create creates the sink for desc. It returns an error wrapping
// [errors.ErrKey] for unknown sink types and formats.
func (r *Registry) Create(desc pipeline.SinkDescriptor, schema *arrow.Schema, env Env) (Sink, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(desc.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink type %q", errors.ErrKey, desc.Type)
	}
	format, err := r.Format(desc.Format)
	if err != nil {
		return nil, err
	}
	return f(desc, schema, format, env)
}

// CloseAll closes every sink and returns the errors of all failed closes.
func CloseAll(ctx context.Context, sinks ...Sink) error {
	errs := multierror.New()
	for _, s := range sinks {
		if s == nil {
			continue
		}
		errs.Add(s.Close(ctx))
	}
	return errs.Err()
}
