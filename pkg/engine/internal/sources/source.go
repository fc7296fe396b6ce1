// Package sources implements source connectors. Sources produce the raw
// bytes or decoded records that enter a compiled plan.
package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/thanos-io/objstore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// Source is a source connector.
//
// Read returns the next buffer of the source, or [io.EOF] once the source is
// exhausted. Buffers hold raw bytes in pool pages, or decoded records for
// sources with the raw parser. The runtime assigns origin and sequence
// numbers; Read leaves them unset. The caller owns the returned buffer.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, pool *memory.Pool) (buffer.TupleBuffer, error)
	Close() error
}

// Env holds the dependencies shared by all sources of an engine.
type Env struct {
	// Bucket is the object storage file sources read from.
	Bucket objstore.Bucket
	// Clock paces sources with an ingestion rate.
	Clock quartz.Clock
	// BufferSize is the default number of bytes per buffer. Buffers never
	// exceed the page size of the pool.
	BufferSize int
	// Records holds the records of memory sources with the raw parser, by
	// source name.
	Records map[string][]arrow.Record

	Logger log.Logger
}

func (env Env) clock() quartz.Clock {
	if env.Clock == nil {
		return quartz.NewReal()
	}
	return env.Clock
}

func (env Env) logger() log.Logger {
	if env.Logger == nil {
		return log.NewNopLogger()
	}
	return env.Logger
}

// Factory creates a source for a descriptor.
type Factory func(desc pipeline.SourceDescriptor, env Env) (Source, error)

// Registry maps source types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in memory and file sources.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register("memory", newMemory)
	_ = r.Register("file", newFile)
	return r
}

// Register adds a factory for a source type. Types are case-insensitive.
func (r *Registry) Register(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ = strings.ToLower(typ)
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("source type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Create creates the source for desc. It returns an error wrapping
// [errors.ErrKey] for unknown source types.
func (r *Registry) Create(desc pipeline.SourceDescriptor, env Env) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(desc.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", errors.ErrKey, desc.Type)
	}
	return f(desc, env)
}

// chunkSize returns the number of bytes per buffer of desc.
func chunkSize(desc pipeline.SourceDescriptor, env Env, pool *memory.Pool) (int, error) {
	size, err := pipeline.ConfigInt(desc.Config, "buffer_size", env.BufferSize)
	if err != nil {
		return 0, err
	}
	if size <= 0 || size > pool.PageSize() {
		size = pool.PageSize()
	}
	return size, nil
}
