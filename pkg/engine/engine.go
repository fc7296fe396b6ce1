// Package engine compiles and runs pipelined stream query plans.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/compiler"
	nerrors "github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/executor"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/planner/pipeline"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/sinks"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/sources"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/worker"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// Errors returned by the engine. Use [errors.Is] to classify them.
var (
	ErrPlanShape         = nerrors.ErrPlanShape
	ErrStageCompile      = nerrors.ErrStageCompile
	ErrPrecondition      = nerrors.ErrPrecondition
	ErrResourceExhausted = nerrors.ErrResourceExhausted
	ErrIndex             = nerrors.ErrIndex
	ErrKey               = nerrors.ErrKey
	ErrType              = nerrors.ErrType
	ErrNotImplemented    = nerrors.ErrNotImplemented
)

type (
	// PipelinedQueryPlan is a logical plan of pipelines.
	PipelinedQueryPlan = pipeline.PipelinedQueryPlan
	// CompiledQueryPlan is a plan of executable pipelines and sinks.
	CompiledQueryPlan = compiler.CompiledQueryPlan
	// Stats summarizes one execution of a plan.
	Stats = worker.Stats
	// Collection receives the records of collect sinks.
	Collection = sinks.Collection
)

// NewCollection returns an empty [Collection].
func NewCollection() *Collection { return sinks.NewCollection() }

// LoadPlan reads a YAML plan file.
func LoadPlan(r io.Reader) (*PipelinedQueryPlan, error) { return pipeline.LoadPlan(r) }

// PrintPlan writes plan as one tree per source.
func PrintPlan(w io.Writer, plan *CompiledQueryPlan) error { return compiler.PrintPlan(w, plan) }

var tracer = otel.Tracer("pkg/engine")

// Config configures an [Engine].
type Config struct {
	// Workers is the number of worker threads.
	Workers int `yaml:"workers"`

	// PageSize is the size of buffer pool pages in bytes.
	PageSize int `yaml:"page_size"`
	// MaxPages bounds the number of pages of the buffer pool. 0 means
	// unbounded.
	MaxPages int `yaml:"max_pages"`
	// BufferSize is the default number of bytes sources read per buffer.
	BufferSize int `yaml:"buffer_size"`
	// MaxInflightBuffers bounds the number of source buffers being
	// processed at once.
	MaxInflightBuffers int `yaml:"max_inflight_buffers"`

	// ExecutionMode overrides the execution mode of plans when set.
	ExecutionMode string `yaml:"execution_mode"`
	// DumpMode overrides the dump mode of plans when set.
	DumpMode string `yaml:"dump_mode"`
	// DumpDir is the directory receiving stage dumps of the file dump
	// mode. When empty, dumps go to the dumps/ prefix of the bucket.
	DumpDir string `yaml:"dump_dir"`
}

// RegisterFlags registers flags for the engine with the "engine." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("engine.", f)
}

// RegisterFlagsWithPrefix registers flags for the engine.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+"workers", 4, "Number of worker threads executing pipeline stages.")
	f.IntVar(&cfg.PageSize, prefix+"page-size", 64<<10, "Size of buffer pool pages in bytes.")
	f.IntVar(&cfg.MaxPages, prefix+"max-pages", 0, "Maximum number of buffer pool pages. 0 means unbounded.")
	f.IntVar(&cfg.BufferSize, prefix+"buffer-size", 0, "Default number of bytes read by sources per buffer. 0 reads full pages.")
	f.IntVar(&cfg.MaxInflightBuffers, prefix+"max-inflight-buffers", 0, "Maximum number of source buffers processed at once. 0 means four per worker.")
	f.StringVar(&cfg.ExecutionMode, prefix+"execution-mode", "", "Overrides the execution mode of plans. One of "+strings.Join(pipeline.ExecutionModes, ", ")+".")
	f.StringVar(&cfg.DumpMode, prefix+"dump-mode", "", "Overrides the dump mode of plans. One of "+strings.Join(pipeline.DumpModes, ", ")+".")
	f.StringVar(&cfg.DumpDir, prefix+"dump-dir", "", "Directory receiving stage dumps of the file dump mode.")
}

// Validate validates cfg.
func (cfg *Config) Validate() error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("invalid number of workers. must be greater than 0, got %d", cfg.Workers)
	}
	if cfg.PageSize <= 0 {
		return fmt.Errorf("invalid page size. must be greater than 0, got %d", cfg.PageSize)
	}
	if cfg.MaxPages < 0 || cfg.BufferSize < 0 || cfg.MaxInflightBuffers < 0 {
		return errors.New("max pages, buffer size and max inflight buffers must not be negative")
	}
	if cfg.ExecutionMode != "" {
		if _, err := pipeline.ParseExecutionMode(cfg.ExecutionMode); err != nil {
			return err
		}
	}
	if cfg.DumpMode != "" {
		if _, err := pipeline.ParseDumpMode(cfg.DumpMode); err != nil {
			return err
		}
	}
	return nil
}

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Bucket    objstore.Bucket       // Bucket of file sources and sinks.
	Allocator arrowmemory.Allocator // Allocator backing the buffer pool.
	Clock     quartz.Clock          // Clock for source pacing and durations.

	// Stdout receives the output of print sinks and console dumps.
	Stdout io.Writer
	// Collection receives the records of collect sinks.
	Collection *Collection
	// Records holds the records of memory sources with the raw parser, by
	// source name.
	Records map[string][]arrow.Record
}

// validate validates p and applies defaults.
func (p *Params) validate() {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Bucket == nil {
		p.Bucket = objstore.NewInMemBucket()
	}
	if p.Allocator == nil {
		p.Allocator = arrowmemory.NewGoAllocator()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if p.Stdout == nil {
		p.Stdout = os.Stdout
	}
	if p.Collection == nil {
		p.Collection = sinks.NewCollection()
	}
}

// Engine compiles and executes query plans. Compiled plans may be executed
// one at a time; an engine is safe for concurrent compilation.
type Engine struct {
	cfg        Config
	logger     log.Logger
	clock      quartz.Clock
	registerer prometheus.Registerer

	metrics       *metrics
	workerMetrics *worker.Metrics

	pool     *memory.Pool
	stages   *executor.Compiler
	runtime  *worker.Runtime
	executed chan struct{}
}

// New creates a new Engine.
func New(cfg Config, params Params) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params.validate()

	dumps, err := dumpBucket(cfg, params.Bucket)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     params.Logger,
		clock:      params.Clock,
		registerer: params.Registerer,

		metrics:       newMetrics(params.Registerer),
		workerMetrics: worker.NewMetrics(),

		pool:     memory.NewPool(params.Allocator, cfg.PageSize, cfg.MaxPages),
		stages:   executor.NewCompiler(params.Stdout, dumps, params.Logger),
		executed: make(chan struct{}, 1),
	}
	if err := e.workerMetrics.Register(params.Registerer); err != nil {
		return nil, fmt.Errorf("registering worker metrics: %w", err)
	}

	e.runtime, err = worker.New(worker.Config{
		Workers:            cfg.Workers,
		MaxInflightBuffers: cfg.MaxInflightBuffers,
		Pool:               e.pool,
		Allocator:          params.Allocator,
		Sources:            sources.NewRegistry(),
		SourceEnv: sources.Env{
			Bucket:     params.Bucket,
			Clock:      params.Clock,
			BufferSize: cfg.BufferSize,
			Records:    params.Records,
			Logger:     params.Logger,
		},
		Sinks: sinks.NewRegistry(),
		SinkEnv: sinks.Env{
			Stdout:     params.Stdout,
			Bucket:     params.Bucket,
			Collection: params.Collection,
			Logger:     params.Logger,
		},
		Clock:   params.Clock,
		Logger:  params.Logger,
		Metrics: e.workerMetrics,
	})
	if err != nil {
		e.workerMetrics.Unregister(params.Registerer)
		return nil, err
	}
	return e, nil
}

func dumpBucket(cfg Config, bucket objstore.Bucket) (objstore.Bucket, error) {
	if cfg.DumpDir == "" {
		return objstore.NewPrefixedBucket(bucket, "dumps"), nil
	}
	b, err := filesystem.NewBucket(cfg.DumpDir)
	if err != nil {
		return nil, fmt.Errorf("opening dump directory: %w", err)
	}
	return b, nil
}

// Close releases the buffer pool of the engine and unregisters its runtime
// metrics. Close must not be called while a plan is executing.
func (e *Engine) Close() {
	e.workerMetrics.Unregister(e.registerer)
	e.pool.Close()
}

// Compile lowers plan into an executable plan. Plans with an invalid shape
// are rejected with an error wrapping [ErrPlanShape]; plans with a stage
// that cannot be compiled with an error wrapping [ErrStageCompile].
func (e *Engine) Compile(ctx context.Context, plan *PipelinedQueryPlan) (*CompiledQueryPlan, error) {
	ctx, span := tracer.Start(ctx, "Engine.Compile", trace.WithAttributes(
		attribute.Stringer("query_id", plan.QueryID),
	))
	defer span.End()

	logger := log.With(e.logger, "query", plan.QueryID)
	startTime := e.clock.Now()

	if err := e.applyOverrides(plan); err != nil {
		e.metrics.queries.WithLabelValues(statusRejected).Inc()
		span.SetStatus(codes.Error, "invalid engine overrides")
		return nil, err
	}

	compiled, err := compiler.Lower(ctx, plan, e.stages, logger)
	if err != nil {
		status := statusFailure
		if errors.Is(err, ErrPlanShape) {
			status = statusRejected
		}
		e.metrics.queries.WithLabelValues(status).Inc()
		level.Warn(logger).Log("msg", "failed to compile plan", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compile plan")
		return nil, err
	}

	var formatters int
	for _, ep := range compiled.Pipelines {
		if ep.Formatter {
			formatters++
		}
	}
	duration := e.clock.Since(startTime)
	e.metrics.queries.WithLabelValues(statusSuccess).Inc()
	e.metrics.pipelines.Add(float64(len(compiled.Pipelines)))
	e.metrics.formatters.Add(float64(formatters))
	e.metrics.compileSeconds.Observe(duration.Seconds())

	span.SetAttributes(
		attribute.Int("pipelines", len(compiled.Pipelines)),
		attribute.Int("formatters", formatters),
		attribute.Int("sinks", len(compiled.Sinks)),
	)
	span.SetStatus(codes.Ok, "")
	level.Info(logger).Log(
		"msg", "finished compiling plan",
		"execution_mode", plan.ExecutionMode,
		"pipelines", len(compiled.Pipelines),
		"formatters", formatters,
		"sinks", len(compiled.Sinks),
		"duration", duration,
	)
	return compiled, nil
}

func (e *Engine) applyOverrides(plan *PipelinedQueryPlan) error {
	if e.cfg.ExecutionMode != "" {
		mode, err := pipeline.ParseExecutionMode(e.cfg.ExecutionMode)
		if err != nil {
			return err
		}
		plan.ExecutionMode = mode
	}
	if e.cfg.DumpMode != "" {
		mode, err := pipeline.ParseDumpMode(e.cfg.DumpMode)
		if err != nil {
			return err
		}
		plan.DumpMode = mode
	}
	return nil
}

// Execute runs a compiled plan until its sources are exhausted. Execute
// returns an error wrapping [ErrPrecondition] if another plan is executing.
func (e *Engine) Execute(ctx context.Context, plan *CompiledQueryPlan) (Stats, error) {
	select {
	case e.executed <- struct{}{}:
		defer func() { <-e.executed }()
	default:
		return Stats{}, fmt.Errorf("%w: engine is already executing a plan", ErrPrecondition)
	}

	executionID := ulid.Make()
	ctx, span := tracer.Start(ctx, "Engine.Execute", trace.WithAttributes(
		attribute.Stringer("query_id", plan.QueryID),
		attribute.Stringer("execution_id", executionID),
		attribute.Int("pipelines", len(plan.Pipelines)),
	))
	defer span.End()

	logger := log.With(e.logger, "query", plan.QueryID, "execution", executionID)
	level.Info(logger).Log("msg", "starting execution")

	stats, err := e.runtime.Execute(ctx, plan)
	e.metrics.executeSeconds.Observe(stats.Duration.Seconds())
	if err != nil {
		e.metrics.executions.WithLabelValues(statusFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		level.Error(logger).Log("msg", "execution failed", "err", err)
		return stats, err
	}

	e.metrics.executions.WithLabelValues(statusSuccess).Inc()
	span.SetAttributes(
		attribute.Int64("source_buffers", stats.SourceBuffers),
		attribute.Int64("sink_rows", stats.SinkRows),
	)
	span.SetStatus(codes.Ok, "")
	level.Info(logger).Log(
		"msg", "finished execution",
		"source_buffers", stats.SourceBuffers,
		"tasks", stats.Tasks,
		"sink_rows", stats.SinkRows,
		"encode_failures", stats.EncodeFailures,
		"late_records", stats.LateRecords,
		"duration", stats.Duration,
	)
	return stats, nil
}

// Run compiles and executes plan.
func (e *Engine) Run(ctx context.Context, plan *PipelinedQueryPlan) (Stats, error) {
	compiled, err := e.Compile(ctx, plan)
	if err != nil {
		return Stats{}, err
	}
	return e.Execute(ctx, compiled)
}
