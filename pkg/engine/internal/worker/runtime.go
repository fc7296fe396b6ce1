// Package worker runs compiled query plans on a fixed pool of worker
// threads.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/buffer"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/compiler"
	nerrors "github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/executor"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/sinks"
	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/sources"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// Config configures a [Runtime].
type Config struct {
	// Workers is the number of worker threads.
	Workers int
	// MaxInflightBuffers bounds the number of source buffers being
	// processed at once. Sources block until earlier buffers are done.
	MaxInflightBuffers int

	Pool      *memory.Pool
	Allocator arrowmemory.Allocator

	Sources   *sources.Registry
	SourceEnv sources.Env
	Sinks     *sinks.Registry
	SinkEnv   sinks.Env

	Clock   quartz.Clock
	Logger  log.Logger
	Metrics *Metrics
}

// Stats summarizes one execution of a plan.
type Stats struct {
	SourceBuffers  int64
	Tasks          int64
	SinkRows       int64
	EncodeFailures int64
	LateRecords    int64
	Duration       time.Duration
}

// Runtime executes compiled plans.
type Runtime struct {
	cfg Config
}

// New returns a runtime. The pool is required; other fields of cfg have
// defaults.
func New(cfg Config) (*Runtime, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("%w: runtime requires a buffer pool", nerrors.ErrPrecondition)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxInflightBuffers <= 0 {
		cfg.MaxInflightBuffers = 4 * cfg.Workers
	}
	if cfg.Allocator == nil {
		cfg.Allocator = cfg.Pool.Allocator()
	}
	if cfg.Sources == nil {
		cfg.Sources = sources.NewRegistry()
	}
	if cfg.Sinks == nil {
		cfg.Sinks = sinks.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.SourceEnv.Clock == nil {
		cfg.SourceEnv.Clock = cfg.Clock
	}
	if cfg.SourceEnv.Logger == nil {
		cfg.SourceEnv.Logger = cfg.Logger
	}
	if cfg.SinkEnv.Logger == nil {
		cfg.SinkEnv.Logger = cfg.Logger
	}
	return &Runtime{cfg: cfg}, nil
}

// Execute runs plan until all of its sources are exhausted, then stops its
// pipelines in topological order and closes its sinks.
//
// The first failure cancels the run. Execute returns once every worker
// thread and source loop has exited and every buffer has been released.
func (r *Runtime) Execute(ctx context.Context, plan *compiler.CompiledQueryPlan) (Stats, error) {
	e := r.newExecution(plan)
	startTime := r.cfg.Clock.Now()

	err := e.run(ctx)

	stats := e.stats()
	stats.Duration = r.cfg.Clock.Since(startTime)

	m := r.cfg.Metrics
	m.pagesInUse.Set(float64(r.cfg.Pool.InUse()))
	m.encodeFailuresTotal.Add(float64(stats.EncodeFailures))
	m.lateRecordsTotal.Add(float64(stats.LateRecords))
	if err != nil {
		m.runsTotal.WithLabelValues("failed").Inc()
		level.Warn(e.logger).Log("msg", "execution failed", "duration", stats.Duration, "err", err)
		return stats, err
	}
	m.runsTotal.WithLabelValues("completed").Inc()
	level.Info(e.logger).Log("msg", "execution completed", "duration", stats.Duration, "source_buffers", stats.SourceBuffers, "tasks", stats.Tasks, "sink_rows", stats.SinkRows)
	return stats, nil
}

// node is the runtime state of an executable pipeline.
type node struct {
	ep         *compiler.ExecutablePipeline
	pctx       *executor.PipelineContext
	successors []*node
	sinks      []*sinkNode

	// thread is the pinned thread, or -1.
	thread int

	started, stopped bool
	buffers          atomic.Int64
}

type sinkNode struct {
	sink   *compiler.Sink
	schema *arrow.Schema
	conn   sinks.Sink

	mu   sync.Mutex
	rows int64
}

func (s *sinkNode) write(ctx context.Context, rec arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.Write(ctx, rec); err != nil {
		return fmt.Errorf("writing to sink %s: %w", s.sink.Descriptor.Name, err)
	}
	s.rows += rec.NumRows()
	return nil
}

type sourceNode struct {
	binding *compiler.SourceBinding
	conn    sources.Source
	targets []*node
	sinks   []*sinkNode
	buffers atomic.Int64
}

type execution struct {
	cfg    Config
	plan   *compiler.CompiledQueryPlan
	logger log.Logger

	nodes   []*node
	sinks   []*sinkNode
	sources []*sourceNode
	threads []*thread

	tracker  *tracker
	inflight *semaphore.Weighted
	next     atomic.Uint64

	// discard drops emitted buffers once the run has failed.
	discard atomic.Bool

	encodeFailures atomic.Int64
	lateRecords    atomic.Int64
}

func (r *Runtime) newExecution(plan *compiler.CompiledQueryPlan) *execution {
	cfg := r.cfg
	e := &execution{
		cfg:      cfg,
		plan:     plan,
		logger:   log.With(cfg.Logger, "query", plan.QueryID),
		tracker:  newTracker(),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInflightBuffers)),
	}

	for i := range cfg.Workers {
		e.threads = append(e.threads, newThread(i, e.logger, cfg.Metrics, cfg.Clock))
	}

	sinksByID := make(map[*compiler.Sink]*sinkNode, len(plan.Sinks))
	for _, s := range plan.Sinks {
		sn := &sinkNode{sink: s}
		sinksByID[s] = sn
		e.sinks = append(e.sinks, sn)
	}

	pinned := assignThreads(plan, cfg.Workers)
	nodes := make(map[*compiler.ExecutablePipeline]*node, len(plan.Pipelines))
	for _, ep := range plan.Pipelines {
		n := &node{ep: ep, thread: -1}
		if idx, ok := pinned[ep]; ok {
			n.thread = idx
		}
		n.pctx = &executor.PipelineContext{
			PipelineID:     ep.ID,
			Workers:        cfg.Workers,
			Inputs:         plan.Inputs(ep),
			Pool:           cfg.Pool,
			Allocator:      cfg.Allocator,
			Logger:         log.With(e.logger, "pipeline", ep),
			Emit:           e.emitter(n),
			EncodeFailures: &e.encodeFailures,
			LateRecords:    &e.lateRecords,
		}
		for _, s := range plan.SinksOf(ep) {
			n.sinks = append(n.sinks, sinksByID[s])
		}
		nodes[ep] = n
		e.nodes = append(e.nodes, n)
	}
	for _, n := range e.nodes {
		for _, succ := range n.ep.Successors {
			n.successors = append(n.successors, nodes[succ])
		}
	}

	for _, b := range plan.Sources {
		sn := &sourceNode{binding: b}
		for _, t := range b.Targets {
			sn.targets = append(sn.targets, nodes[t])
		}
		for _, s := range b.Sinks {
			sn.sinks = append(sn.sinks, sinksByID[s])
		}
		e.sources = append(e.sources, sn)
	}
	return e
}

func (e *execution) run(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "starting execution", "pipelines", len(e.nodes), "sinks", len(e.sinks), "sources", len(e.sources), "workers", len(e.threads))

	if err := e.open(ctx); err != nil {
		e.abort(ctx)
		return errors.Join(err, e.close(ctx))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range e.threads {
		g.Go(func() error { return t.Run(gctx) })
	}
	g.Go(func() error {
		var sg errgroup.Group
		for _, s := range e.sources {
			sg.Go(func() error { return e.runSource(gctx, s) })
		}
		if err := sg.Wait(); err != nil {
			return err
		}
		return e.drain(gctx)
	})

	err := g.Wait()
	if err != nil {
		e.abort(ctx)
	}
	return errors.Join(err, e.close(ctx))
}

// open creates and opens all connectors and starts all stages.
func (e *execution) open(ctx context.Context) error {
	for _, s := range e.sinks {
		schema, err := e.sinkSchema(s.sink)
		if err != nil {
			return err
		}
		s.schema = schema
		conn, err := e.cfg.Sinks.Create(s.sink.Descriptor, schema, e.cfg.SinkEnv)
		if err != nil {
			return fmt.Errorf("creating sink %s: %w", s.sink.Descriptor.Name, err)
		}
		s.conn = conn
		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("opening sink %s: %w", s.sink.Descriptor.Name, err)
		}
	}

	for _, n := range e.nodes {
		if err := n.ep.Stage.Start(ctx, n.pctx); err != nil {
			return fmt.Errorf("starting %s: %w", n.ep, err)
		}
		n.started = true
	}

	for _, s := range e.sources {
		desc := s.binding.Descriptor
		conn, err := e.cfg.Sources.Create(desc, e.cfg.SourceEnv)
		if err != nil {
			return fmt.Errorf("creating source %s: %w", desc.Name, err)
		}
		s.conn = conn
		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("opening source %s: %w", desc.Name, err)
		}
	}
	return nil
}

// sinkSchema returns the schema of the records reaching s. All
// predecessors of a sink produce the same schema.
func (e *execution) sinkSchema(s *compiler.Sink) (*arrow.Schema, error) {
	if len(s.Predecessors) == 0 {
		return nil, fmt.Errorf("%w: sink %s has no predecessors", nerrors.ErrPlanShape, s.Descriptor.Name)
	}
	pred := s.Predecessors[0]
	if !pred.IsSource() {
		return pred.Pipeline.Stage.OutputSchema(), nil
	}
	for _, b := range e.plan.Sources {
		if b.OriginID == pred.Origin {
			return b.Descriptor.ArrowSchema()
		}
	}
	return nil, fmt.Errorf("%w: sink %s is fed by unknown %s", nerrors.ErrPlanShape, s.Descriptor.Name, pred.Origin)
}

// runSource reads s until it is exhausted and dispatches every buffer to
// its targets. The exhausted source is marked by an empty last buffer.
func (e *execution) runSource(ctx context.Context, s *sourceNode) error {
	desc := s.binding.Descriptor
	logger := log.With(e.logger, "source", desc.Name, "origin", s.binding.OriginID)
	level.Debug(logger).Log("msg", "source started")

	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.inflight.Acquire(ctx, 1); err != nil {
			return err
		}

		buf, err := s.conn.Read(ctx, e.cfg.Pool)
		if errors.Is(err, io.EOF) {
			buf = buffer.TupleBuffer{Last: true}
		} else if err != nil {
			e.inflight.Release(1)
			return fmt.Errorf("reading source %s: %w", desc.Name, err)
		}

		seq++
		buf.Origin, buf.Sequence, buf.Producer = s.binding.OriginID, seq, 0
		s.buffers.Inc()
		e.cfg.Metrics.sourceBuffersTotal.Inc()

		adm := newAdmission(func() { e.inflight.Release(1) })
		err = e.dispatch(ctx, s.targets, s.sinks, buf, adm)
		adm.done()
		if err != nil {
			return err
		}

		if buf.Last {
			level.Debug(logger).Log("msg", "source exhausted", "buffers", seq)
			return nil
		}
	}
}

// drain waits for all buffers of the sources to be processed, then stops
// pipelines so that every pipeline is stopped after its predecessors and
// their flushed output has been processed.
func (e *execution) drain(ctx context.Context) error {
	if err := e.tracker.wait(ctx); err != nil {
		return err
	}
	for _, n := range e.nodes {
		if err := n.ep.Stage.Stop(ctx, n.pctx); err != nil {
			return fmt.Errorf("stopping %s: %w", n.ep, err)
		}
		n.stopped = true
		level.Debug(e.logger).Log("msg", "pipeline stopped", "pipeline", n.ep, "buffers", n.buffers.Load())

		if err := e.tracker.wait(ctx); err != nil {
			return err
		}
	}
	for _, t := range e.threads {
		t.queue.close()
	}
	return nil
}

// abort releases the queued buffers of a failed run and stops the
// remaining stages, discarding their output.
func (e *execution) abort(ctx context.Context) {
	e.discard.Store(true)
	for _, t := range e.threads {
		for _, tk := range t.queue.drain() {
			tk.finish()
		}
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range e.nodes {
		if !n.started || n.stopped {
			continue
		}
		if err := n.ep.Stage.Stop(ctx, n.pctx); err != nil {
			level.Warn(e.logger).Log("msg", "failed to stop pipeline", "pipeline", n.ep, "err", err)
		}
		n.stopped = true
	}
}

// close closes all sinks, then all sources.
func (e *execution) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	conns := make([]sinks.Sink, 0, len(e.sinks))
	for _, s := range e.sinks {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	errs := multierror.New()
	errs.Add(sinks.CloseAll(ctx, conns...))
	for _, s := range e.sources {
		if s.conn != nil {
			errs.Add(s.conn.Close())
		}
	}
	return errs.Err()
}

func (e *execution) emitter(n *node) executor.EmitFunc {
	return func(ctx context.Context, buf buffer.TupleBuffer) error {
		buf.Producer = n.ep.ID
		return e.dispatch(ctx, n.successors, n.sinks, buf, admissionFrom(ctx))
	}
}

// dispatch hands buf to sinks and queues a task for every target. It takes
// over the reference of the caller. Sinks never receive empty records.
func (e *execution) dispatch(ctx context.Context, targets []*node, outputs []*sinkNode, buf buffer.TupleBuffer, adm *admission) error {
	defer buf.Release()

	if e.discard.Load() {
		return nil
	}

	if rows := buf.NumRows(); rows > 0 {
		for _, s := range outputs {
			if err := s.write(ctx, buf.Record); err != nil {
				return err
			}
		}
		e.cfg.Metrics.sinkRowsTotal.Add(float64(rows * len(outputs)))
	}

	for _, n := range targets {
		buf.Retain()
		e.enqueue(task{node: n, buf: buf, admission: adm, tracker: e.tracker})
	}
	return nil
}

func (e *execution) enqueue(tk task) {
	tk.admission.add()
	tk.tracker.add()

	idx := tk.node.thread
	if idx < 0 {
		idx = int(e.next.Inc() % uint64(len(e.threads)))
	}
	if !e.threads[idx].queue.push(tk) {
		tk.finish()
	}
}

func (e *execution) stats() Stats {
	var stats Stats
	for _, s := range e.sources {
		stats.SourceBuffers += s.buffers.Load()
	}
	for _, n := range e.nodes {
		stats.Tasks += n.buffers.Load()
	}
	for _, s := range e.sinks {
		stats.SinkRows += s.rows
	}
	stats.EncodeFailures = e.encodeFailures.Load()
	stats.LateRecords = e.lateRecords.Load()
	return stats
}
