package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/marianaGarcez/nebulastream/pkg/engine"
)

// globals holds the flags shared by all commands.
type globals struct {
	logLevel      string
	executionMode string
	dumpMode      string
	dumpDir       string
	workers       int
	pageSize      string
}

func (g *globals) config() (engine.Config, error) {
	pageSize, err := humanize.ParseBytes(g.pageSize)
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid page size: %w", err)
	}
	return engine.Config{
		Workers:       g.workers,
		PageSize:      int(pageSize),
		ExecutionMode: g.executionMode,
		DumpMode:      g.dumpMode,
		DumpDir:       g.dumpDir,
	}, nil
}

func loadPlan(name string) (*engine.PipelinedQueryPlan, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer func() { _ = f.Close() }()
	return engine.LoadPlan(f)
}

// compileCommand compiles a plan and prints the compiled pipelines.
type compileCommand struct {
	*globals
	plan *string
}

func (cmd *compileCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := cmd.config()
	if err != nil {
		exitWithErr(err)
	}
	plan, err := loadPlan(*cmd.plan)
	if err != nil {
		exitWithErr(err)
	}

	e, err := engine.New(cfg, engine.Params{Logger: newLogger(cmd.logLevel), Stdout: os.Stdout})
	if err != nil {
		exitWithErr(fmt.Errorf("failed to create engine: %w", err))
	}
	defer e.Close()

	compiled, err := e.Compile(context.Background(), plan)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to compile plan: %w", err))
	}

	bold := color.New(color.Bold)
	bold.Printf("Query %s: %d pipelines, %d sinks, execution mode %s\n",
		compiled.QueryID, len(compiled.Pipelines), len(compiled.Sinks), plan.ExecutionMode)
	return engine.PrintPlan(os.Stdout, compiled)
}

// runCommand compiles and executes a plan against a directory bucket.
type runCommand struct {
	*globals
	plan        *string
	bucketDir   *string
	bufferSize  *string
	maxInflight *int
}

func (cmd *runCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := cmd.config()
	if err != nil {
		exitWithErr(err)
	}
	if *cmd.bufferSize != "" {
		size, err := humanize.ParseBytes(*cmd.bufferSize)
		if err != nil {
			exitWithErr(fmt.Errorf("invalid buffer size: %w", err))
		}
		cfg.BufferSize = int(size)
	}
	cfg.MaxInflightBuffers = *cmd.maxInflight

	plan, err := loadPlan(*cmd.plan)
	if err != nil {
		exitWithErr(err)
	}

	bucket, err := filesystem.NewBucket(*cmd.bucketDir)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to open bucket: %w", err))
	}
	defer func() { _ = bucket.Close() }()

	logger := newLogger(cmd.logLevel)
	e, err := engine.New(cfg, engine.Params{Logger: logger, Bucket: bucket})
	if err != nil {
		exitWithErr(fmt.Errorf("failed to create engine: %w", err))
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stats, err := e.Run(ctx, plan)
	if err != nil {
		level.Error(logger).Log("msg", "run failed", "err", err)
		exitWithErr(err)
	}

	bold := color.New(color.Bold)
	bold.Println("Execution:")
	fmt.Printf("\tsource buffers: %s, tasks: %s, rows written: %s\n",
		humanize.Comma(stats.SourceBuffers),
		humanize.Comma(stats.Tasks),
		humanize.Comma(stats.SinkRows),
	)
	fmt.Printf("\tencode failures: %s, late records: %s, page size: %s, duration: %v\n",
		humanize.Comma(stats.EncodeFailures),
		humanize.Comma(stats.LateRecords),
		humanize.IBytes(uint64(cfg.PageSize)),
		stats.Duration,
	)
	return nil
}
