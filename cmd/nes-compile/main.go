// Command nes-compile compiles and runs pipelined stream query plans.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func main() {
	app := kingpin.New("nes-compile", "Compiles and runs pipelined stream query plans.")
	app.HelpFlag.Short('h')

	var g globals
	app.Flag("log.level", "Only log messages with the given severity or above.").
		Default("warn").EnumVar(&g.logLevel, "debug", "info", "warn", "error")
	app.Flag("execution-mode", "Overrides the execution mode of the plan: compiled or interpreted.").
		StringVar(&g.executionMode)
	app.Flag("dump-mode", "Overrides the dump mode of the plan: none, console, file or both.").
		StringVar(&g.dumpMode)
	app.Flag("dump-dir", "Directory receiving stage dumps of the file dump mode.").
		StringVar(&g.dumpDir)
	app.Flag("workers", "Number of worker threads.").
		Default("4").IntVar(&g.workers)
	app.Flag("page-size", "Size of buffer pool pages, such as 64KiB.").
		Default("64KiB").StringVar(&g.pageSize)

	compile := &compileCommand{globals: &g}
	compileCmd := app.Command("compile", "Compile a plan and print its executable pipelines.").Action(compile.run)
	compile.plan = compileCmd.Arg("plan", "Plan file.").Required().ExistingFile()

	run := &runCommand{globals: &g}
	runCmd := app.Command("run", "Compile and execute a plan.").Action(run.run)
	run.plan = runCmd.Arg("plan", "Plan file.").Required().ExistingFile()
	run.bucketDir = runCmd.Flag("bucket.dir", "Directory holding the objects of file sources and sinks.").Required().String()
	run.bufferSize = runCmd.Flag("buffer-size", "Number of bytes sources read per buffer, such as 4KiB. Defaults to the page size.").String()
	run.maxInflight = runCmd.Flag("max-inflight-buffers", "Maximum number of source buffers processed at once. 0 means four per worker.").Default("0").Int()

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(lvl, level.WarnValue())))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func exitWithErr(err error) {
	fmt.Fprintf(os.Stderr, "nes-compile: %v\n", err)
	os.Exit(1)
}
