package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/faults"
	"github.com/swarmcoordd/swarmcoordd/pkg/lock"
	"github.com/swarmcoordd/swarmcoordd/pkg/lockstep"
	"github.com/swarmcoordd/swarmcoordd/pkg/quorum"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/swap"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarm"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarmstate"
	"github.com/swarmcoordd/swarmcoordd/pkg/version"
)

const (
	exitOK           = 0
	exitHalt         = 1
	exitUsage        = 64
	exitConfigError  = 65
	exitRuntimeError = 70
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "swap":
		return commandSwap(args[1:])
	case "barrier":
		return commandBarrier(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "status":
		return commandStatus(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: swarm-coordinator <command> [options]
Commands:
  run                Supervise the swarm consensus loop
  swap               Replace an active node via a warm-booted shadow
  barrier            Replay engine result pairs through the lockstep barrier
  validate-config    Validate the configuration file
  simulate           Run one dry-run cycle and print verdicts
  status             Display published coordinator status records
  version            Print build version
`)
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	cycles := fs.Int("cycles", 0, "run this many heartbeat cycles (0 uses the configured value)")
	intervalMs := fs.Int("interval-ms", 0, "override the heartbeat interval in milliseconds")
	reportsDir := fs.String("reports-dir", "", "override the reports directory")
	dryRun := fs.Bool("dry-run", false, "log the scram command instead of executing it")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *cycles > 0 {
		cfg.Swarm.MaxCycles = *cycles
	}
	if *intervalMs > 0 {
		cfg.Swarm.TickIntervalMs = *intervalMs
	}
	if *reportsDir != "" {
		cfg.ReportsDir = *reportsDir
	}
	if *dryRun {
		cfg.DryRun = true
	}

	model, err := faults.NewFromConfig(cfg.Swarm.FaultModel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct fault model: %v\n", err)
		return exitConfigError
	}

	latch := scram.NewLatch()
	reporter, collector := buildReporter(cfg, stderr)

	trackerOpts := []swarm.Option{swarm.WithReporter(reporter)}
	var validator *quorum.Validator
	if len(cfg.Quorum.Categories) > 0 {
		validator, err = quorum.NewValidator(cfg, latch, quorum.WithReporter(reporter))
		if err != nil {
			fmt.Fprintf(stderr, "failed to construct quorum validator: %v\n", err)
			return exitConfigError
		}
		trackerOpts = append(trackerOpts, swarm.WithCycleHook(func(ctx context.Context, _ swarm.Snapshot, nodes []swarm.NodeStatus) error {
			_, hookErr := validator.Validate(ctx, nodes)
			return hookErr
		}))
	}

	tracker, err := swarm.NewTracker(cfg, model, latch, trackerOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct consensus tracker: %v\n", err)
		return exitConfigError
	}

	publisher, closePublisher, err := buildStatusPublisher(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct status publisher: %v\n", err)
		return exitConfigError
	}
	defer closeQuietly(closePublisher, stderr, "close status publisher")

	if cfg.Metrics.Enabled {
		stopMetrics, metricsErr := startMetricsServer(cfg.Metrics.Listen, collector.Handler(), stderr)
		if metricsErr != nil {
			fmt.Fprintf(stderr, "failed to start metrics listener: %v\n", metricsErr)
			return exitRuntimeError
		}
		defer stopMetrics()
	}

	if err := tracker.Initialize(); err != nil {
		fmt.Fprintf(stderr, "failed to initialise node table: %v\n", err)
		return exitRuntimeError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var statusDone chan error
	if statusPublishingEnabled(cfg) {
		loop, loopErr := swarm.NewStatusPublisher(publisher, latch, cfg.StatusPublishInterval(),
			swarm.WithStatusPublisherErrorHandler(func(pubErr error) {
				fmt.Fprintf(stderr, "status publish error: %v\n", pubErr)
			}))
		if loopErr != nil {
			fmt.Fprintf(stderr, "failed to construct status publisher loop: %v\n", loopErr)
			return exitRuntimeError
		}
		statusDone = make(chan error, 1)
		go func() { statusDone <- loop.Run(ctx) }()
	}

	runErr := tracker.Run(ctx, 0, 0)

	// Stop the publishing loop before writing the final status record so the
	// record below is the last word.
	stop()
	if statusDone != nil {
		if waitErr := <-statusDone; waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			fmt.Fprintf(stderr, "status publisher stopped: %v\n", waitErr)
		}
	}

	halt, isHalt := scram.AsHalt(runErr)
	if isHalt {
		scram.RenderBanner(stderr, halt.Cause)
	}

	reportsOK := writeReport(cfg.ReportsDir, tracker.Report(), stdout, stderr)
	if validator != nil {
		reportsOK = writeReport(cfg.ReportsDir, validator.Report(), stdout, stderr) && reportsOK
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	switch {
	case isHalt:
		if pubErr := publisher.PublishHalted(pubCtx, string(halt.Cause.Code), halt.Cause.Message); pubErr != nil {
			fmt.Fprintf(stderr, "failed to publish halted status: %v\n", pubErr)
		}
		runScramCommand(cfg, halt.Cause, stdout, stderr)
		return exitHalt
	case runErr == nil:
		if pubErr := publisher.PublishStopped(pubCtx); pubErr != nil {
			fmt.Fprintf(stderr, "failed to publish stopped status: %v\n", pubErr)
		}
		fmt.Fprintf(stdout, "consensus maintained for %d cycles across %d nodes\n", len(tracker.History()), len(tracker.Nodes()))
		if !reportsOK {
			return exitRuntimeError
		}
		return exitOK
	case errors.Is(runErr, context.Canceled):
		if pubErr := publisher.PublishStopped(pubCtx); pubErr != nil {
			fmt.Fprintf(stderr, "failed to publish stopped status: %v\n", pubErr)
		}
		fmt.Fprintln(stdout, "interrupted; coordinator stopped")
		return exitOK
	default:
		fmt.Fprintf(stderr, "coordinator run failed: %v\n", runErr)
		return exitRuntimeError
	}
}

func commandSwap(args []string) int {
	return commandSwapWithWriters(args, os.Stdout, os.Stderr)
}

func commandSwapWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	nodeID := fs.String("node", "", "id of the active node to replace")
	reportsDir := fs.String("reports-dir", "", "override the reports directory")
	dryRun := fs.Bool("dry-run", false, "log the scram command instead of executing it")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*nodeID) == "" {
		fmt.Fprintln(stderr, "swap requires --node")
		fs.PrintDefaults()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *reportsDir != "" {
		cfg.ReportsDir = *reportsDir
	}
	if *dryRun {
		cfg.DryRun = true
	}

	latch := scram.NewLatch()
	reporter, _ := buildReporter(cfg, stderr)

	booter, err := buildBooter(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct booter: %v\n", err)
		return exitConfigError
	}

	locks, closeLocks, err := buildLockManager(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct swap lock manager: %v\n", err)
		return exitConfigError
	}
	defer closeQuietly(closeLocks, stderr, "close swap lock manager")

	cooldowns, closeCooldowns, err := buildCooldownManager(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct cooldown manager: %v\n", err)
		return exitConfigError
	}
	defer closeQuietly(closeCooldowns, stderr, "close cooldown manager")

	windowEval, err := buildWindowEvaluator(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to parse maintenance windows: %v\n", err)
		return exitConfigError
	}

	opts := []swap.Option{
		swap.WithReporter(reporter),
		swap.WithLockManager(locks),
	}
	if cooldowns != nil {
		opts = append(opts, swap.WithCooldownManager(cooldowns))
	}
	if windowEval != nil {
		opts = append(opts, swap.WithWindowEvaluator(windowEval))
	}

	orch, err := swap.NewOrchestrator(cfg, booter, latch, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct swap orchestrator: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, swapErr := orch.Replace(ctx, swap.NewActive(*nodeID, time.Now().UTC()).Clone())

	halt, isHalt := scram.AsHalt(swapErr)
	if isHalt {
		scram.RenderBanner(stderr, halt.Cause)
	}

	reportOK := writeReport(cfg.ReportsDir, orch.Report(), stdout, stderr)

	switch {
	case isHalt:
		runScramCommand(cfg, halt.Cause, stdout, stderr)
		return exitHalt
	case swapErr == nil:
		fmt.Fprintf(stdout, "node %s replaced by %s in %.1fms\n", report.OldNodeID, report.ShadowNodeID, report.TotalDurationMs)
		if !reportOK {
			return exitRuntimeError
		}
		return exitOK
	case errors.Is(swapErr, swap.ErrSwapWindowDenied), errors.Is(swapErr, swap.ErrCooldownActive), errors.Is(swapErr, lock.ErrNotAcquired):
		fmt.Fprintf(stderr, "swap rejected: %v\n", swapErr)
		return exitRuntimeError
	default:
		fmt.Fprintf(stderr, "swap failed: %v\n", swapErr)
		return exitRuntimeError
	}
}

func commandBarrier(args []string) int {
	return commandBarrierWithWriters(args, os.Stdin, os.Stdout, os.Stderr)
}

// barrierTick is one replayed line of paired engine results.
type barrierTick struct {
	TickID  int                   `json:"tick_id"`
	ResultA lockstep.EngineResult `json:"result_a"`
	ResultB lockstep.EngineResult `json:"result_b"`
}

func commandBarrierWithWriters(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("barrier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	inputPath := fs.String("input", "-", "JSON-lines file of engine result pairs (- for stdin)")
	reportsDir := fs.String("reports-dir", "", "override the reports directory")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *reportsDir != "" {
		cfg.ReportsDir = *reportsDir
	}

	latch := scram.NewLatch()
	reporter, _ := buildReporter(cfg, stderr)

	barrier, err := lockstep.NewBarrier(cfg, latch, lockstep.WithReporter(reporter))
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct lockstep barrier: %v\n", err)
		return exitConfigError
	}

	input := stdin
	if *inputPath != "" && *inputPath != "-" {
		file, openErr := os.Open(*inputPath)
		if openErr != nil {
			fmt.Fprintf(stderr, "failed to open input: %v\n", openErr)
			return exitRuntimeError
		}
		defer file.Close()
		input = file
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var haltErr *scram.HaltError
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var tick barrierTick
		if err := json.Unmarshal([]byte(text), &tick); err != nil {
			fmt.Fprintf(stderr, "parse input line %d: %v\n", line, err)
			return exitRuntimeError
		}
		if _, err := barrier.Validate(ctx, tick.TickID, tick.ResultA, tick.ResultB); err != nil {
			if halt, ok := scram.AsHalt(err); ok {
				haltErr = halt
				break
			}
			fmt.Fprintf(stderr, "input line %d: %v\n", line, err)
			return exitRuntimeError
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stderr, "read input: %v\n", err)
		return exitRuntimeError
	}

	if haltErr != nil {
		scram.RenderBanner(stderr, haltErr.Cause)
	}

	reportOK := writeReport(cfg.ReportsDir, barrier.Report(), stdout, stderr)
	if haltErr != nil {
		return exitHalt
	}

	stats := barrier.Statistics()
	fmt.Fprintf(stdout, "confirmed %d ticks (max skew %.3fms, mean %.3fms)\n",
		stats.TotalTicks, stats.MaxTimeDeltaMs, stats.MeanTimeDeltaMs)
	if !reportOK {
		return exitRuntimeError
	}
	return exitOK
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	model, err := faults.NewFromConfig(cfg.Swarm.FaultModel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct fault model: %v\n", err)
		return exitConfigError
	}

	tracker, err := swarm.NewTracker(cfg, model, scram.NewLatch())
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct consensus tracker: %v\n", err)
		return exitConfigError
	}
	if err := tracker.Initialize(); err != nil {
		fmt.Fprintf(stderr, "failed to initialise node table: %v\n", err)
		return exitRuntimeError
	}

	ctx := context.Background()
	snap, err := tracker.Tick(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "simulation tick failed: %v\n", err)
		return exitRuntimeError
	}

	faultModel := cfg.Swarm.FaultModel.Type
	if faultModel == "" {
		faultModel = "always-healthy"
	}

	fmt.Fprintf(stdout, "node %s configuration summary:\n", cfg.NodeName)
	fmt.Fprintf(stdout, "  fault model: %s\n", faultModel)
	fmt.Fprintf(stdout, "  etcd endpoints: %s\n", strings.Join(cfg.EtcdEndpoints, ", "))
	fmt.Fprintf(stdout, "  scram command: %s\n", strings.Join(cfg.ScramCommand, " "))
	fmt.Fprintln(stdout, "simulated cycle:")

	verdict := "VALID"
	if !snap.ConsensusValid {
		verdict = "INVALID"
	}
	fmt.Fprintf(stdout, "  swarm: %d/%d active (%.2f%%), max heartbeat latency %.2fms => consensus %s\n",
		snap.Active, snap.Total, snap.ActivePct, snap.HeartbeatLatencyMs, verdict)
	for _, violation := range snap.Violations {
		fmt.Fprintf(stdout, "    violation: %s\n", violation)
	}

	categoriesValid := true
	if len(cfg.Quorum.Categories) > 0 {
		// Fresh latch so the category verdicts are computed even when the
		// consensus cycle already failed.
		validator, vErr := quorum.NewValidator(cfg, scram.NewLatch())
		if vErr != nil {
			fmt.Fprintf(stderr, "failed to construct quorum validator: %v\n", vErr)
			return exitConfigError
		}
		qReport, qErr := validator.Validate(ctx, tracker.Nodes())
		if qErr != nil {
			if _, ok := scram.AsHalt(qErr); !ok {
				fmt.Fprintf(stderr, "category validation failed: %v\n", qErr)
				return exitRuntimeError
			}
		}
		categoriesValid = qReport.QuorumValid
		for _, cat := range qReport.Categories {
			status := "VALID"
			if !cat.QuorumValid {
				status = "INVALID"
			}
			fmt.Fprintf(stdout, "  category %s: %d/%d active (%.2f%%) => %s\n",
				cat.ClusterID, cat.Active, cat.Total, cat.HealthPct, status)
		}
		if len(qReport.Orphans) > 0 {
			fmt.Fprintf(stdout, "  orphans: %s\n", strings.Join(qReport.Orphans, ", "))
		}
	}

	if snap.ConsensusValid && categoriesValid {
		fmt.Fprintln(stdout, "verdict: PASS")
	} else {
		fmt.Fprintln(stdout, "verdict: WOULD HALT")
	}
	fmt.Fprintln(stdout, "no scram actions performed in simulation mode")
	return exitOK
}

func commandStatus(args []string) int {
	return commandStatusWithWriters(args, os.Stdout, os.Stderr)
}

func commandStatusWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if !statusPublishingEnabled(cfg) {
		fmt.Fprintln(stdout, "status publishing is disabled; set status.backend to enable fleet records")
		return exitOK
	}

	publisher, closePublisher, err := buildStatusPublisher(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct status publisher: %v\n", err)
		return exitConfigError
	}
	defer closeQuietly(closePublisher, stderr, "close status publisher")

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	records, err := publisher.Status(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "failed to read coordinator status: %v\n", err)
		return exitRuntimeError
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "no coordinator status records found")
		return exitOK
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s\t%s\t%s", rec.Coordinator, rec.Phase, rec.ReportedAt.UTC().Format(time.RFC3339))
		if rec.Phase == swarmstate.PhaseHalted {
			line += fmt.Sprintf("\t%s: %s", rec.Code, rec.Reason)
		}
		fmt.Fprintln(stdout, line)
	}
	return exitOK
}
