package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torfs-project/torfs/internal/config"
	"github.com/torfs-project/torfs/internal/input"
	"github.com/torfs-project/torfs/internal/sim"
	"github.com/torfs-project/torfs/internal/trace"
	"github.com/torfs-project/torfs/internal/workload"
)

// defaultRedisStream receives trace events when the config names a Redis
// address without a stream.
const defaultRedisStream = "torfs:trace"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config    string
	Consensus string
	Workload  string

	// Synthetic workload knobs, used when no workload file is given.
	Users    int
	Start    string
	Duration time.Duration
	MaxWait  time.Duration
}

// RunResult is the run command's output payload.
type RunResult struct {
	RunID            string `json:"run_id,omitempty"`
	Events           int    `json:"events"`
	Users            int    `json:"users"`
	StreamsCompleted int    `json:"streams_completed"`
	StreamsFailed    int    `json:"streams_failed"`
	CircuitsOpened   int    `json:"circuits_opened"`
	CircuitsFailed   int    `json:"circuits_failed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a workload against a consensus",
		Long: `Simulate client circuit and stream scheduling for a workload.

The workload comes from a file (--workload) or is generated synthetically
(--users, --start, --duration). Trace outputs are configured in the run
configuration's sinks section.

Example:
  torfs run --config run.yaml --consensus consensus.yaml --workload streams.yaml
  torfs run --config run.yaml --consensus consensus.yaml --users 50 --start 2023-04-01T00:00:00Z --duration 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to run configuration (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&opts.Consensus, "consensus", "", "path to consensus file (required)")
	_ = cmd.MarkFlagRequired("consensus")
	cmd.Flags().StringVar(&opts.Workload, "workload", "", "path to workload file")
	cmd.Flags().IntVar(&opts.Users, "users", 10, "synthetic workload: number of users")
	cmd.Flags().StringVar(&opts.Start, "start", "", "synthetic workload: start time (RFC 3339)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 30*24*time.Hour, "synthetic workload: horizon")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", 3*24*time.Hour, "synthetic workload: max gap between a user's requests")

	return cmd
}

func runSimulation(opts *RunOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	log := slog.New(handler)

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	params, err := cfg.Params()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	log.Info("loading consensus", "path", opts.Consensus)
	reg, err := input.LoadConsensus(opts.Consensus, cfg.Adversary)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load consensus", err)
	}

	reqs, err := loadRequests(opts, params.Seed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build workload", err)
	}
	formatter.VerboseLog("Workload: %d stream requests", len(reqs))

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, aborting run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sink, runID, err := buildSinks(ctx, cfg, params, countUsers(reqs))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open sinks", err)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			log.Error("error closing sinks", "error", closeErr)
		}
	}()

	eng, err := sim.New(params, reg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	sum, err := eng.Run(ctx, reqs, sink)
	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}

	result := RunResult{
		RunID:            runID,
		Events:           sum.Events,
		Users:            sum.Users,
		StreamsCompleted: sum.StreamsCompleted,
		StreamsFailed:    sum.StreamsFailed,
		CircuitsOpened:   sum.CircuitsOpened,
		CircuitsFailed:   sum.CircuitsFailed,
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return outputRunText(formatter, result)
}

// loadRequests reads the workload file, or generates a synthetic workload
// when no file was given.
func loadRequests(opts *RunOptions, seed uint64) ([]sim.Request, error) {
	if opts.Workload != "" {
		return input.LoadWorkload(opts.Workload)
	}
	if opts.Start == "" {
		return nil, fmt.Errorf("either --workload or --start is required")
	}
	start, err := time.Parse(time.RFC3339, opts.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid --start: %w", err)
	}

	spec := workload.DefaultSpec()
	spec.Seed = seed
	spec.Users = opts.Users
	spec.Start = start.UTC()
	spec.Duration = opts.Duration
	spec.MaxWait = opts.MaxWait
	return workload.Generate(spec)
}

// buildSinks assembles the configured trace outputs. A run without sinks
// still simulates; the summary is the only output then.
func buildSinks(ctx context.Context, cfg config.Config, params sim.Params, users int) (*trace.MultiSink, string, error) {
	var sinks []trace.Sink
	var runID string

	if cfg.Sinks.SQLite != "" {
		st, err := trace.OpenStore(cfg.Sinks.SQLite)
		if err != nil {
			return nil, "", err
		}
		runID, err = st.BeginRun(ctx, params.Seed, users, params.Shards)
		if err != nil {
			st.Close()
			return nil, "", err
		}
		sinks = append(sinks, st)
	}
	if cfg.Sinks.CSV != "" {
		f, err := os.Create(cfg.Sinks.CSV)
		if err != nil {
			return nil, "", fmt.Errorf("create csv output: %w", err)
		}
		// Cells traverse guard, middle and exit before reaching the client.
		cs, err := trace.NewCSVSink(f, 3*params.HopLatency)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		sinks = append(sinks, cs)
	}
	if cfg.Sinks.Pcap != "" {
		f, err := os.Create(cfg.Sinks.Pcap)
		if err != nil {
			return nil, "", fmt.Errorf("create pcap output: %w", err)
		}
		ps, err := trace.NewPcapSink(f)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		sinks = append(sinks, ps)
	}
	if cfg.Sinks.RedisAddr != "" {
		stream := cfg.Sinks.RedisStream
		if stream == "" {
			stream = defaultRedisStream
		}
		rs, err := trace.NewRedisSink(ctx, cfg.Sinks.RedisAddr, stream)
		if err != nil {
			return nil, "", err
		}
		sinks = append(sinks, rs)
	}

	return trace.NewMultiSink(sinks...), runID, nil
}

func countUsers(reqs []sim.Request) int {
	seen := map[uint64]struct{}{}
	for _, r := range reqs {
		seen[r.User] = struct{}{}
	}
	return len(seen)
}

func outputRunText(formatter *OutputFormatter, result RunResult) error {
	w := formatter.Writer
	if result.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", result.RunID)
	}
	fmt.Fprintf(w, "Events:            %d\n", result.Events)
	fmt.Fprintf(w, "Users:             %d\n", result.Users)
	fmt.Fprintf(w, "Streams completed: %d\n", result.StreamsCompleted)
	fmt.Fprintf(w, "Streams failed:    %d\n", result.StreamsFailed)
	fmt.Fprintf(w, "Circuits opened:   %d\n", result.CircuitsOpened)
	fmt.Fprintf(w, "Circuits failed:   %d\n", result.CircuitsFailed)
	return nil
}
