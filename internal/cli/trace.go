package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/torfs-project/torfs/internal/trace"
)

// TraceOptions holds flags for the trace command and its subcommands.
type TraceOptions struct {
	*RootOptions
	Database string
	User     int64 // -1 means all users
}

// TraceStats is the stats subcommand's output payload.
type TraceStats struct {
	RunID            string `json:"run_id"`
	Events           int64  `json:"events"`
	Users            int64  `json:"users"`
	StreamsCompleted int64  `json:"streams_completed"`
	StreamsFailed    int64  `json:"streams_failed"`
	CircuitsOpened   int64  `json:"circuits_opened"`
	CircuitsFailed   int64  `json:"circuits_failed"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query stored traces",
		Long: `Query runs stored in a trace database.

Examples:
  torfs trace runs --db ./trace.db
  torfs trace stats --db ./trace.db 018f2f9a-...
  torfs trace show --db ./trace.db 018f2f9a-... --user 3`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newTraceRunsCommand(opts))
	cmd.AddCommand(newTraceStatsCommand(opts))
	cmd.AddCommand(newTraceShowCommand(opts))

	return cmd
}

func newTraceRunsCommand(opts *TraceOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "runs",
		Short:         "List stored runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceRuns(opts, cmd)
		},
	}
}

func newTraceStatsCommand(opts *TraceOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats <run-id>",
		Short:         "Summarize one run",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceStats(opts, args[0], cmd)
		},
	}
}

func newTraceShowCommand(opts *TraceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "show <run-id>",
		Short:         "Print a run's events",
		Long:          "Print a run's events, one canonical JSON object per line.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceShow(opts, args[0], cmd)
		},
	}
	cmd.Flags().Int64Var(&opts.User, "user", -1, "restrict to one user's timeline")
	return cmd
}

func openTraceStore(opts *TraceOptions) (*trace.Store, error) {
	st, err := trace.OpenStore(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open trace database", err)
	}
	return st, nil
}

func runTraceRuns(opts *TraceOptions, cmd *cobra.Command) error {
	st, err := openTraceStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.Runs(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return formatter.Success(map[string]any{"runs": ids})
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "(no runs)")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runTraceStats(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	st, err := openTraceStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stats", err)
	}
	if stats.Events == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s has no events", runID))
	}

	result := TraceStats{
		RunID:            runID,
		Events:           stats.Events,
		Users:            stats.Users,
		StreamsCompleted: stats.StreamsOK,
		StreamsFailed:    stats.StreamsFailed,
		CircuitsOpened:   stats.CircuitsOpen,
		CircuitsFailed:   stats.CircuitsFail,
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	fmt.Fprintf(w, "Events:            %d\n", result.Events)
	fmt.Fprintf(w, "Users:             %d\n", result.Users)
	fmt.Fprintf(w, "Streams completed: %d\n", result.StreamsCompleted)
	fmt.Fprintf(w, "Streams failed:    %d\n", result.StreamsFailed)
	fmt.Fprintf(w, "Circuits opened:   %d\n", result.CircuitsOpened)
	fmt.Fprintf(w, "Circuits failed:   %d\n", result.CircuitsFailed)
	return nil
}

func runTraceShow(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	st, err := openTraceStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	var events []trace.Event
	if opts.User >= 0 {
		events, err = st.ReadUser(ctx, runID, uint64(opts.User))
	} else {
		events, err = st.ReadRun(ctx, runID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	if len(events) == 0 {
		return NewExitError(ExitCommandError, "no events for run "+runID+userSuffix(opts.User))
	}

	out, err := trace.MarshalTrace(events)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode trace", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func userSuffix(user int64) string {
	if user < 0 {
		return ""
	}
	return " user " + strconv.FormatInt(user, 10)
}
