package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/torfs-project/torfs/internal/config"
	"github.com/torfs-project/torfs/internal/input"
	"github.com/torfs-project/torfs/internal/relay"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Config    string
	Consensus string
	Workload  string
}

// FileCheck is the validation outcome for one input file.
type FileCheck struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"` // "config" | "consensus" | "workload"
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool        `json:"valid"`
	Files []FileCheck `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate input files without running",
		Long: `Validate configuration, consensus and workload files.

Performs schema validation and consistency checks without simulating.
When both a config and a consensus are given, the consensus is checked
with the config's adversary injected.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to run configuration")
	cmd.Flags().StringVar(&opts.Consensus, "consensus", "", "path to consensus file")
	cmd.Flags().StringVar(&opts.Workload, "workload", "", "path to workload file")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Config == "" && opts.Consensus == "" && opts.Workload == "" {
		return NewExitError(ExitCommandError, "nothing to validate: give --config, --consensus or --workload")
	}

	var result ValidationResult
	result.Valid = true

	adversary := relay.AdversarySpec{}
	if opts.Config != "" {
		check := FileCheck{Path: opts.Config, Kind: "config", Valid: true}
		cfg, err := config.Load(opts.Config)
		if err != nil {
			check.Valid = false
			check.Error = err.Error()
		} else {
			adversary = cfg.Adversary
		}
		result.Files = append(result.Files, check)
	}
	if opts.Consensus != "" {
		formatter.VerboseLog("Checking consensus %s", opts.Consensus)
		check := FileCheck{Path: opts.Consensus, Kind: "consensus", Valid: true}
		if _, err := input.LoadConsensus(opts.Consensus, adversary); err != nil {
			check.Valid = false
			check.Error = err.Error()
		}
		result.Files = append(result.Files, check)
	}
	if opts.Workload != "" {
		formatter.VerboseLog("Checking workload %s", opts.Workload)
		check := FileCheck{Path: opts.Workload, Kind: "workload", Valid: true}
		reqs, err := input.LoadWorkload(opts.Workload)
		if err != nil {
			check.Valid = false
			check.Error = err.Error()
		} else if len(reqs) > 0 {
			first, last := reqs[0].Start, reqs[0].Start
			for _, r := range reqs {
				if r.Start.Before(first) {
					first = r.Start
				}
				if r.Start.After(last) {
					last = r.Start
				}
			}
			formatter.VerboseLog("Workload: %d requests, %s .. %s",
				len(reqs), first.Format(time.RFC3339), last.Format(time.RFC3339))
		}
		result.Files = append(result.Files, check)
	}

	for _, check := range result.Files {
		if !check.Valid {
			result.Valid = false
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func outputValidateText(formatter *OutputFormatter, result ValidationResult) {
	w := formatter.Writer
	for _, check := range result.Files {
		if check.Valid {
			fmt.Fprintf(w, "ok   %s %s\n", check.Kind, check.Path)
		} else {
			fmt.Fprintf(w, "FAIL %s %s\n", check.Kind, check.Path)
			fmt.Fprintf(w, "     %s\n", check.Error)
		}
	}
}
