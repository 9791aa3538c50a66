package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern over names)
	Golden string // golden directory; empty skips snapshot comparison
	Update bool   // rewrite golden files instead of comparing
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against the engine",
		Long: `Run conformance scenarios using the harness.

Every .yaml file under the directory is a scenario: scripted concepts,
rules, a flow of invocations and assertions over the resulting trace.
With --golden, each trace is also compared to <golden>/<name>.golden;
--update rewrites those files instead.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, malformed scenarios, etc.)

Examples:
  cascade test ./scenarios
  cascade test ./scenarios --filter "demo_*"
  cascade test ./scenarios --golden ./golden --update
  cascade test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return outputCommandError(formatter, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.Update && opts.Golden == "" {
		return outputCommandError(formatter, ErrCodeInvalidFlag, "--update requires --golden")
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return outputCommandError(formatter, ErrCodeInvalidFlag, fmt.Sprintf("invalid filter pattern: %v", err))
		}
	}

	scenarios, err := harness.LoadScenarios(scenariosDir)
	if err != nil {
		return outputCommandError(formatter, ErrCodeScenario, err.Error())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := TestResult{Scenarios: []ScenarioResult{}}
	for _, s := range scenarios {
		if opts.Filter != "" {
			if ok, _ := filepath.Match(opts.Filter, s.Name); !ok {
				continue
			}
		}
		formatter.VerboseLog("Running scenario: %s", s.Name)
		opts.Logger.Debug("running scenario", "scenario", s.Name, "flow_steps", len(s.Flow))

		sr := opts.runScenario(ctx, s)
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if err := outputTestResult(formatter, result); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func (o *TestOptions) runScenario(ctx context.Context, s *harness.Scenario) ScenarioResult {
	sr := ScenarioResult{Name: s.Name}
	res, err := harness.Run(ctx, s)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Pass = res.Pass
	sr.Errors = res.Errors

	if o.Golden == "" {
		return sr
	}
	if err := o.checkGolden(s.Name, res); err != nil {
		sr.Pass = false
		sr.Errors = append(sr.Errors, err.Error())
	}
	return sr
}

// checkGolden compares the trace snapshot with its golden file, or writes
// the file when updating.
func (o *TestOptions) checkGolden(name string, res *harness.Result) error {
	snapshot, err := harness.Snapshot(name, res)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	path := filepath.Join(o.Golden, name+".golden")

	if o.Update {
		if err := os.MkdirAll(o.Golden, 0o755); err != nil {
			return fmt.Errorf("create golden directory: %w", err)
		}
		if err := os.WriteFile(path, snapshot, 0o644); err != nil {
			return fmt.Errorf("write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimRight(want, "\n"), snapshot) {
		return fmt.Errorf("trace differs from %s (rerun with --update to accept)", path)
	}
	return nil
}

func outputTestResult(formatter *OutputFormatter, result TestResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	for _, s := range result.Scenarios {
		if s.Pass {
			fmt.Fprintf(formatter.Writer, "✓ %s\n", s.Name)
			continue
		}
		fmt.Fprintf(formatter.Writer, "✗ %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(formatter.Writer, "    %s\n", e)
		}
	}
	fmt.Fprintf(formatter.Writer, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	return nil
}
