package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/rulegraph"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled rules and the dependency cycles
// among them.
type CompilationResult struct {
	Version string            `json:"version"`
	Rules   []ir.SyncRule     `json:"rules"`
	Cycles  []rulegraph.Cycle `json:"cycles"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <rules-dir>",
		Short: "Compile CUE rulebooks to JSON",
		Long: `Compile the CUE rulebooks of a directory into sync rules.

All .cue files are unified into one rulebook. The compiled rules are
printed with the dependency cycles among them; cycles are reported but
never rejected.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := LoadRules(rulesDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, rulesDir)

	result := &CompilationResult{
		Version: ir.RuleFormatVersion,
		Rules:   loaded.Rules,
		Cycles:  []rulegraph.Cycle{},
	}
	graph := rulegraph.New()
	for _, rule := range loaded.Rules {
		formatter.VerboseLog("Compiled rule: %s", rule.Name)
		result.Cycles = append(result.Cycles, graph.Add(rule)...)
	}

	if opts.Output != "" {
		if err := writeJSONFile(opts.Output, result); err != nil {
			return outputCommandError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %d rule(s)\n\n", len(result.Rules))
	fmt.Fprintln(formatter.Writer, "Rules:")
	for _, rule := range result.Rules {
		fmt.Fprintf(formatter.Writer, "  %s: %s → %s\n", rule.Name, patternKeys(rule), invocationKeys(rule))
	}
	if len(result.Cycles) > 0 {
		fmt.Fprintln(formatter.Writer)
		fmt.Fprintln(formatter.Writer, "Cycles:")
		for _, c := range result.Cycles {
			fmt.Fprintf(formatter.Writer, "  %s\n", c.Message)
		}
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "\nWrote compiled rules to %s\n", opts.Output)
	}
	return nil
}

func patternKeys(rule ir.SyncRule) string {
	keys := make([]string, len(rule.When))
	for i, p := range rule.When {
		keys[i] = p.Key().String()
		if p.Case != "" {
			keys[i] += "[" + string(p.Case) + "]"
		}
	}
	return strings.Join(keys, ", ")
}

func invocationKeys(rule ir.SyncRule) string {
	keys := make([]string, len(rule.Then))
	for i, inv := range rule.Then {
		keys[i] = inv.Key().String()
	}
	return strings.Join(keys, ", ")
}

// writeJSONFile writes v as indented JSON.
func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	formatter := &OutputFormatter{Format: "json", Writer: f}
	if err := formatter.encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// outputLoadError reports a LoadRules failure. Load failures are command
// errors (exit code 2).
func outputLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		details := any(nil)
		if loadErr.Pos.IsValid() {
			details = map[string]any{
				"file":   loadErr.Pos.Filename(),
				"line":   loadErr.Pos.Line(),
				"column": loadErr.Pos.Column(),
			}
		}
		_ = formatter.Error(loadErr.Code, loadErr.Message, details)
		return WrapExitError(ExitCommandError, loadErr.Code, loadErr)
	}
	return outputCommandError(formatter, ErrCodeGeneric, err.Error())
}

// outputCommandError outputs a single error and returns exit code 2.
func outputCommandError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
