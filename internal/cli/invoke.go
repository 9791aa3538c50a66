package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/ir"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	FlowID   string
	RulesDir string
}

// InvokeStep is one requested invocation of the command line.
type InvokeStep struct {
	Concept string      `json:"concept"`
	Action  string      `json:"action"`
	Input   ir.IRObject `json:"input"`
}

// StepResult is the outcome of one requested invocation.
type StepResult struct {
	Action   string          `json:"action"`
	RecordID string          `json:"record_id,omitempty"`
	Status   ir.Status       `json:"status,omitempty"`
	Output   ir.IRObject     `json:"output,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`
	Error    *ir.RecordError `json:"error,omitempty"`
}

// InvokeResult holds every step outcome and the resulting flow.
type InvokeResult struct {
	FlowID  string            `json:"flow_id"`
	Steps   []StepResult      `json:"steps"`
	Records []ir.ActionRecord `json:"records"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <Concept.action> [input-json] [<Concept.action> [input-json]...]",
		Short: "Invoke concept actions and run the cascades they trigger",
		Long: `Invoke one or more concept actions in a single flow.

Each action reference may be followed by a JSON object holding its input;
without one the input is empty. Actions run in order and every one is a
top-level request, so each triggers its own cascade of sync rules.

The built-in Account and Audit concepts and rules are always registered.
Rules from --rules (or rules_dir in the config) are added after them.
Records are journaled to the configured database, Postgres and Redis.

Examples:
  cascade invoke Account.open '{"id":"a","balance":5}'
  cascade invoke Account.open '{"id":"a"}' Account.debit '{"id":"a","amount":50}'
  cascade invoke --rules ./rules --flow order-1 Order.place '{"sku":"x"}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.FlowID, "flow", "", "flow id (default: a new UUIDv7)")
	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "directory of additional CUE rulebooks")

	return cmd
}

func runInvoke(opts *InvokeOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	steps, err := ParseSteps(args)
	if err != nil {
		return outputCommandError(formatter, ErrCodeBadInput, err.Error())
	}

	rulesDir := opts.RulesDir
	if rulesDir == "" {
		rulesDir = opts.Config.RulesDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, opts.RootOptions, rulesDir)
	if err != nil {
		_ = formatter.Error(ErrCodeRegister, err.Error(), nil)
		return err
	}
	defer rt.Close()

	flowID := opts.FlowID
	if flowID == "" {
		flowID = rt.Engine.NewFlow()
	}
	formatter.VerboseLog("Flow %s", flowID)

	result := InvokeResult{FlowID: flowID}
	failed := 0
	for _, step := range steps {
		ref := step.Concept + "." + step.Action
		out, err := rt.Engine.Invoke(ctx, step.Concept, step.Action, step.Input, flowID)

		var actionErr *engine.ActionError
		switch {
		case err == nil:
			sr := StepResult{Action: ref, RecordID: out.RecordID, Output: out.Output, Skipped: out.Skipped}
			if !out.Skipped {
				sr.Status = ir.StatusOK
			}
			result.Steps = append(result.Steps, sr)
		case errors.As(err, &actionErr):
			failed++
			marker := ir.RecordError{Code: actionErr.Code, Message: actionErr.Message}
			result.Steps = append(result.Steps, StepResult{
				Action:   ref,
				RecordID: actionErr.RecordID,
				Status:   ir.StatusError,
				Output:   marker.Output(),
				Error:    &marker,
			})
		default:
			return outputCommandError(formatter, ErrCodeInvoke, err.Error())
		}
	}
	result.Records = rt.Engine.Records(flowID)

	if err := outputInvokeResult(formatter, result); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d action(s) failed", failed))
	}
	return nil
}

// ParseSteps reads action references, each optionally followed by a JSON
// object argument.
func ParseSteps(args []string) ([]InvokeStep, error) {
	var steps []InvokeStep
	for i := 0; i < len(args); i++ {
		conceptName, action, ok := strings.Cut(args[i], ".")
		if !ok || conceptName == "" || action == "" {
			return nil, fmt.Errorf("argument %d: %q must be Concept.action", i+1, args[i])
		}
		step := InvokeStep{Concept: conceptName, Action: action, Input: ir.IRObject{}}
		if i+1 < len(args) && strings.HasPrefix(strings.TrimSpace(args[i+1]), "{") {
			input, err := ir.ParseObject([]byte(args[i+1]))
			if err != nil {
				return nil, fmt.Errorf("argument %d: input for %s: %w", i+2, args[i], err)
			}
			step.Input = input
			i++
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func outputInvokeResult(formatter *OutputFormatter, result InvokeResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "Flow: %s\n\n", result.FlowID)
	for _, s := range result.Steps {
		switch {
		case s.Skipped:
			fmt.Fprintf(formatter.Writer, "- %s skipped (already invoked in this cascade)\n", s.Action)
		case s.Error != nil:
			fmt.Fprintf(formatter.Writer, "✗ %s failed: %s: %s\n", s.Action, s.Error.Code, s.Error.Message)
		default:
			fmt.Fprintf(formatter.Writer, "✓ %s → %s\n", s.Action, canonical(s.Output))
		}
	}
	fmt.Fprintln(formatter.Writer)
	writeRecords(formatter, result.Records)
	return nil
}
