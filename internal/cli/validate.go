package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/compiler"
	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/demo"
	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/logging"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Rules  int                        `json:"rules"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Lint rulebooks and check them against the built-in concepts",
		Long: `Validate the sync rules of a directory without running them.

Every rule is linted for name shapes, case values, where predicates and
variable paths. Rules are then registered against the built-in Account and
Audit concepts, after the built-in rules, so unknown concepts, unknown
actions, unknown generators and duplicate names are reported too.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := LoadRules(rulesDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, rulesDir)

	validationErrors := compiler.Validate(loaded.Rules)

	// Registration needs lint-clean rules to say anything useful.
	if len(validationErrors) == 0 {
		regErrors, err := registerAgainstDemo(loaded.Rules, formatter)
		if err != nil {
			return outputCommandError(formatter, ErrCodeGeneric, err.Error())
		}
		validationErrors = regErrors
	}

	result := ValidationResult{
		Valid:  len(validationErrors) == 0,
		Rules:  len(loaded.Rules),
		Errors: validationErrors,
	}
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d rule(s) valid\n", result.Rules)
	return nil
}

// registerAgainstDemo registers every rule on an engine holding the
// built-in concepts and rules, and collects each rejection.
func registerAgainstDemo(rules []ir.SyncRule, formatter *OutputFormatter) ([]compiler.ValidationError, error) {
	reg := concept.NewRegistry()
	if _, err := demo.Register(reg); err != nil {
		return nil, err
	}
	builtin, err := demo.Rules()
	if err != nil {
		return nil, err
	}

	e := engine.New(reg, engine.WithLogger(logging.Discard()))
	if err := e.RegisterAll(builtin); err != nil {
		return nil, err
	}

	var errs []compiler.ValidationError
	for _, rule := range rules {
		formatter.VerboseLog("Registering rule: %s", rule.Name)
		if err := e.Register(rule); err != nil {
			errs = append(errs, registrationError(rule.Name, err))
		}
	}
	return errs, nil
}

func registrationError(rule string, err error) compiler.ValidationError {
	ve := compiler.ValidationError{
		Rule:    rule,
		Field:   "register",
		Message: err.Error(),
		Code:    ErrCodeRegister,
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		ve.Field = string(ee.Code)
		ve.Message = ee.Message
	}
	return ve
}

// outputValidationErrors reports lint failures. They are rule failures,
// not command errors (exit code 1).
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    result.Errors[0].Code,
				Message: fmt.Sprintf("%d validation error(s)", len(result.Errors)),
			},
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %d validation error(s):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e.Error())
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors)))
}
