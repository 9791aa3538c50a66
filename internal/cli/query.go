package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/compiler"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/querysql"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Input  string // JSON object of input constraints
	Output string // JSON object of output constraints
	Case   string // ok | error
	Where  string // predicate in rulebook syntax
	Limit  int
}

// QueryResult holds the journaled records that matched.
type QueryResult struct {
	FlowID  string            `json:"flow_id"`
	Pattern ir.Pattern        `json:"pattern"`
	Records []ir.ActionRecord `json:"records"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <flow-id> <Concept.action>",
		Short: "Find journaled records with a when-pattern",
		Long: `Match a when-pattern against the journaled records of one flow.

The pattern has the same meaning as in a rule: input and output
constraints name fields that must be equal, --case restricts the outcome,
and --where is a predicate in rulebook syntax evaluated against each
record's merged input and output. Pending records never match.

Examples:
  cascade query 019a7c... Account.credit
  cascade query 019a7c... Account.debit --case error
  cascade query 019a7c... Account.open --input '{"id":"a"}' --where '{gt: {path: "balance", value: 10}}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "", "input constraints as a JSON object")
	cmd.Flags().StringVar(&opts.Output, "output", "", "output constraints as a JSON object")
	cmd.Flags().StringVar(&opts.Case, "case", "", "outcome to match (ok|error)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "predicate over the record's bindings")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runQuery(opts *QueryOptions, flowID, actionRef string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	q, err := opts.build(flowID, actionRef)
	if err != nil {
		return outputCommandError(formatter, ErrCodeInvalidFlag, err.Error())
	}

	st, err := openStore(opts.Config)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := st.Match(ctx, q)
	if err != nil {
		return outputCommandError(formatter, ErrCodeStore, err.Error())
	}

	result := QueryResult{FlowID: flowID, Pattern: q.Pattern, Records: records}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	if len(records) == 0 {
		fmt.Fprintf(formatter.Writer, "No records match %s in flow %s\n", actionRef, flowID)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%d record(s) match %s\n\n", len(records), actionRef)
	writeRecords(formatter, records)
	return nil
}

// build turns the arguments and flags into a journal query.
func (o *QueryOptions) build(flowID, actionRef string) (querysql.Query, error) {
	conceptName, action, ok := strings.Cut(actionRef, ".")
	if !ok || conceptName == "" || action == "" {
		return querysql.Query{}, fmt.Errorf("%q must be Concept.action", actionRef)
	}
	q := querysql.Query{
		FlowID:  flowID,
		Pattern: ir.Pattern{Concept: conceptName, Action: action},
		Limit:   o.Limit,
	}

	switch ir.Status(o.Case) {
	case "", ir.StatusOK, ir.StatusError:
		q.Pattern.Case = ir.Status(o.Case)
	default:
		return querysql.Query{}, fmt.Errorf("--case must be ok or error, got %q", o.Case)
	}

	var err error
	if o.Input != "" {
		if q.Pattern.Input, err = ir.ParseObject([]byte(o.Input)); err != nil {
			return querysql.Query{}, fmt.Errorf("--input: %w", err)
		}
	}
	if o.Output != "" {
		if q.Pattern.Output, err = ir.ParseObject([]byte(o.Output)); err != nil {
			return querysql.Query{}, fmt.Errorf("--output: %w", err)
		}
	}
	if o.Where != "" {
		if q.Where, err = compiler.CompileWhere(o.Where); err != nil {
			return querysql.Query{}, fmt.Errorf("--where: %w", err)
		}
	}
	if o.Limit < 0 {
		return querysql.Query{}, fmt.Errorf("--limit must not be negative")
	}
	return q, nil
}
