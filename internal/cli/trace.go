package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Action string // Concept.action filter
}

// TraceResult is the journaled history of one flow.
type TraceResult struct {
	FlowID  string            `json:"flow_id"`
	Records []ir.ActionRecord `json:"records"`
	Firings []ir.Firing       `json:"firings"`
	Stats   TraceStats        `json:"stats"`
}

// TraceStats summarizes a flow.
type TraceStats struct {
	Records int `json:"records"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Firings int `json:"firings"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [flow-id]",
		Short: "Show journaled flows",
		Long: `Show the journal written by invoke and serve.

Without a flow id, lists every journaled flow. With one, shows the flow's
records in seq order with the rules that consumed them, followed by the
rule firings.

Examples:
  cascade trace
  cascade trace 019a7c...
  cascade trace 019a7c... --action Account.credit --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", "", "only show records of this Concept.action")

	return cmd
}

func runTrace(opts *TraceOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

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

	if len(args) == 0 {
		return runListFlows(ctx, st, formatter)
	}

	flowID := args[0]
	records, err := st.ReadFlow(ctx, flowID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read flow", err)
	}
	firings, err := st.ReadFirings(ctx, flowID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read firings", err)
	}

	result := TraceResult{
		FlowID:  flowID,
		Records: filterRecords(records, opts.Action),
		Firings: firings,
	}
	result.Stats = traceStats(result)

	if formatter.JSON() {
		return formatter.Success(result)
	}
	if len(records) == 0 {
		fmt.Fprintf(formatter.Writer, "No records found for flow: %s\n", flowID)
		return nil
	}

	fmt.Fprintf(formatter.Writer, "Flow: %s\n\n", flowID)
	writeRecords(formatter, result.Records)
	if len(firings) > 0 {
		fmt.Fprintln(formatter.Writer)
		fmt.Fprintln(formatter.Writer, "Firings:")
		for _, f := range firings {
			fmt.Fprintf(formatter.Writer, "  [%d] %s ← %s\n", f.Seq, f.Rule, strings.Join(shortIDs(f.RecordIDs), ", "))
		}
	}
	s := result.Stats
	fmt.Fprintf(formatter.Writer, "\n%d record(s): %d ok, %d failed, %d pending; %d firing(s)\n",
		s.Records, s.OK, s.Failed, s.Pending, s.Firings)
	return nil
}

func runListFlows(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	flows, err := st.Flows(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list flows", err)
	}
	if formatter.JSON() {
		return formatter.Success(flows)
	}
	if len(flows) == 0 {
		fmt.Fprintln(formatter.Writer, "No flows journaled")
		return nil
	}
	for _, f := range flows {
		fmt.Fprintf(formatter.Writer, "%s  %d record(s)  seq %d-%d\n", f.FlowID, f.Records, f.FirstSeq, f.LastSeq)
	}
	return nil
}

func filterRecords(records []ir.ActionRecord, action string) []ir.ActionRecord {
	if action == "" {
		return records
	}
	filtered := []ir.ActionRecord{}
	for _, r := range records {
		if r.Key().String() == action {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func traceStats(result TraceResult) TraceStats {
	stats := TraceStats{Records: len(result.Records), Firings: len(result.Firings)}
	for _, r := range result.Records {
		switch r.Status {
		case ir.StatusOK:
			stats.OK++
		case ir.StatusError:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats
}

// writeRecords prints one line per record:
//
//	[3] Account.credit {"amount":10,"id":"a"} → ok {"balance":15,"id":"a"} (consumed by audit-credit)
func writeRecords(formatter *OutputFormatter, records []ir.ActionRecord) {
	for _, r := range records {
		line := fmt.Sprintf("  [%d] %s %s → %s", r.Seq, r.Key(), canonical(r.Input), r.Status)
		if r.Done() {
			line += " " + canonical(r.Output)
		}
		if len(r.ConsumedBy) > 0 {
			line += fmt.Sprintf(" (consumed by %s)", strings.Join(r.ConsumedBy, ", "))
		}
		fmt.Fprintln(formatter.Writer, line)
		formatter.VerboseLog("      id=%s", r.ID)
	}
}

// canonical renders obj as canonical JSON, or "{}" when it is empty.
func canonical(obj ir.IRObject) string {
	if obj == nil {
		return "{}"
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if len(id) > 12 {
			id = id[:12]
		}
		out[i] = id
	}
	return out
}
