package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/mcpserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	RulesDir string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions, version string) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over MCP on stdio",
		Long: `Run a long-lived engine and expose it as an MCP server on stdin/stdout.

Tools: invoke, flow_records, end_flow, rules. Flows stay in memory until
end_flow is called; every record is journaled like invoke does. Logs go
to stderr. SIGINT or SIGTERM stops the server after draining the event
stream.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, version, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "directory of additional CUE rulebooks")

	return cmd
}

func runServe(opts *ServeOptions, version string, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rulesDir := opts.RulesDir
	if rulesDir == "" {
		rulesDir = opts.Config.RulesDir
	}
	rt, err := openRuntime(ctx, opts.RootOptions, rulesDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			opts.Logger.Error("shutdown failed", "error", err)
		}
	}()

	srv := mcpserver.New(rt.Engine, opts.Logger, version)
	err = srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "mcp server stopped", err)
	}
	opts.Logger.Info("mcp server stopped")
	return nil
}
