// Package mcpserver exposes an engine as MCP tools, so an agent can invoke
// concept actions and inspect the resulting flows.
//
// Tools:
//   - invoke: run a top-level invocation and its cascade
//   - flow_records: list the records of a flow
//   - end_flow: discard a flow
//   - rules: list the registered rules and their dependency cycles
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/rulegraph"
)

// Name is the server name announced to clients.
const Name = "cascade"

// InvokeArgs are the arguments of the invoke tool.
type InvokeArgs struct {
	Concept string         `json:"concept" jsonschema:"required,description=Concept name such as Account"`
	Action  string         `json:"action" jsonschema:"required,description=Action name such as open"`
	Input   map[string]any `json:"input" jsonschema:"description=Action input object. Numbers must be integers"`
	FlowID  string         `json:"flow_id" jsonschema:"description=Flow to run in. A new flow is started when empty"`
}

// FlowArgs select one flow.
type FlowArgs struct {
	FlowID string `json:"flow_id" jsonschema:"required,description=Flow id returned by invoke"`
}

// RulesArgs are the (empty) arguments of the rules tool.
type RulesArgs struct{}

// InvokeResult is the payload of a successful invoke call. A concept
// failure is a result too, with Status "error".
type InvokeResult struct {
	FlowID   string      `json:"flow_id"`
	RecordID string      `json:"record_id,omitempty"`
	Status   ir.Status   `json:"status,omitempty"`
	Output   ir.IRObject `json:"output,omitempty"`
	Skipped  bool        `json:"skipped,omitempty"`
	Records  int         `json:"records"`
}

// RulesResult is the payload of the rules tool.
type RulesResult struct {
	Rules  []ir.SyncRule     `json:"rules"`
	Cycles []rulegraph.Cycle `json:"cycles"`
}

// Server wraps an MCP server bound to one engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New creates a server and registers its tools.
func New(eng *engine.Engine, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		logger: logger,
		mcp:    server.NewMCPServer(Name, version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("invoke",
		mcp.WithDescription(`Invoke a concept action as a top-level request.

The action runs, then every registered sync rule is evaluated against the
flow and may trigger further actions. The result reports the outcome of the
requested action and how many records the flow now holds. Use flow_records
to see the whole cascade.`),
		mcp.WithInputSchema[InvokeArgs](),
	), s.handleInvoke)

	s.mcp.AddTool(mcp.NewTool("flow_records",
		mcp.WithDescription("List the action records of a flow in invocation order, with the rules that consumed each."),
		mcp.WithInputSchema[FlowArgs](),
	), s.handleFlowRecords)

	s.mcp.AddTool(mcp.NewTool("end_flow",
		mcp.WithDescription("Discard a flow: its records, consumption marks and loop guard state."),
		mcp.WithInputSchema[FlowArgs](),
	), s.handleEndFlow)

	s.mcp.AddTool(mcp.NewTool("rules",
		mcp.WithDescription("List the registered sync rules in evaluation order and any dependency cycles among them."),
		mcp.WithInputSchema[RulesArgs](),
	), s.handleRules)

	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening", "transport", "stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleInvoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args InvokeArgs
	if err := bindArguments(request, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Concept == "" || args.Action == "" {
		return mcp.NewToolResultError("concept and action are required"), nil
	}
	input, err := ir.ObjectFromAny(args.Input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
	}

	flowID := args.FlowID
	if flowID == "" {
		flowID = s.engine.NewFlow()
	}

	out, err := s.engine.Invoke(ctx, args.Concept, args.Action, input, flowID)
	if err != nil && !engine.IsActionError(err) {
		s.logger.Warn("mcp invoke failed",
			"flow_id", flowID,
			"concept", args.Concept,
			"action", args.Action,
			"error", err,
		)
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := InvokeResult{
		FlowID:   flowID,
		RecordID: out.RecordID,
		Output:   out.Output,
		Skipped:  out.Skipped,
		Records:  len(s.engine.Records(flowID)),
	}
	switch {
	case out.Skipped:
	case err != nil:
		result.Status = ir.StatusError
	default:
		result.Status = ir.StatusOK
	}
	return jsonResult(result)
}

func (s *Server) handleFlowRecords(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args FlowArgs
	if err := bindArguments(request, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.FlowID == "" {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	records := s.engine.Records(args.FlowID)
	if records == nil {
		records = []ir.ActionRecord{}
	}
	return jsonResult(records)
}

func (s *Server) handleEndFlow(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args FlowArgs
	if err := bindArguments(request, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.FlowID == "" {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	existed := s.engine.EndFlow(args.FlowID)
	return jsonResult(map[string]any{"flow_id": args.FlowID, "existed": existed})
}

func (s *Server) handleRules(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := RulesResult{Rules: s.engine.Rules(), Cycles: s.engine.Cycles()}
	if result.Rules == nil {
		result.Rules = []ir.SyncRule{}
	}
	if result.Cycles == nil {
		result.Cycles = []rulegraph.Cycle{}
	}
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// bindArguments decodes the tool arguments into target. Raw JSON arguments
// are decoded with json.Number so integers beyond 2^53 keep every digit.
// Arguments the transport already decoded carry float64 numbers, which
// ir.FromAny rejects once they are too large to be exact.
func bindArguments(request mcp.CallToolRequest, target any) error {
	switch raw := request.Params.Arguments.(type) {
	case json.RawMessage:
		return decodeNumbers(raw, target)
	case []byte:
		return decodeNumbers(raw, target)
	default:
		return request.BindArguments(target)
	}
}

func decodeNumbers(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
