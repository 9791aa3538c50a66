package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/demo"
	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := concept.NewRegistry()
	_, err := demo.Register(reg)
	require.NoError(t, err)
	rules, err := demo.Rules()
	require.NoError(t, err)

	eng := engine.New(reg,
		engine.WithLogger(logging.Discard()),
		engine.WithFlowIDs(engine.NewFixedGenerator("flow-1", "flow-2")),
	)
	require.NoError(t, eng.RegisterAll(rules))
	return New(eng, logging.Discard(), "test")
}

func getTextResult(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "result content is not text")
	return text.Text
}

func call(t *testing.T, handler server.ToolHandlerFunc, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	require.NoError(t, err)
	return result
}

func TestInvoke_RunsCascade(t *testing.T) {
	s := newTestServer(t)

	result := call(t, s.handleInvoke, "invoke", map[string]any{
		"concept": "Account",
		"action":  "open",
		"input":   map[string]any{"id": "a1", "balance": 50},
	})
	require.False(t, result.IsError, getTextResult(t, result))

	var got InvokeResult
	require.NoError(t, json.Unmarshal([]byte(getTextResult(t, result)), &got))
	assert.Equal(t, "flow-1", got.FlowID)
	assert.Equal(t, ir.StatusOK, got.Status)
	assert.Equal(t, ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, got.Output)
	assert.Equal(t, 3, got.Records, "open, bonus credit, audit log")
}

func TestInvoke_ConceptFailureIsResult(t *testing.T) {
	s := newTestServer(t)

	result := call(t, s.handleInvoke, "invoke", map[string]any{
		"concept": "Account",
		"action":  "debit",
		"input":   map[string]any{"id": "nobody", "amount": 5},
		"flow_id": "mine",
	})
	require.False(t, result.IsError)

	var got InvokeResult
	require.NoError(t, json.Unmarshal([]byte(getTextResult(t, result)), &got))
	assert.Equal(t, "mine", got.FlowID)
	assert.Equal(t, ir.StatusError, got.Status)
	assert.Equal(t, ir.IRString(concept.CodeNotFound), got.Output["error"].(ir.IRObject)["code"])
}

func TestInvoke_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing action", map[string]any{"concept": "Account"}, "concept and action are required"},
		{"unknown concept", map[string]any{"concept": "Nope", "action": "x", "flow_id": "f"}, "Nope"},
		{"float input", map[string]any{"concept": "Account", "action": "open", "input": map[string]any{"balance": 1.5}}, "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, s.handleInvoke, "invoke", tt.args)
			assert.True(t, result.IsError)
			assert.Contains(t, getTextResult(t, result), tt.wantErr)
		})
	}
}

func TestInvoke_RawArgumentsKeepLargeIntegers(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInvoke(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "invoke",
			Arguments: json.RawMessage(`{"concept":"Account","action":"open","flow_id":"big","input":{"id":"a1","balance":9007199254740993}}`),
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, getTextResult(t, result))

	var got InvokeResult
	require.NoError(t, json.Unmarshal([]byte(getTextResult(t, result)), &got))
	assert.Equal(t, ir.IRInt(9007199254740993), got.Output["balance"])
}

func TestInvoke_DecodedFloatsBeyondExactRangeAreRejected(t *testing.T) {
	s := newTestServer(t)

	for _, n := range []float64{9223372036854775808, 9007199254740992} {
		result := call(t, s.handleInvoke, "invoke", map[string]any{
			"concept": "Account",
			"action":  "open",
			"input":   map[string]any{"id": "a1", "balance": n},
		})
		assert.True(t, result.IsError)
		assert.Contains(t, getTextResult(t, result), "invalid input")
	}
}

func TestFlowRecordsAndEndFlow(t *testing.T) {
	s := newTestServer(t)
	call(t, s.handleInvoke, "invoke", map[string]any{
		"concept": "Account",
		"action":  "open",
		"input":   map[string]any{"id": "a1", "balance": 500},
		"flow_id": "f1",
	})

	result := call(t, s.handleFlowRecords, "flow_records", map[string]any{"flow_id": "f1"})
	var records []ir.ActionRecord
	require.NoError(t, json.Unmarshal([]byte(getTextResult(t, result)), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "open", records[0].Action)

	result = call(t, s.handleEndFlow, "end_flow", map[string]any{"flow_id": "f1"})
	assert.JSONEq(t, `{"flow_id":"f1","existed":true}`, getTextResult(t, result))

	result = call(t, s.handleFlowRecords, "flow_records", map[string]any{"flow_id": "f1"})
	assert.Equal(t, "[]", getTextResult(t, result))

	result = call(t, s.handleEndFlow, "end_flow", map[string]any{})
	assert.True(t, result.IsError)
}

func TestRules(t *testing.T) {
	s := newTestServer(t)

	result := call(t, s.handleRules, "rules", nil)
	var got struct {
		Rules []struct {
			Name string `json:"name"`
		} `json:"rules"`
		Cycles []json.RawMessage `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal([]byte(getTextResult(t, result)), &got))
	require.Len(t, got.Rules, 3)
	assert.Equal(t, "open-bonus", got.Rules[0].Name)
	assert.Equal(t, "audit-credit", got.Rules[1].Name)
	assert.Equal(t, "audit-overdraft", got.Rules[2].Name)
	assert.Empty(t, got.Cycles)
}
