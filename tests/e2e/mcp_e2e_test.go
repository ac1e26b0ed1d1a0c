package e2e

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/internal/catalog"
	"github.com/venzel/stepflow/internal/store"
	stepmcp "github.com/venzel/stepflow/pkg/mcp"
	"github.com/venzel/stepflow/pkg/schema"
)

// mcpEnv wires the engine harness behind a real MCP server so tests can
// drive it through full JSON-RPC round-trips.
type mcpEnv struct {
	*harness
	catalog *catalog.Catalog
	server  *stepmcp.StepflowServer
}

func newMCPEnv(t *testing.T) *mcpEnv {
	t.Helper()

	h := newHarness(t)
	cat := catalog.New(nil)
	srv := stepmcp.NewStepflowServer(stepmcp.StepflowServerDeps{
		Runs:     h.svc,
		Catalog:  cat,
		Registry: h.registry,
		Store:    h.store,
		Hub:      h.hub,
		Logger:   slog.Default(),
	})
	return &mcpEnv{harness: h, catalog: cat, server: srv}
}

// rpc sends one JSON-RPC message through HandleMessage after initializing a
// session, and returns the raw response bytes.
func (e *mcpEnv) rpc(t *testing.T, msg map[string]any) []byte {
	t.Helper()
	ctx := context.Background()
	mcpSrv := e.server.MCPServer()

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-test",
				"version": "1.0.0",
			},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, raw)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	return respBytes
}

// callTool invokes a tool handler through the MCP server's HandleMessage
// (full JSON-RPC round-trip).
func (e *mcpEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	respBytes := e.rpc(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

// extractJSON extracts text content from a tool result and parses it as JSON.
func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// extractText extracts text content from a tool result.
func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

// --- E2E tests ---

func TestMCPListsAllTools(t *testing.T) {
	env := newMCPEnv(t)

	respBytes := env.rpc(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	})

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	require.Len(t, rpcResp.Result.Tools, 8)

	names := make(map[string]bool, len(rpcResp.Result.Tools))
	for _, tool := range rpcResp.Result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"stepflow.run", "stepflow.validate", "stepflow.status", "stepflow.runs",
		"stepflow.events", "stepflow.cancel", "stepflow.register", "stepflow.tools",
	} {
		assert.True(t, names[want], "tool %s must be registered", want)
	}
}

// TestMCPFullLifecycle exercises run -> status -> events -> runs through the
// MCP surface end to end.
func TestMCPFullLifecycle(t *testing.T) {
	env := newMCPEnv(t)

	runResult := env.callTool(t, "stepflow.run", map[string]any{
		"definition": map[string]any{
			"name": "mcp-lifecycle",
			"steps": []any{
				map[string]any{"id": "greet", "tool": "echo", "params": map[string]any{"msg": "hi"}},
				map[string]any{"id": "stamp", "tool": "time.now", "params": map[string]any{}},
			},
		},
	})
	require.False(t, runResult.IsError, "run should succeed: %s", extractText(t, runResult))

	var runOut struct {
		Success bool                       `json:"success"`
		Status  string                     `json:"status"`
		RunID   string                     `json:"run_id"`
		Results map[string]json.RawMessage `json:"results"`
	}
	extractJSON(t, runResult, &runOut)
	assert.True(t, runOut.Success)
	assert.Equal(t, "succeeded", runOut.Status)
	require.NotEmpty(t, runOut.RunID)
	assert.Contains(t, runOut.Results, "greet")
	assert.Contains(t, runOut.Results, "stamp")

	statusResult := env.callTool(t, "stepflow.status", map[string]any{
		"run_id": runOut.RunID,
	})
	require.False(t, statusResult.IsError)

	var statusOut struct {
		Run struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"run"`
		Steps map[string]struct {
			Status string `json:"status"`
		} `json:"steps"`
	}
	extractJSON(t, statusResult, &statusOut)
	assert.Equal(t, runOut.RunID, statusOut.Run.ID)
	assert.Equal(t, "succeeded", statusOut.Run.Status)
	require.Contains(t, statusOut.Steps, "greet")
	assert.Equal(t, "succeeded", statusOut.Steps["greet"].Status)

	eventsResult := env.callTool(t, "stepflow.events", map[string]any{
		"run_id": runOut.RunID,
	})
	require.False(t, eventsResult.IsError)

	var eventsOut struct {
		Events []struct {
			Type string `json:"type"`
			Seq  int64  `json:"seq"`
		} `json:"events"`
	}
	extractJSON(t, eventsResult, &eventsOut)
	require.NotEmpty(t, eventsOut.Events)
	assert.Equal(t, "run_started", eventsOut.Events[0].Type)
	assert.Equal(t, "run_succeeded", eventsOut.Events[len(eventsOut.Events)-1].Type)

	runsResult := env.callTool(t, "stepflow.runs", map[string]any{
		"filter": map[string]any{"name": "mcp-lifecycle"},
	})
	require.False(t, runsResult.IsError)

	var runsOut struct {
		Runs []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"runs"`
	}
	extractJSON(t, runsResult, &runsOut)
	require.Len(t, runsOut.Runs, 1)
	assert.Equal(t, runOut.RunID, runsOut.Runs[0].ID)
}

func TestMCPEventsResumeFromSeq(t *testing.T) {
	env := newMCPEnv(t)

	runResult := env.callTool(t, "stepflow.run", map[string]any{
		"definition": map[string]any{
			"name": "mcp-resume",
			"steps": []any{
				map[string]any{"id": "only", "tool": "echo", "params": map[string]any{}},
			},
		},
	})
	require.False(t, runResult.IsError)

	var runOut struct {
		RunID string `json:"run_id"`
	}
	extractJSON(t, runResult, &runOut)

	full := env.callTool(t, "stepflow.events", map[string]any{"run_id": runOut.RunID})
	var fullOut struct {
		Events []struct {
			Seq int64 `json:"seq"`
		} `json:"events"`
	}
	extractJSON(t, full, &fullOut)
	require.Greater(t, len(fullOut.Events), 2)

	resumed := env.callTool(t, "stepflow.events", map[string]any{
		"run_id": runOut.RunID,
		"filter": map[string]any{"since_seq": fullOut.Events[1].Seq},
	})
	var resumedOut struct {
		Events []struct {
			Seq int64 `json:"seq"`
		} `json:"events"`
	}
	extractJSON(t, resumed, &resumedOut)
	require.Len(t, resumedOut.Events, len(fullOut.Events)-2)
	assert.Equal(t, fullOut.Events[2].Seq, resumedOut.Events[0].Seq)
}

func TestMCPValidateVerdicts(t *testing.T) {
	env := newMCPEnv(t)

	good := env.callTool(t, "stepflow.validate", map[string]any{
		"definition": map[string]any{
			"name": "well-formed",
			"steps": []any{
				map[string]any{"id": "a", "tool": "echo", "params": map[string]any{"k": "v"}},
			},
		},
	})
	require.False(t, good.IsError)

	var goodOut struct {
		Valid bool `json:"valid"`
	}
	extractJSON(t, good, &goodOut)
	assert.True(t, goodOut.Valid)

	bad := env.callTool(t, "stepflow.validate", map[string]any{
		"definition": map[string]any{"name": "no-steps"},
	})
	require.False(t, bad.IsError, "invalid definitions are a verdict, not a tool error")

	var badOut struct {
		Valid  bool  `json:"valid"`
		Errors []any `json:"errors"`
	}
	extractJSON(t, bad, &badOut)
	assert.False(t, badOut.Valid)
	assert.NotEmpty(t, badOut.Errors)
}

func TestMCPRunRejectsInvalidDefinition(t *testing.T) {
	env := newMCPEnv(t)

	result := env.callTool(t, "stepflow.run", map[string]any{
		"definition": map[string]any{"name": "no-steps"},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "run rejected")

	list, err := env.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMCPRegisterPopulatesCatalog(t *testing.T) {
	env := newMCPEnv(t)

	result := env.callTool(t, "stepflow.register", map[string]any{
		"definition": map[string]any{
			"name": "reusable",
			"steps": []any{
				map[string]any{"id": "a", "tool": "echo", "params": map[string]any{"k": "v"}},
			},
		},
	})
	require.False(t, result.IsError)

	var out struct {
		Name       string `json:"name"`
		Registered bool   `json:"registered"`
	}
	extractJSON(t, result, &out)
	assert.Equal(t, "reusable", out.Name)
	assert.True(t, out.Registered)
	assert.True(t, env.catalog.Has("reusable"))

	rejected := env.callTool(t, "stepflow.register", map[string]any{
		"definition": map[string]any{"name": "broken"},
	})
	assert.True(t, rejected.IsError)
	assert.False(t, env.catalog.Has("broken"))
}

func TestMCPCancelRun(t *testing.T) {
	env := newMCPEnv(t)
	ctx := context.Background()

	runID, err := env.svc.Submit(ctx, &schema.WorkflowDefinition{
		Name: "mcp-cancellable",
		Steps: []*schema.Step{
			{ID: "nap", Tool: "time.sleep", Params: map[string]any{"duration": "30s"}},
		},
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, serr := env.svc.Status(ctx, runID)
		return serr == nil && status.Run.Status == schema.RunRunning
	}, 5*time.Second, 20*time.Millisecond)

	result := env.callTool(t, "stepflow.cancel", map[string]any{"run_id": runID})
	require.False(t, result.IsError)

	var out struct {
		OK    bool   `json:"ok"`
		RunID string `json:"run_id"`
	}
	extractJSON(t, result, &out)
	assert.True(t, out.OK)
	assert.Equal(t, runID, out.RunID)

	require.Eventually(t, func() bool {
		status, serr := env.svc.Status(ctx, runID)
		return serr == nil && status.Run.Status == schema.RunCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMCPStatusUnknownRun(t *testing.T) {
	env := newMCPEnv(t)

	result := env.callTool(t, "stepflow.status", map[string]any{"run_id": "no-such-run"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "status query failed")
}

func TestMCPToolDiscovery(t *testing.T) {
	env := newMCPEnv(t)

	result := env.callTool(t, "stepflow.tools", map[string]any{})
	require.False(t, result.IsError)

	var out struct {
		Count int `json:"count"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	extractJSON(t, result, &out)
	assert.Greater(t, out.Count, 10)
	require.Len(t, out.Tools, out.Count)

	names := make(map[string]bool, len(out.Tools))
	for _, info := range out.Tools {
		names[info.Name] = true
	}
	assert.True(t, names["echo"])
	assert.True(t, names["transform.jq"])
}
