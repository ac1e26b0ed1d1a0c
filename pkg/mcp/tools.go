package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/pkg/schema"
)

// handleRun executes an inline workflow definition and returns its result.
// The call blocks for the duration of the run; progress arrives as
// notifications on the calling session while it waits.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := decodeDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	runID, prepErr := s.runs.Prepare(ctx, def)
	if prepErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", prepErr)), nil
	}

	// Bind the run to this session before execution so progress
	// notifications have somewhere to go from the first event.
	s.captureSession(ctx, runID)

	result, runErr := s.runs.Run(ctx, runID, def, vars)
	if runErr != nil {
		s.sessions.Drop(runID)
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleValidate checks a definition without executing it.
func (s *StepflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := decodeDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	vr := s.runs.Validate(def)
	payload := map[string]any{"valid": vr.Valid()}
	if len(vr.Errors) > 0 {
		payload["errors"] = vr.Errors
	}
	if len(vr.Warnings) > 0 {
		payload["warnings"] = vr.Warnings
	}
	return marshalResult(payload)
}

// handleStatus returns a run's row and replayed per-step progress.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.runs.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleRuns lists runs, newest first, with optional filters.
func (s *StepflowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if name, ok := filter["name"].(string); ok {
		rf.Name = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if ts, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
			rf.Since = &ts
		}
	}

	list, listErr := s.store.ListRuns(ctx, rf)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"runs": list})
}

// handleEvents returns a run's event log, optionally resuming after a
// sequence number the caller already has.
func (s *StepflowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)
	sinceSeq := int64(extractInt(filter, "since_seq", 0))

	// An unknown run gets NOT_FOUND, not an empty log.
	if _, getErr := s.store.GetRun(ctx, runID); getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}

	events, evErr := s.store.GetEvents(ctx, runID, sinceSeq)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleCancel stops a run.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.runs.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleRegister stores a definition in the catalog under its name.
func (s *StepflowServer) handleRegister(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := decodeDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	vr, regErr := s.catalog.Register(def)
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	payload := map[string]any{"name": def.Name, "registered": true}
	if len(vr.Warnings) > 0 {
		payload["warnings"] = vr.Warnings
	}
	return marshalResult(payload)
}

// handleTools lists the registered tools workflows can invoke.
func (s *StepflowServer) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.registry.List()
	return marshalResult(map[string]any{"tools": infos, "count": len(infos)})
}

// --- Internal helpers ---

// decodeDefinition extracts the definition argument and decodes it through
// JSON, so programmatic and wire-format definitions face the same rules.
func decodeDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, fmt.Errorf("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// captureSession maps the run to the calling MCP session for notifications.
func (s *StepflowServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
