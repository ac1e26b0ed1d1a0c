package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/pkg/schema"
)

// handleSubmitRun starts a workflow in the background and answers 202 with
// the run id. Progress is available through the run endpoints and SSE.
func (s *PanelServer) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Definition *schema.WorkflowDefinition `json:"definition"`
		Variables  map[string]any             `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	runID, err := s.deps.Runs.Submit(ctx, body.Definition, body.Variables)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("submit run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleListRuns lists run rows, newest first.
func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.RunFilter{
		Name:   q.Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since timestamp: %v", err))
			return
		}
		filter.Since = &t
	}

	list, err := s.deps.Store.ListRuns(ctx, filter)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("list runs: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

// handleGetRun returns the run row joined with its replayed step states.
func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	status, err := s.deps.Runs.Status(ctx, runID)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("get run: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleRunEvents returns the run's durable event log. since_seq skips
// events already seen, so a dropped SSE stream can resume from here.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	// An unknown run gets 404, not an empty log.
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("run lookup: %v", err))
		return
	}

	sinceSeq := int64(queryInt(r, "since_seq", 0))
	events, err := s.deps.Store.GetEvents(ctx, runID, sinceSeq)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("list events: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancelRun cancels a live run, or heals an orphaned row.
func (s *PanelServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	if err := s.deps.Runs.Cancel(ctx, runID); err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("cancel run: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID})
}

// handleValidate checks a definition and answers with the verdict. An
// invalid definition is a 200 with valid=false, not an error.
func (s *PanelServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition *schema.WorkflowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	vr := s.deps.Runs.Validate(body.Definition)

	payload := map[string]any{"valid": vr.Valid()}
	if len(vr.Errors) > 0 {
		payload["errors"] = vr.Errors
	}
	if len(vr.Warnings) > 0 {
		payload["warnings"] = vr.Warnings
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleTools lists the registered tools, builtins and plugins alike.
func (s *PanelServer) handleTools(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": infos,
		"count": len(infos),
	})
}
