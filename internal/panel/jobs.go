package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/venzel/stepflow/internal/store"
)

// handleCreateJob creates a scheduled job for a catalog workflow. The
// workflow is resolved by name at fire time, so it does not have to be
// registered yet.
func (s *PanelServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Workflow       string          `json:"workflow"`
		CronExpression string          `json:"cron_expression"`
		Variables      json.RawMessage `json:"variables"`
		Enabled        *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Workflow == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "workflow and cron_expression are required")
		return
	}

	now := time.Now().UTC()
	var nextRun *time.Time
	if s.deps.Cron != nil {
		next, err := s.deps.Cron.CalculateNextRun(body.CronExpression, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
			return
		}
		nextRun = &next
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		Workflow:       body.Workflow,
		CronExpression: body.CronExpression,
		Variables:      body.Variables,
		Enabled:        enabled,
		NextRunAt:      nextRun,
		CreatedAt:      now,
	}

	if err := s.deps.Store.CreateScheduledJob(ctx, job); err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("create job: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
}

// handleListJobs lists scheduled jobs.
func (s *PanelServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.ScheduledJobFilter{
		Workflow: q.Get("workflow"),
		Limit:    queryInt(r, "limit", 50),
	}
	if v := q.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		filter.Enabled = &b
	}

	jobs, err := s.deps.Store.ListScheduledJobs(ctx, filter)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("list jobs: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleGetJob returns a single scheduled job.
func (s *PanelServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := s.deps.Store.GetScheduledJob(ctx, jobID)
	if err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("get job: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleUpdateJob toggles a scheduled job.
func (s *PanelServer) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateScheduledJob(ctx, jobID, store.ScheduledJobUpdate{
		Enabled: body.Enabled,
	}); err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("update job: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}

// handleDeleteJob deletes a scheduled job.
func (s *PanelServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	if err := s.deps.Store.DeleteScheduledJob(ctx, jobID); err != nil {
		writeError(w, httpStatus(err), fmt.Sprintf("delete job: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}
