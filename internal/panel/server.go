// Package panel serves the JSON management API: run submission and
// inspection, scheduled-job CRUD, and SSE streams of live run events.
package panel

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/venzel/stepflow/internal/runs"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/internal/streaming"
	"github.com/venzel/stepflow/internal/tools"
)

// CronCalculator computes the next fire time of a five-field cron
// expression. Satisfied by the scheduler.
type CronCalculator interface {
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Runs     *runs.Service
	Store    store.Store
	Registry *tools.Registry
	Hub      streaming.Hub
	// Cron is optional; without it job creation skips cron validation and
	// next_run_at seeding, leaving both to the scheduler's first tick.
	Cron   CronCalculator
	Logger *slog.Logger
}

// PanelServer serves the management API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Definition checks and tool discovery.
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("GET /api/tools", s.handleTools)

	// Scheduled jobs.
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("GET /api/scheduler/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/scheduler/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
