// Package mcp exposes the workflow engine to MCP clients over stdio. Agents
// drive it through the stepflow.* tool surface: run and validate inline
// definitions, register reusable ones, and inspect or cancel runs.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/venzel/stepflow/internal/catalog"
	"github.com/venzel/stepflow/internal/runs"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/internal/streaming"
	"github.com/venzel/stepflow/internal/tools"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
// Hub is optional; without it runs execute normally but no progress
// notifications are pushed.
type StepflowServerDeps struct {
	Runs     *runs.Service
	Catalog  *catalog.Catalog
	Registry *tools.Registry
	Store    store.Store
	Hub      streaming.Hub
	Logger   *slog.Logger
}

// StepflowServer wraps an MCP server with the stepflow tool handlers.
type StepflowServer struct {
	runs      *runs.Service
	catalog   *catalog.Catalog
	registry  *tools.Registry
	store     store.Store
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 8 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		runs:     deps.Runs,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		store:    deps.Store,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow is a declarative workflow engine. Use stepflow.run to execute an inline workflow definition, stepflow.validate to check one without running it, stepflow.register to store a reusable definition, stepflow.status and stepflow.events to inspect a run, stepflow.runs to list runs, stepflow.cancel to stop one, and stepflow.tools to discover available tools."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Progress notifications start with it when a hub was provided.
func (s *StepflowServer) Serve(ctx context.Context) error {
	if s.notifier != nil {
		if err := s.notifier.Start(ctx); err != nil {
			s.logger.Warn("progress notifications unavailable", "error", err)
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 8 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: toolsTool(), Handler: s.handleTools},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a workflow definition and return its result"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name, steps, optional variables/error_handling/timeout)")),
		mcp.WithObject("variables", mcp.Description("Variable overrides merged over the definition's variables")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepflow.validate",
		mcp.WithDescription("Validate a workflow definition without executing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object to check")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get a run's status and per-step progress"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("stepflow.runs",
		mcp.WithDescription("List workflow runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, name, since RFC3339, limit, offset)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("stepflow.events",
		mcp.WithDescription("Get the event log of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (since_seq: return events with seq greater than this)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running workflow"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("stepflow.register",
		mcp.WithDescription("Register a reusable workflow definition in the catalog"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object; its name becomes the catalog key")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("stepflow.tools",
		mcp.WithDescription("List the tools workflows can invoke"),
	)
}
