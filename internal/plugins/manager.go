package plugins

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/venzel/stepflow/internal/tools"
	"github.com/venzel/stepflow/pkg/schema"
)

const (
	healthInterval   = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	discoverTimeout  = 15 * time.Second
	pingTimeout      = 5 * time.Second
	maxPingFailures  = 3
)

// PluginConfig describes how to launch and identify an MCP tool server.
type PluginConfig struct {
	Name    string   `json:"name"`    // registry prefix for the server's tools
	Command string   `json:"command"` // MCP server binary path
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Manager owns MCP plugin subprocesses. Each plugin is an external MCP
// server spoken to over stdio: the manager spawns it, runs the initialize
// handshake, discovers its tools, and registers them in the tool registry
// under a "<plugin>." prefix so workflow steps can call them like builtins.
type Manager struct {
	registry *tools.Registry
	plugins  map[string]*managedPlugin
	mu       sync.RWMutex
	logger   *slog.Logger
}

type managedPlugin struct {
	config   PluginConfig
	client   *client.Client
	status   string // starting, healthy, unhealthy, stopped
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

// NewManager creates a plugin manager that registers discovered tools
// into reg.
func NewManager(reg *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: reg,
		plugins:  make(map[string]*managedPlugin),
		logger:   logger,
	}
}

// Load starts an MCP server subprocess and runs the initialize handshake.
// The subprocess is detached from the caller's context: its lifetime is
// controlled by Stop, StopAll, and the health loop.
func (m *Manager) Load(ctx context.Context, config PluginConfig) error {
	if config.Name == "" || config.Command == "" {
		return schema.NewError(schema.ErrCodePlugin, "plugin name and command are required")
	}

	mp := &managedPlugin{config: config, status: "starting"}

	// Reserving the name up front makes concurrent loads of the same
	// plugin impossible.
	m.mu.Lock()
	if _, exists := m.plugins[config.Name]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodePlugin, "plugin %q already loaded", config.Name)
	}
	m.plugins[config.Name] = mp
	m.mu.Unlock()

	pluginCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	fail := func(stage string, err error) error {
		cancel()
		m.mu.Lock()
		delete(m.plugins, config.Name)
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodePlugin, "%s plugin %q: %v", stage, config.Name, err)
	}

	mcpClient, err := client.NewStdioMCPClient(config.Command, config.Env, config.Args...)
	if err != nil {
		return fail("start", err)
	}

	if err := mcpClient.Start(pluginCtx); err != nil {
		_ = mcpClient.Close()
		return fail("start", err)
	}

	if err := handshake(pluginCtx, mcpClient); err != nil {
		_ = mcpClient.Close()
		return fail("handshake with", err)
	}

	m.mu.Lock()
	mp.client = mcpClient
	mp.status = "healthy"
	mp.cancel = cancel
	m.mu.Unlock()

	go m.healthLoop(pluginCtx, mp)

	m.logger.Info("plugin loaded",
		slog.String("plugin", config.Name),
		slog.String("command", config.Command),
	)
	return nil
}

// handshake runs the MCP initialize exchange every server requires before
// it will answer tools/list or tools/call.
func handshake(ctx context.Context, c *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "stepflow",
				Version: "1.0.0",
			},
		},
	})
	return err
}

// DiscoverTools asks a loaded plugin for its tool list and registers each
// tool under the "<plugin>." prefix. Returns the number of tools
// registered.
func (m *Manager) DiscoverTools(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	mp, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodePlugin, "plugin %q not found", name)
	}

	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	result, err := mp.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodePlugin, "list tools for plugin %q: %v", name, err)
	}

	remote := make([]tools.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		remote = append(remote, &remoteTool{
			name:        t.Name,
			description: t.Description,
			inputSchema: schemaBytes(t),
			manager:     m,
			plugin:      name,
		})
	}
	if len(remote) == 0 {
		return 0, nil
	}

	count, err := m.registry.RegisterPlugin(name, remote)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodePlugin, "register tools for plugin %q: %v", name, err)
	}

	m.logger.Info("plugin tools registered",
		slog.String("plugin", name),
		slog.Int("count", count),
	)
	return count, nil
}

// healthLoop pings the plugin on an interval. Consecutive failures past
// the threshold mark it unhealthy and trigger a restart.
func (m *Manager) healthLoop(ctx context.Context, mp *managedPlugin) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := mp.client.Ping(pingCtx)
			cancel()

			if m.recordPing(mp, err) {
				m.restart(ctx, mp)
				return
			}
		}
	}
}

// recordPing updates a plugin's health bookkeeping and reports whether the
// consecutive failure threshold was crossed.
func (m *Manager) recordPing(mp *managedPlugin, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		mp.errCount = 0
		mp.lastErr = ""
		mp.status = "healthy"
		return false
	}

	mp.errCount++
	mp.lastErr = err.Error()
	if mp.errCount < maxPingFailures {
		return false
	}

	mp.status = "unhealthy"
	m.logger.Warn("plugin unhealthy",
		slog.String("plugin", mp.config.Name),
		slog.Int("consecutive_errors", mp.errCount),
		slog.String("error", mp.lastErr),
	)
	return true
}

// restart tears down an unhealthy plugin and reloads it after an
// exponential backoff, capped at one minute. A plugin that fails to come
// back is unloaded entirely and its tools leave the registry.
func (m *Manager) restart(ctx context.Context, mp *managedPlugin) {
	m.mu.RLock()
	failures := mp.errCount
	m.mu.RUnlock()

	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(failures)),
		float64(60*time.Second),
	))

	m.logger.Info("restarting plugin",
		slog.String("plugin", mp.config.Name),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	mp.cancel()
	_ = mp.client.Close()

	m.mu.Lock()
	delete(m.plugins, mp.config.Name)
	m.mu.Unlock()
	m.registry.Unregister(mp.config.Name)

	// ctx died with the old subprocess; the reload needs a live one.
	reloadCtx := context.WithoutCancel(ctx)
	if err := m.Load(reloadCtx, mp.config); err != nil {
		m.logger.Error("plugin restart failed",
			slog.String("plugin", mp.config.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := m.DiscoverTools(reloadCtx, mp.config.Name); err != nil {
		m.logger.Error("plugin rediscovery failed",
			slog.String("plugin", mp.config.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop shuts down a plugin subprocess and removes its tools from the
// registry.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	mp, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodePlugin, "plugin %q not found", name)
	}
	delete(m.plugins, name)
	mp.status = "stopped"
	m.mu.Unlock()

	if mp.cancel != nil {
		mp.cancel()
	}
	removed := m.registry.Unregister(name)

	if mp.client != nil {
		if err := mp.client.Close(); err != nil {
			m.logger.Warn("plugin close",
				slog.String("plugin", name),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("plugin stopped",
		slog.String("plugin", name),
		slog.Int("tools_removed", removed),
	)
	return nil
}

// StopAll stops every managed plugin. Called at shutdown.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin",
				slog.String("plugin", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

// Status reports each loaded plugin's health state: starting, healthy,
// unhealthy, or stopped.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string, len(m.plugins))
	for name, mp := range m.plugins {
		result[name] = mp.status
	}
	return result
}

// clientFor resolves the live client for a plugin. Tools hold the plugin
// name rather than a connection so calls survive a restart.
func (m *Manager) clientFor(name string) (*client.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, ok := m.plugins[name]
	if !ok || mp.status == "stopped" || mp.client == nil {
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "plugin %q is not available", name)
	}
	return mp.client, nil
}
