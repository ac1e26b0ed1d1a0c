package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/venzel/stepflow/internal/catalog"
	"github.com/venzel/stepflow/internal/engine"
	"github.com/venzel/stepflow/internal/logging"
	"github.com/venzel/stepflow/internal/panel"
	"github.com/venzel/stepflow/internal/plugins"
	"github.com/venzel/stepflow/internal/runs"
	"github.com/venzel/stepflow/internal/scheduler"
	"github.com/venzel/stepflow/internal/secrets"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/internal/streaming"
	"github.com/venzel/stepflow/internal/tools"
	"github.com/venzel/stepflow/internal/validation"
	"github.com/venzel/stepflow/pkg/mcp"
)

const shutdownGrace = 10 * time.Second

// runServe wires the whole engine and serves MCP on stdio until the client
// disconnects or a signal arrives. The panel listens on its own goroutine.
func runServe() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout belongs to the MCP transport.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(stepflowDir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", stepflowDir(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ls, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer ls.Close()

	if err := ls.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Pidfile so `stepflow update` can stop a running server.
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pidfile", "error", err)
	}
	defer os.Remove(pidPath())

	// Tool registry: builtins, then the vault-gated secrets tools, then
	// plugin tools as they are discovered.
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, validation.NewJSONSchemaValidator(),
		tools.HTTPConfig{}, tools.FSConfig{}, tools.ShellConfig{}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	vcfg, vaultOn, err := vaultConfigFromEnv()
	if err != nil {
		return err
	}
	if vaultOn {
		vault, err := secrets.NewAESVault(ls, vcfg)
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		if err := tools.RegisterSecretsTools(registry, vault); err != nil {
			return fmt.Errorf("register secrets tools: %w", err)
		}
		logger.Info("vault enabled")
	} else {
		logger.Info("no vault key in environment, secrets tools unavailable")
	}

	pluginMgr := plugins.NewManager(registry, logger)
	defer pluginMgr.StopAll()
	for _, pc := range cfg.Plugins {
		if err := pluginMgr.Load(ctx, pc); err != nil {
			logger.Error("plugin load failed", "plugin", pc.Name, "error", err)
			continue
		}
		count, err := pluginMgr.DiscoverTools(ctx, pc.Name)
		if err != nil {
			logger.Error("plugin tool discovery failed", "plugin", pc.Name, "error", err)
			continue
		}
		logger.Info("plugin loaded", "plugin", pc.Name, "tools", count)
	}

	hub := streaming.NewMemoryHub()
	eventLog := store.NewEventLog(ls)
	sink := streaming.NewSink(eventLog, hub, logger)

	runner := engine.NewRunner(engine.Options{
		Invoker:  registry,
		Sink:     sink,
		Logger:   logger,
		PoolSize: cfg.PoolSize,
	})
	defer runner.Close()

	svc := runs.NewService(ls, eventLog, runner, logger)
	cat := catalog.New(nil)

	sched := scheduler.NewScheduler(ls, cat, svc, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-job recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	var panelSrv *http.Server
	if cfg.Panel {
		p := panel.NewPanelServer(panel.PanelDeps{
			Runs:     svc,
			Store:    ls,
			Registry: registry,
			Hub:      hub,
			Cron:     sched,
			Logger:   logger,
		})
		panelSrv = &http.Server{Addr: cfg.ListenAddr, Handler: p.Handler()}
		go func() {
			logger.Info("panel listening", "addr", cfg.ListenAddr)
			if err := panelSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("panel server failed", "error", err)
			}
		}()
	}

	mcpSrv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Runs:     svc,
		Catalog:  cat,
		Registry: registry,
		Store:    ls,
		Hub:      hub,
		Logger:   logger,
	})

	logger.Info("stepflow started", "version", version, "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	serveErr := mcpSrv.Serve(ctx)

	// Shutdown: stop taking submissions, then drain live runs. The
	// scheduler, plugins, runner pool and store unwind via defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if panelSrv != nil {
		if err := panelSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("panel shutdown incomplete", "error", err)
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not drain in time", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("mcp server: %w", serveErr)
	}
	logger.Info("stepflow stopped")
	return nil
}

// vaultConfigFromEnv reads vault key material from the environment. Keys
// never live in settings.json. Returns false when no key is configured;
// a key that is present but malformed fails startup rather than silently
// running without secrets.
func vaultConfigFromEnv() (secrets.VaultConfig, bool, error) {
	if v := os.Getenv("STEPFLOW_MASTER_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return secrets.VaultConfig{}, false, fmt.Errorf("STEPFLOW_MASTER_KEY must be hex-encoded: %w", err)
		}
		return secrets.VaultConfig{MasterKey: key}, true, nil
	}
	if p := os.Getenv("STEPFLOW_VAULT_PASSPHRASE"); p != "" {
		return secrets.VaultConfig{
			Passphrase: p,
			Salt:       []byte(os.Getenv("STEPFLOW_VAULT_SALT")),
		}, true, nil
	}
	return secrets.VaultConfig{}, false, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
