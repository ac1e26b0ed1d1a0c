package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/venzel/stepflow/internal/plugins"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string                 `json:"listen_addr"`
	DBPath     string                 `json:"db_path"`
	LogLevel   string                 `json:"log_level"`
	PoolSize   int                    `json:"pool_size"`
	Panel      bool                   `json:"panel"`
	Plugins    []plugins.PluginConfig `json:"plugins,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:   "info",
		PoolSize:   10,
		Panel:      true,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(stepflowDir(), "stepflow.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override. Plugin definitions stay file-only.
	if v := os.Getenv("STEPFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}

	return cfg
}
