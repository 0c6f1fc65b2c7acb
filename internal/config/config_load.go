package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets GASFLOW_* environment variables win over the
// file for the settings operators most commonly override.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("GASFLOW_HOST", &c.Server.Host)
	envInt("GASFLOW_PORT", &c.Server.Port)
	envStr("GASFLOW_WORKSPACE", &c.Paths.Workspace)
	envStr("GAS_DIR", &c.Paths.StateDir)
	envStr("GASFLOW_LOG_LEVEL", &c.Logging.Level)
	envStr("GASFLOW_LOG_FORMAT", &c.Logging.Format)
	envStr("GASFLOW_WORKER_COMMAND", &c.Worker.Command)
	envStr("GASFLOW_WORKER_STRATEGY", &c.Worker.Strategy)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}

// Save writes the config as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate returns hard errors and soft warnings for the loaded config.
func (c *Config) Validate() (errs []string, warnings []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Limits.ParseCacheSize <= 0 {
		errs = append(errs, "limits.parse_cache_size must be positive")
	}
	if c.Limits.MaxTrackedFiles <= 0 {
		errs = append(errs, "limits.max_tracked_files must be positive")
	}

	sum := c.Trigger.InteractionWeight + c.Trigger.ConfidenceWeight +
		c.Trigger.ErrorWeight + c.Trigger.StallWeight
	if sum < 0.99 || sum > 1.01 {
		warnings = append(warnings, fmt.Sprintf("trigger weights sum to %.2f, expected 1.0", sum))
	}
	if c.Trigger.SoonUrgency >= c.Trigger.ImmediateUrgency {
		warnings = append(warnings, "trigger.soon_urgency >= trigger.immediate_urgency")
	}
	if c.Worker.Strategy != "exec" && c.Worker.Strategy != "noop" {
		errs = append(errs, fmt.Sprintf("worker.strategy %q must be exec or noop", c.Worker.Strategy))
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		errs = append(errs, fmt.Sprintf("telemetry.protocol %q must be grpc or http", c.Telemetry.Protocol))
	}
	return errs, warnings
}
