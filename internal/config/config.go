// Package config defines the gasflow configuration schema and helpers.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ServerConfig controls the dashboard gateway listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PathsConfig locates the orchestration workspace on disk.
type PathsConfig struct {
	// Workspace is the project root being orchestrated.
	Workspace string `json:"workspace"`
	// StateDir holds orchestrator state, relative to Workspace unless absolute.
	StateDir string `json:"state_dir"`
	// SharedDir is where wave agents publish outputs for each other.
	SharedDir string `json:"shared_dir"`
}

// TimingConfig carries the intervals that drive status derivation and
// the watch loop. All values are seconds unless named otherwise.
type TimingConfig struct {
	AgentTimeoutSeconds    float64 `json:"agent_timeout_seconds"`
	CompletionGraceSeconds float64 `json:"completion_grace_seconds"`
	PingIntervalSeconds    float64 `json:"ping_interval_seconds"`
	WatchIntervalSeconds   float64 `json:"watch_interval_seconds"`
	TriggerPollSeconds     float64 `json:"trigger_poll_seconds"`
	WavePollSeconds        float64 `json:"wave_poll_seconds"`
}

// LimitsConfig bounds the in-memory pipeline state.
type LimitsConfig struct {
	MaxLiveEvents     int `json:"max_live_events"`
	ParseCacheSize    int `json:"parse_cache_size"`
	MaxContentLength  int `json:"max_content_length"`
	MaxTrackedFiles   int `json:"max_tracked_files"`
	BroadcastPerSec   int `json:"broadcast_per_sec"`
	MaxGenerations    int `json:"max_generations"`
	RecentEventsLimit int `json:"recent_events_limit"`
}

// TriggerConfig holds the succession scoring weights and thresholds.
type TriggerConfig struct {
	InteractionWeight float64 `json:"interaction_weight"`
	ConfidenceWeight  float64 `json:"confidence_weight"`
	ErrorWeight       float64 `json:"error_weight"`
	StallWeight       float64 `json:"stall_weight"`

	MaxInteractions int     `json:"max_interactions"`
	MinConfidence   float64 `json:"min_confidence"`
	MaxErrorRate    float64 `json:"max_error_rate"`
	StallMinutes    float64 `json:"stall_minutes"`

	ImmediateUrgency float64 `json:"immediate_urgency"`
	SoonUrgency      float64 `json:"soon_urgency"`
}

// KnowledgeConfig bounds the cross-generation knowledge store.
type KnowledgeConfig struct {
	MaxSuccessPatterns int `json:"max_success_patterns"`
	MaxAntiPatterns    int `json:"max_anti_patterns"`
	MaxDomainFacts     int `json:"max_domain_facts"`
	TransferTopK       int `json:"transfer_top_k"`
	// PruneMinConfidence is the floor below which maintenance drops entries.
	PruneMinConfidence float64 `json:"prune_min_confidence"`
	// MaintenanceCron schedules prune/decay sweeps; empty disables them.
	MaintenanceCron string `json:"maintenance_cron"`
}

// WorkerConfig controls how agent generations are launched.
type WorkerConfig struct {
	// Strategy is "exec" to spawn real processes or "noop" for dry runs.
	Strategy string   `json:"strategy"`
	Command  string   `json:"command"`
	Args     []string `json:"args"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	ServiceName string `json:"service_name"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "console" or "json"
}

// Config is the root configuration object.
type Config struct {
	mu sync.RWMutex

	Server    ServerConfig    `json:"server"`
	Paths     PathsConfig     `json:"paths"`
	Timing    TimingConfig    `json:"timing"`
	Limits    LimitsConfig    `json:"limits"`
	Trigger   TriggerConfig   `json:"trigger"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Worker    WorkerConfig    `json:"worker"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   LoggingConfig   `json:"logging"`

	// CompletionMarkers are substrings that mark an agent's output as done.
	CompletionMarkers []string `json:"completion_markers"`
	// OutputGlobs locate agent output files under the workspace.
	OutputGlobs []string `json:"output_globs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Paths: PathsConfig{
			Workspace: ".",
			StateDir:  ".gas",
			SharedDir: "shared",
		},
		Timing: TimingConfig{
			AgentTimeoutSeconds:    60,
			CompletionGraceSeconds: 120,
			PingIntervalSeconds:    30,
			WatchIntervalSeconds:   0.5,
			TriggerPollSeconds:     30,
			WavePollSeconds:        5,
		},
		Limits: LimitsConfig{
			MaxLiveEvents:     50,
			ParseCacheSize:    50,
			MaxContentLength:  300,
			MaxTrackedFiles:   100,
			BroadcastPerSec:   20,
			MaxGenerations:    10,
			RecentEventsLimit: 50,
		},
		Trigger: TriggerConfig{
			InteractionWeight: 0.25,
			ConfidenceWeight:  0.30,
			ErrorWeight:       0.25,
			StallWeight:       0.20,
			MaxInteractions:   150,
			MinConfidence:     0.70,
			MaxErrorRate:      0.15,
			StallMinutes:      10,
			ImmediateUrgency:  0.70,
			SoonUrgency:       0.50,
		},
		Knowledge: KnowledgeConfig{
			MaxSuccessPatterns: 50,
			MaxAntiPatterns:    25,
			MaxDomainFacts:     100,
			TransferTopK:       5,
			PruneMinConfidence: 0.2,
			MaintenanceCron:    "",
		},
		Worker: WorkerConfig{
			Strategy: "noop",
			Command:  "claude",
			Args:     []string{"--print"},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Protocol:    "grpc",
			ServiceName: "gasflow",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		CompletionMarkers: DefaultCompletionMarkers(),
		OutputGlobs: []string{
			"agents/*/output.jsonl",
			"agents/*/*.jsonl",
			"*.jsonl",
		},
	}
}

// DefaultCompletionMarkers lists the phrases that flag finished output.
func DefaultCompletionMarkers() []string {
	return []string{
		"task complete",
		"task completed",
		"all tasks complete",
		"all tasks completed",
		"work complete",
		"work completed",
		"implementation complete",
		"implementation completed",
		"successfully completed",
		"finished successfully",
		"all done",
		"done!",
		"completed successfully",
		"mission accomplished",
		"objective achieved",
		"final report",
	}
}

// StateDir resolves the state directory against the workspace root.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.Paths.StateDir) {
		return ExpandHome(c.Paths.StateDir)
	}
	return filepath.Join(ExpandHome(c.Paths.Workspace), c.Paths.StateDir)
}

// SharedDir resolves the shared output directory.
func (c *Config) SharedDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.Paths.SharedDir) {
		return ExpandHome(c.Paths.SharedDir)
	}
	return filepath.Join(ExpandHome(c.Paths.Workspace), c.Paths.SharedDir)
}

// WorkspaceDir resolves the workspace root.
func (c *Config) WorkspaceDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Paths.Workspace)
}

// Hash returns a short fingerprint of the marshaled config, used to
// detect config drift between restarts.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8]
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
