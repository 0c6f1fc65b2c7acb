// Package cmd implements the gasflow CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/logging"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// Version is stamped by the build via -ldflags.
var Version = "dev"

var (
	flagConfig    string
	flagWorkspace string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "gasflow",
	Short: "Generational agent succession orchestrator",
	Long: `gasflow runs long tasks through successions of short-lived agent
generations: each generation works until its context degrades, then
hands off a transfer document to a fresh successor. A live dashboard
watches the run over websockets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace root (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// resolveConfigPath picks the config file: flag, then environment,
// then the workspace-local default.
func resolveConfigPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	if env := os.Getenv("GASFLOW_CONFIG"); env != "" {
		return env
	}
	base := flagWorkspace
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "gasflow.json")
}

// loadConfig loads configuration and installs the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if flagWorkspace != "" {
		cfg.Paths.Workspace = flagWorkspace
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, logger, nil
}

func openStore(cfg *config.Config) *workspace.Store {
	return workspace.NewStore(cfg.StateDir())
}

func openKnowledge(cfg *config.Config, ws *workspace.Store) (*knowledge.Store, error) {
	return knowledge.Open(ws.KnowledgePath(), knowledge.Caps{
		SuccessPatterns: cfg.Knowledge.MaxSuccessPatterns,
		AntiPatterns:    cfg.Knowledge.MaxAntiPatterns,
		DomainFacts:     cfg.Knowledge.MaxDomainFacts,
	})
}
