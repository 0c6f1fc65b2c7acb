package cmd

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/worker"
)

func TestResolveConfigPath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		flagConfig = "/tmp/explicit.json"
		defer func() { flagConfig = "" }()
		t.Setenv("GASFLOW_CONFIG", "/tmp/env.json")

		if got := resolveConfigPath(); got != "/tmp/explicit.json" {
			t.Errorf("resolveConfigPath() = %q, want flag value", got)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		flagConfig = ""
		t.Setenv("GASFLOW_CONFIG", "/tmp/env.json")

		if got := resolveConfigPath(); got != "/tmp/env.json" {
			t.Errorf("resolveConfigPath() = %q, want env value", got)
		}
	})

	t.Run("workspace default", func(t *testing.T) {
		flagConfig = ""
		flagWorkspace = "/srv/project"
		defer func() { flagWorkspace = "" }()
		t.Setenv("GASFLOW_CONFIG", "")

		want := filepath.Join("/srv/project", "gasflow.json")
		if got := resolveConfigPath(); got != want {
			t.Errorf("resolveConfigPath() = %q, want %q", got, want)
		}
	})
}

func TestNewLauncher(t *testing.T) {
	cfg := config.Default()

	if _, ok := newLauncher(cfg, nil).(*worker.NoopLauncher); !ok {
		t.Errorf("default strategy should build a noop launcher")
	}

	cfg.Worker.Strategy = "exec"
	cfg.Worker.Command = "claude"
	l, ok := newLauncher(cfg, nil).(*worker.ExecLauncher)
	if !ok {
		t.Fatalf("exec strategy should build an exec launcher")
	}
	if l.Command != "claude" {
		t.Errorf("exec launcher command = %q, want claude", l.Command)
	}
}
