// Package worker launches agent generations as external processes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Spec describes one generation launch.
type Spec struct {
	AgentID    string
	Generation int
	// Prompt is passed to the worker command on stdin.
	Prompt string
	// WorkDir is the generation directory; stdout is appended to
	// OutputPath inside it.
	WorkDir    string
	OutputPath string
	// Env entries are appended to the inherited environment.
	Env []string
}

// Launcher starts a generation and returns without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) error
}

// ExecLauncher runs the configured command detached, with the prompt on
// stdin and stdout streamed to the generation's output file.
type ExecLauncher struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

// Launch starts the worker process and releases it so the orchestrator
// does not hold a child per generation.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) error {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create generation dir: %w", err)
	}
	out, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write([]byte(spec.Prompt)); err != nil && l.Logger != nil {
			l.Logger.Warn("write prompt to worker", "agent", spec.AgentID, "error", err)
		}
	}()

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	if l.Logger != nil {
		l.Logger.Info("worker launched",
			"agent", spec.AgentID,
			"generation", spec.Generation,
			"pid", pid,
			"output", filepath.Base(spec.OutputPath))
	}
	return nil
}

// NoopLauncher creates the generation directory and output file but
// starts nothing. Used for dry runs and by tests.
type NoopLauncher struct {
	mu       sync.Mutex
	Launched []Spec
}

func (l *NoopLauncher) Launch(_ context.Context, spec Spec) error {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.Close()
	l.mu.Lock()
	l.Launched = append(l.Launched, spec)
	l.mu.Unlock()
	return nil
}

// LaunchedSpecs returns a copy of everything launched so far.
func (l *NoopLauncher) LaunchedSpecs() []Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Spec{}, l.Launched...)
}
