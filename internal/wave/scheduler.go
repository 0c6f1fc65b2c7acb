package wave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// Scheduler drives waves forward against the workspace state.
type Scheduler struct {
	ws     *workspace.Store
	gens   *generation.Manager
	logger *slog.Logger
	// SharedDir receives completed agents' outputs for later waves.
	SharedDir string
}

// NewScheduler wires a scheduler.
func NewScheduler(ws *workspace.Store, gens *generation.Manager, sharedDir string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{ws: ws, gens: gens, logger: logger, SharedDir: sharedDir}
}

// WaveAgents returns the agent ids assigned to a wave, sorted.
func WaveAgents(st *workspace.State, wave int) []string {
	ws := st.Waves[strconv.Itoa(wave)]
	if ws == nil {
		return nil
	}
	agents := append([]string{}, ws.Agents...)
	sort.Strings(agents)
	return agents
}

// Incomplete lists the agents of a wave that have not finished yet.
// A lineage that ended in a successful handoff counts as finished.
func Incomplete(st *workspace.State, wave int) []string {
	var out []string
	for _, id := range WaveAgents(st, wave) {
		a := st.Agents[id]
		if a == nil {
			continue
		}
		if a.Status != workspace.StatusCompleted && a.Status != workspace.StatusSucceeded {
			out = append(out, id)
		}
	}
	return out
}

// StartWave marks a wave running and spawns a first generation for
// each of its agents concurrently.
func (s *Scheduler) StartWave(ctx context.Context, wave int) error {
	st, err := s.ws.Load()
	if err != nil {
		return err
	}
	agents := WaveAgents(st, wave)
	if len(agents) == 0 {
		return fmt.Errorf("wave %d has no agents", wave)
	}

	err = s.ws.Update(func(st *workspace.State) error {
		w := st.Waves[strconv.Itoa(wave)]
		w.Status = workspace.StatusRunning
		w.StartedAt = workspace.Timestamp()
		st.CurrentWave = wave
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range agents {
		// Spawn only agents still at generation zero; a restarted run
		// must not double-spawn a wave.
		if st.Agents[id] != nil && st.Agents[id].CurrentGeneration > 0 {
			continue
		}
		g.Go(func() error {
			return s.gens.Spawn(gctx, id, 1)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start wave %d: %w", wave, err)
	}
	s.logger.Info("wave started", "wave", wave, "agents", len(agents))
	return nil
}

// Advance checks the barrier: when every agent of the current wave has
// completed, outputs are synced to the shared directory and the next
// wave starts. It reports whether anything changed.
func (s *Scheduler) Advance(ctx context.Context) (bool, error) {
	st, err := s.ws.Load()
	if err != nil {
		return false, err
	}
	wave := st.CurrentWave
	if st.Status == workspace.StatusCompleted {
		return false, nil
	}
	if remaining := Incomplete(st, wave); len(remaining) > 0 {
		return false, nil
	}

	if err := s.syncWaveOutputs(st, wave); err != nil {
		s.logger.Warn("shared output sync failed", "wave", wave, "error", err)
	}

	last := wave >= st.TotalWaves
	err = s.ws.Update(func(st *workspace.State) error {
		w := st.Waves[strconv.Itoa(wave)]
		if w != nil {
			w.Status = workspace.StatusCompleted
			w.CompletedAt = workspace.Timestamp()
		}
		if last {
			st.Status = workspace.StatusCompleted
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if last {
		s.logger.Info("all waves complete", "waves", st.TotalWaves)
		return true, nil
	}

	if err := s.StartWave(ctx, wave+1); err != nil {
		return true, err
	}
	return true, nil
}

// syncWaveOutputs copies each wave agent's latest generation artifacts
// into SharedDir/<agent-id>/ so later waves can read them.
func (s *Scheduler) syncWaveOutputs(st *workspace.State, wave int) error {
	if s.SharedDir == "" {
		return nil
	}
	for _, id := range WaveAgents(st, wave) {
		gens, err := s.ws.ListGenerations(id)
		if err != nil || len(gens) == 0 {
			continue
		}
		srcDir := s.ws.GenerationDir(id, gens[len(gens)-1])
		dstDir := filepath.Join(s.SharedDir, id)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasSuffix(name, ".md") && !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			if err := copyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
