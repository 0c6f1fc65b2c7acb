package wave

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/worker"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

func TestDecomposeSingle(t *testing.T) {
	d := Decompose("build it", 1)
	if len(d.Agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(d.Agents))
	}
	if d.Agents[0].Role != "generalist" || d.Agents[0].ID != "agent-1" {
		t.Errorf("agent = %+v", d.Agents[0])
	}
	if d.TotalWaves != 1 {
		t.Errorf("TotalWaves = %d, want 1", d.TotalWaves)
	}
}

func TestDecomposeSwarm(t *testing.T) {
	d := Decompose("build it", 5)
	if len(d.Agents) != 5 {
		t.Fatalf("agents = %d", len(d.Agents))
	}
	if d.Agents[0].Role != "architect" || d.Agents[0].Wave != 1 {
		t.Errorf("first agent = %+v, want architect in wave 1", d.Agents[0])
	}
	if d.Agents[4].Role != "tester" || d.Agents[4].Wave != 3 {
		t.Errorf("fifth agent = %+v, want tester in wave 3", d.Agents[4])
	}
	if d.TotalWaves != 3 {
		t.Errorf("TotalWaves = %d, want 3", d.TotalWaves)
	}
	// Wave 2 agents depend on the architect.
	deps := d.Dependencies["agent-2"]
	if len(deps) != 1 || deps[0] != "agent-1" {
		t.Errorf("agent-2 deps = %v, want [agent-1]", deps)
	}
	if len(d.Dependencies["agent-1"]) != 0 {
		t.Errorf("wave 1 should have no dependencies, got %v", d.Dependencies["agent-1"])
	}
}

func TestDecomposeOverflowsToImplementers(t *testing.T) {
	d := Decompose("build it", 9)
	if got := d.Agents[7].Role; got != "implementer-1" {
		t.Errorf("eighth role = %q, want implementer-1", got)
	}
	if got := d.Agents[8].Wave; got != 2 {
		t.Errorf("overflow wave = %d, want 2", got)
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *workspace.Store, string) {
	t.Helper()
	dir := t.TempDir()
	ws := workspace.NewStore(filepath.Join(dir, ".gas"))
	d := Decompose("build it", 3) // architect w1, backend w2, frontend w2
	if _, err := ws.Init(workspace.InitOptions{
		ProjectName: "demo",
		Objective:   "build it",
		Mode:        workspace.ModeSwarm,
		Agents:      d.Agents,
	}); err != nil {
		t.Fatal(err)
	}
	know, err := knowledge.Open(ws.KnowledgePath(), knowledge.DefaultCaps())
	if err != nil {
		t.Fatal(err)
	}
	gens := generation.NewManager(ws, know, &worker.NoopLauncher{}, config.Default(), slog.Default())
	shared := filepath.Join(dir, "shared")
	return NewScheduler(ws, gens, shared, slog.Default()), ws, shared
}

func TestStartWave(t *testing.T) {
	s, ws, _ := newTestScheduler(t)
	if err := s.StartWave(context.Background(), 1); err != nil {
		t.Fatalf("StartWave: %v", err)
	}
	st, _ := ws.Load()
	if st.Waves["1"].Status != workspace.StatusRunning {
		t.Errorf("wave 1 status = %q, want running", st.Waves["1"].Status)
	}
	if st.Agents["agent-1"].Status != workspace.StatusRunning {
		t.Errorf("agent-1 status = %q, want running", st.Agents["agent-1"].Status)
	}
	if st.CurrentWave != 1 {
		t.Errorf("CurrentWave = %d, want 1", st.CurrentWave)
	}
}

func TestAdvanceHoldsBarrier(t *testing.T) {
	s, ws, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}
	advanced, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if advanced {
		t.Error("barrier should hold while wave 1 is running")
	}
	st, _ := ws.Load()
	if st.CurrentWave != 1 {
		t.Errorf("CurrentWave = %d, want 1", st.CurrentWave)
	}
}

func TestAdvanceStartsNextWave(t *testing.T) {
	s, ws, shared := newTestScheduler(t)
	ctx := context.Background()
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// The architect finishes and leaves an artifact.
	designPath := filepath.Join(ws.GenerationDir("agent-1", 1), "DESIGN_NOTES.md")
	if err := os.WriteFile(designPath, []byte("interfaces here"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.Update(func(st *workspace.State) error {
		st.Agents["agent-1"].Status = workspace.StatusCompleted
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	advanced, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !advanced {
		t.Fatal("wave should have advanced")
	}

	st, _ := ws.Load()
	if st.Waves["1"].Status != workspace.StatusCompleted {
		t.Errorf("wave 1 = %q, want completed", st.Waves["1"].Status)
	}
	if st.CurrentWave != 2 {
		t.Errorf("CurrentWave = %d, want 2", st.CurrentWave)
	}
	if st.Waves["2"].Status != workspace.StatusRunning {
		t.Errorf("wave 2 = %q, want running", st.Waves["2"].Status)
	}
	// Wave 2 agents were spawned.
	if st.Agents["agent-2"].Status != workspace.StatusRunning {
		t.Errorf("agent-2 = %q, want running", st.Agents["agent-2"].Status)
	}

	// The artifact was synced to the shared directory.
	if _, err := os.Stat(filepath.Join(shared, "agent-1", "DESIGN_NOTES.md")); err != nil {
		t.Errorf("shared artifact missing: %v", err)
	}
}

func TestBarrierAcceptsSucceededAgents(t *testing.T) {
	s, ws, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := ws.Update(func(st *workspace.State) error {
		st.Agents["agent-1"].Status = workspace.StatusSucceeded
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st, _ := ws.Load()
	if remaining := Incomplete(st, 1); len(remaining) != 0 {
		t.Errorf("Incomplete = %v, succeeded agent should count as finished", remaining)
	}
	advanced, err := s.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !advanced {
		t.Error("barrier should release once the wave's agents succeeded")
	}
}

func TestStartWaveSkipsSpawnedAgents(t *testing.T) {
	s, ws, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}
	st, _ := ws.Load()
	if got := st.Agents["agent-1"].CurrentGeneration; got != 1 {
		t.Fatalf("CurrentGeneration = %d, want 1 after spawn", got)
	}

	// Restarting the wave must not reset the lineage.
	if err := ws.Update(func(st *workspace.State) error {
		st.Agents["agent-1"].CurrentGeneration = 2
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatalf("StartWave again: %v", err)
	}
	st, _ = ws.Load()
	if got := st.Agents["agent-1"].CurrentGeneration; got != 2 {
		t.Errorf("CurrentGeneration = %d, want 2 preserved across restart", got)
	}
}

func TestAdvanceCompletesRun(t *testing.T) {
	s, ws, _ := newTestScheduler(t)
	ctx := context.Background()
	if err := s.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}
	markAll := func() {
		ws.Update(func(st *workspace.State) error {
			for _, a := range st.Agents {
				if a.Status == workspace.StatusRunning {
					a.Status = workspace.StatusCompleted
				}
			}
			return nil
		})
	}

	markAll()
	if _, err := s.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	markAll()
	advanced, err := s.Advance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Fatal("final wave should advance to completion")
	}
	st, _ := ws.Load()
	if st.Status != workspace.StatusCompleted {
		t.Errorf("run status = %q, want completed", st.Status)
	}
	// Further advances are no-ops.
	if advanced, _ := s.Advance(ctx); advanced {
		t.Error("completed run should not advance again")
	}
}
