package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/bus"
	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/wave"
	"github.com/nextlevelbuilder/gasflow/internal/worker"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

type fixture struct {
	o      *Orchestrator
	ws     *workspace.Store
	events *bus.Bus
	cfg    *config.Config
}

func newFixture(t *testing.T, mode string, agents ...workspace.AgentSeed) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Workspace = dir
	cfg.Limits.MaxGenerations = 3

	ws := workspace.NewStore(filepath.Join(dir, ".gas"))
	if len(agents) == 0 {
		agents = []workspace.AgentSeed{{ID: "a1b2c3d", Role: "generalist", Wave: 1}}
	}
	if _, err := ws.Init(workspace.InitOptions{
		ProjectName: "demo",
		Objective:   "build it",
		Mode:        mode,
		Agents:      agents,
	}); err != nil {
		t.Fatal(err)
	}
	know, err := knowledge.Open(ws.KnowledgePath(), knowledge.DefaultCaps())
	if err != nil {
		t.Fatal(err)
	}
	gens := generation.NewManager(ws, know, &worker.NoopLauncher{}, cfg, slog.Default())
	sched := wave.NewScheduler(ws, gens, filepath.Join(dir, "shared"), slog.Default())
	gatherer := status.NewGatherer(cfg, ws, know)
	events := bus.New()
	o := New(cfg, ws, know, gens, sched, gatherer, events, slog.Default())
	return &fixture{o: o, ws: ws, events: events, cfg: cfg}
}

func writeOutput(t *testing.T, ws *workspace.Store, agentID string, gen int, content string) {
	t.Helper()
	path := ws.OutputPath(agentID, gen)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func completionLine() string {
	return `{"type":"assistant","message":{"content":[{"type":"text","text":"TASK COMPLETE"}]}}` + "\n"
}

func TestTickSingleSpawnThenComplete(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	ctx := context.Background()

	if err := f.o.gens.Spawn(ctx, "a1b2c3d", 1); err != nil {
		t.Fatal(err)
	}
	done, err := f.o.tickSingle(ctx, "a1b2c3d")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatal("running agent should not finish the run")
	}

	writeOutput(t, f.ws, "a1b2c3d", 1, completionLine())
	done, err = f.o.tickSingle(ctx, "a1b2c3d")
	if err != nil {
		t.Fatalf("tick after completion: %v", err)
	}
	if !done {
		t.Fatal("completed agent should finish the run")
	}

	st, _ := f.ws.Load()
	if st.Agents["a1b2c3d"].Status != workspace.StatusCompleted {
		t.Errorf("agent status = %q, want completed", st.Agents["a1b2c3d"].Status)
	}
	gs, _ := f.ws.ReadGenerationStatus("a1b2c3d", 1)
	if gs.Status != workspace.StatusCompleted || gs.Progress != 100 {
		t.Errorf("generation status = %q progress %v", gs.Status, gs.Progress)
	}
}

func TestTickSingleHandsOffWithoutMarker(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	ctx := context.Background()
	if err := f.o.gens.Spawn(ctx, "a1b2c3d", 1); err != nil {
		t.Fatal(err)
	}

	// Substantial output, long silence, but no completion marker: the
	// generation is over without the task being declared done.
	var out strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&out, `{"type":"assistant","message":{"content":[{"type":"text","text":"step %d"}]}}`+"\n", i)
	}
	writeOutput(t, f.ws, "a1b2c3d", 1, out.String())
	path := f.ws.OutputPath("a1b2c3d", 1)
	old := time.Now().Add(-3 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	ch := f.events.Subscribe()
	defer f.events.Unsubscribe(ch)

	done, err := f.o.tickSingle(ctx, "a1b2c3d")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatal("run must continue through a successor, not end")
	}

	st, _ := f.ws.Load()
	if got := st.Agents["a1b2c3d"].CurrentGeneration; got != 2 {
		t.Errorf("CurrentGeneration = %d, want 2", got)
	}
	gs, _ := f.ws.ReadGenerationStatus("a1b2c3d", 1)
	if gs.SucceededTo != 2 {
		t.Errorf("SucceededTo = %d, want 2", gs.SucceededTo)
	}
	select {
	case ev := <-ch:
		if ev.Type != bus.EventSuccession {
			t.Errorf("event type = %q, want succession", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no succession event published")
	}
}

func TestMaybeSucceedFiresOnCollapse(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	ctx := context.Background()
	if err := f.o.gens.Spawn(ctx, "a1b2c3d", 1); err != nil {
		t.Fatal(err)
	}

	ch := f.events.Subscribe()
	defer f.events.Unsubscribe(ch)

	gs, _ := f.ws.ReadGenerationStatus("a1b2c3d", 1)
	gs.Interactions = 150
	gs.Confidence = 0.1
	gs.Errors = 40
	if err := f.ws.WriteGenerationStatus(gs); err != nil {
		t.Fatal(err)
	}

	if err := f.o.maybeSucceed(ctx, "a1b2c3d", f.o.Clock()); err != nil {
		t.Fatalf("maybeSucceed: %v", err)
	}

	st, _ := f.ws.Load()
	if st.Agents["a1b2c3d"].CurrentGeneration != 2 {
		t.Errorf("CurrentGeneration = %d, want 2", st.Agents["a1b2c3d"].CurrentGeneration)
	}
	select {
	case ev := <-ch:
		if ev.Type != bus.EventSuccession {
			t.Errorf("event type = %q, want succession", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no succession event published")
	}
}

func TestMaybeSucceedHoldsNearCompletion(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	ctx := context.Background()
	if err := f.o.gens.Spawn(ctx, "a1b2c3d", 1); err != nil {
		t.Fatal(err)
	}

	// Soon-level urgency at 95% progress: hold.
	gs, _ := f.ws.ReadGenerationStatus("a1b2c3d", 1)
	gs.Interactions = 150
	gs.Confidence = 0.45
	gs.Progress = 95
	if err := f.ws.WriteGenerationStatus(gs); err != nil {
		t.Fatal(err)
	}
	// Backdate for a stall contribution that lands in "soon".
	now := time.Now().Add(10 * time.Minute)

	if err := f.o.maybeSucceed(ctx, "a1b2c3d", now); err != nil {
		t.Fatalf("maybeSucceed: %v", err)
	}
	st, _ := f.ws.Load()
	if st.Agents["a1b2c3d"].CurrentGeneration != 1 {
		t.Errorf("CurrentGeneration = %d, want 1 (held)", st.Agents["a1b2c3d"].CurrentGeneration)
	}
}

func TestBudgetExhaustionMarksFailed(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	ctx := context.Background()
	if err := f.o.gens.Spawn(ctx, "a1b2c3d", 1); err != nil {
		t.Fatal(err)
	}

	collapse := func() {
		st, _ := f.ws.Load()
		gen := st.Agents["a1b2c3d"].CurrentGeneration
		gs, err := f.ws.ReadGenerationStatus("a1b2c3d", gen)
		if err != nil {
			t.Fatal(err)
		}
		gs.Interactions = 150
		gs.Confidence = 0.0
		gs.Errors = 40
		if err := f.ws.WriteGenerationStatus(gs); err != nil {
			t.Fatal(err)
		}
	}

	var lastErr error
	for i := 0; i < 4 && lastErr == nil; i++ {
		collapse()
		lastErr = f.o.maybeSucceed(ctx, "a1b2c3d", f.o.Clock())
	}
	if !errors.Is(lastErr, generation.ErrGenerationBudget) {
		t.Fatalf("err = %v, want ErrGenerationBudget", lastErr)
	}
	st, _ := f.ws.Load()
	if st.Agents["a1b2c3d"].Status != workspace.StatusFailed {
		t.Errorf("agent status = %q, want failed", st.Agents["a1b2c3d"].Status)
	}
}

func TestTickSwarmAdvancesAndFinishes(t *testing.T) {
	f := newFixture(t, workspace.ModeSwarm,
		workspace.AgentSeed{ID: "agent-1", Role: "architect", Wave: 1},
		workspace.AgentSeed{ID: "agent-2", Role: "backend", Wave: 2},
	)
	ctx := context.Background()
	if err := f.o.sched.StartWave(ctx, 1); err != nil {
		t.Fatal(err)
	}

	ch := f.events.Subscribe()
	defer f.events.Unsubscribe(ch)

	// Wave 1 agent completes; tick should advance to wave 2.
	writeOutput(t, f.ws, "agent-1", 1, completionLine())
	done, err := f.o.tickSwarm(ctx)
	if err != nil {
		t.Fatalf("tickSwarm: %v", err)
	}
	if done {
		t.Fatal("run should not be done after wave 1")
	}
	st, _ := f.ws.Load()
	if st.CurrentWave != 2 {
		t.Errorf("CurrentWave = %d, want 2", st.CurrentWave)
	}

	sawWaveChange := false
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == bus.EventWaveChange {
			sawWaveChange = true
		}
	}
	if !sawWaveChange {
		t.Error("no wave_change event published")
	}

	// Wave 2 agent completes; run finishes and writes the swarm report.
	writeOutput(t, f.ws, "agent-2", 1, completionLine())
	done, err = f.o.tickSwarm(ctx)
	if err != nil {
		t.Fatalf("tickSwarm: %v", err)
	}
	if !done {
		t.Fatal("run should be done after final wave")
	}
	if err := f.o.finishRun(workspace.ModeSwarm); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(f.ws.Dir(), "SWARM_REPORT.md"))
	if err != nil {
		t.Fatalf("swarm report missing: %v", err)
	}
	if !strings.Contains(string(data), "agent-1") {
		t.Error("report should list agents")
	}
}

func TestWriteReportSingle(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	path, err := f.o.WriteReport()
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if filepath.Base(path) != "FINAL_REPORT.md" {
		t.Errorf("report name = %s", filepath.Base(path))
	}
	data, _ := os.ReadFile(path)
	for _, want := range []string{"demo", "build it", "## Agents", "## Knowledge"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestRunMaintenance(t *testing.T) {
	f := newFixture(t, workspace.ModeSingle)
	// Stale single-occurrence entry two generations back.
	f.o.know.Add(knowledge.KindSuccess, "old", "stale approach", knowledge.AddOptions{Confidence: 0.5, SourceGeneration: 1})
	if err := f.ws.Update(func(st *workspace.State) error {
		st.CurrentGeneration = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	f.o.runMaintenance()
	got := f.o.know.Query(knowledge.QueryOptions{Context: "old"})
	if len(got) != 1 || got[0].Confidence != 0.4 {
		t.Errorf("entry after maintenance = %+v, want confidence 0.4", got)
	}
}
