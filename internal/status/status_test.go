package status

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

type fixture struct {
	g   *Gatherer
	ws  *workspace.Store
	cfg *config.Config
}

func newFixture(t *testing.T, agents ...workspace.AgentSeed) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Workspace = dir
	ws := workspace.NewStore(filepath.Join(dir, ".gas"))
	if len(agents) == 0 {
		agents = []workspace.AgentSeed{{ID: "a1b2c3d", Role: "generalist", Wave: 1}}
	}
	if _, err := ws.Init(workspace.InitOptions{
		ProjectName: "demo",
		Objective:   "build it",
		Mode:        workspace.ModeSwarm,
		Agents:      agents,
	}); err != nil {
		t.Fatal(err)
	}
	know, err := knowledge.Open(ws.KnowledgePath(), knowledge.DefaultCaps())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{g: NewGatherer(cfg, ws, know), ws: ws, cfg: cfg}
}

func (f *fixture) writeOutput(t *testing.T, agentID string, gen int, lines string) string {
	t.Helper()
	path := f.ws.OutputPath(agentID, gen)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(lines); err != nil {
		t.Fatal(err)
	}
	return path
}

func assistantText(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`+"\n", text)
}

func toolUse(name, path string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":%q,"input":{"file_path":%q}}]}}`+"\n", name, path)
}

func TestFullStatusPendingAgent(t *testing.T) {
	f := newFixture(t)
	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatalf("FullStatus: %v", err)
	}
	if snap.TotalAgents != 1 {
		t.Fatalf("TotalAgents = %d", snap.TotalAgents)
	}
	as := snap.Agents["a1b2c3d"]
	if as.Status != workspace.StatusPending {
		t.Errorf("Status = %q, want pending", as.Status)
	}
	if snap.OverallProgress != 0 {
		t.Errorf("OverallProgress = %v, want 0", snap.OverallProgress)
	}
}

func TestRunningAgentWithFreshOutput(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t, "a1b2c3d", 1, toolUse("Write", "/src/a.go")+assistantText("working on it"))

	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	as := snap.Agents["a1b2c3d"]
	if as.Status != workspace.StatusRunning {
		t.Errorf("Status = %q, want running", as.Status)
	}
	if as.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", as.ToolCalls)
	}
	if as.FilesCreated != 1 {
		t.Errorf("FilesCreated = %d, want 1", as.FilesCreated)
	}
	// 1 tool (3) + 1 created file (5) = 8
	if as.Progress != 8 {
		t.Errorf("Progress = %v, want 8", as.Progress)
	}
}

func TestCompletionMarkerWins(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t, "a1b2c3d", 1, assistantText("All tasks complete. Final report written."))

	snap, _ := f.g.FullStatus(time.Now())
	as := snap.Agents["a1b2c3d"]
	if as.Status != workspace.StatusCompleted {
		t.Errorf("Status = %q, want completed", as.Status)
	}
	if as.Progress != 100 {
		t.Errorf("Progress = %v, want 100", as.Progress)
	}
}

func TestSilenceDerivation(t *testing.T) {
	f := newFixture(t)
	path := f.writeOutput(t, "a1b2c3d", 1, assistantText("brief burst"))

	base := time.Now()
	// Freshly written: running.
	snap, _ := f.g.FullStatus(base)
	if got := snap.Agents["a1b2c3d"].Status; got != workspace.StatusRunning {
		t.Errorf("fresh: Status = %q, want running", got)
	}

	// 90s of silence: idle.
	snap, _ = f.g.FullStatus(base.Add(90 * time.Second))
	if got := snap.Agents["a1b2c3d"].Status; got != workspace.StatusIdle {
		t.Errorf("90s: Status = %q, want idle", got)
	}

	// 150s of silence with little output: still idle, not completed.
	snap, _ = f.g.FullStatus(base.Add(150 * time.Second))
	if got := snap.Agents["a1b2c3d"].Status; got != workspace.StatusIdle {
		t.Errorf("150s few events: Status = %q, want idle", got)
	}

	// Substantial output then long silence: treated as completed.
	var burst string
	for i := 0; i < 25; i++ {
		burst += assistantText(fmt.Sprintf("step %d", i))
	}
	f.writeOutput(t, "a1b2c3d", 1, burst)
	if _, err := f.g.FullStatus(base); err != nil { // parse the new bytes
		t.Fatal(err)
	}
	// Backdate the file so mtime reflects old activity.
	old := time.Now().Add(-3 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	snap, _ = f.g.FullStatus(time.Now())
	if got := snap.Agents["a1b2c3d"].Status; got != workspace.StatusCompleted {
		t.Errorf("long silence after burst: Status = %q, want completed", got)
	}
}

func TestOverallProgressFormula(t *testing.T) {
	f := newFixture(t,
		workspace.AgentSeed{ID: "agent-1", Role: "a", Wave: 1},
		workspace.AgentSeed{ID: "agent-2", Role: "b", Wave: 1},
	)
	// agent-1 completed with a marker; agent-2 pending at 0 progress.
	f.writeOutput(t, "agent-1", 1, assistantText("task complete"))

	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// avg progress = (100+0)/2 = 50; completed share = 1/2.
	// 0.5*50 + 50*0.5 = 50.
	if snap.OverallProgress != 50 {
		t.Errorf("OverallProgress = %v, want 50", snap.OverallProgress)
	}
	if snap.CompletedAgents != 1 {
		t.Errorf("CompletedAgents = %d, want 1", snap.CompletedAgents)
	}
}

func TestWaveSummaries(t *testing.T) {
	f := newFixture(t,
		workspace.AgentSeed{ID: "agent-1", Role: "architect", Wave: 1},
		workspace.AgentSeed{ID: "agent-2", Role: "backend", Wave: 2},
		workspace.AgentSeed{ID: "agent-3", Role: "frontend", Wave: 2},
	)
	f.writeOutput(t, "agent-1", 1, assistantText("task complete"))

	snap, _ := f.g.FullStatus(time.Now())
	if len(snap.Waves) != 2 {
		t.Fatalf("Waves = %d, want 2", len(snap.Waves))
	}
	if snap.Waves["1"].Completed != 1 {
		t.Errorf("wave 1 completed = %d, want 1", snap.Waves["1"].Completed)
	}
	if got := snap.Waves["2"].Agents; len(got) != 2 || got[0] != "agent-2" {
		t.Errorf("wave 2 agents = %v", got)
	}
}

func TestEventsFlow(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t, "a1b2c3d", 1, assistantText("first message"))
	if _, err := f.g.FullStatus(time.Now()); err != nil {
		t.Fatal(err)
	}

	fresh := f.g.DrainNewEvents()
	if len(fresh) != 1 {
		t.Fatalf("fresh = %d, want 1", len(fresh))
	}
	if fresh[0].AgentID != "a1b2c3d" || fresh[0].Content != "first message" {
		t.Errorf("event = %+v", fresh[0])
	}
	// Drained events do not reappear.
	if got := f.g.DrainNewEvents(); len(got) != 0 {
		t.Errorf("second drain = %d events", len(got))
	}
	// But the recent ring keeps them.
	if got := f.g.RecentEvents(); len(got) != 1 {
		t.Errorf("recent = %d, want 1", len(got))
	}
}

func TestChanged(t *testing.T) {
	f := newFixture(t)
	if !f.g.Changed() {
		t.Error("first call should report a change")
	}
	if f.g.Changed() {
		t.Error("no writes: should report no change")
	}
	f.writeOutput(t, "a1b2c3d", 1, assistantText("new activity"))
	if !f.g.Changed() {
		t.Error("new output should report a change")
	}
}

func TestParseCacheAvoidsReparse(t *testing.T) {
	f := newFixture(t)
	f.writeOutput(t, "a1b2c3d", 1, assistantText("only message"))

	now := time.Now()
	f.g.FullStatus(now)
	f.g.FullStatus(now)
	f.g.FullStatus(now)

	stats := f.g.CacheStats()
	if stats.Hits < 2 {
		t.Errorf("cache hits = %d, want >= 2", stats.Hits)
	}
	// Events were recorded once despite three snapshots.
	if got := f.g.RecentEvents(); len(got) != 1 {
		t.Errorf("recent events = %d, want 1", len(got))
	}
}

func TestAgentDetails(t *testing.T) {
	f := newFixture(t)
	if err := f.ws.WriteGenerationStatus(workspace.NewGenerationStatus(1, "a1b2c3d", 0)); err != nil {
		t.Fatal(err)
	}
	f.writeOutput(t, "a1b2c3d", 1, toolUse("Write", "/src/x.go")+assistantText("writing x"))

	detail, err := f.g.AgentDetails("a1b2c3d", time.Now())
	if err != nil {
		t.Fatalf("AgentDetails: %v", err)
	}
	if len(detail.FilesCreated) != 1 || detail.FilesCreated[0] != "/src/x.go" {
		t.Errorf("FilesCreated = %v", detail.FilesCreated)
	}
	if len(detail.Events) != 2 {
		t.Errorf("Events = %d, want 2", len(detail.Events))
	}
	if len(detail.Generations) != 1 || detail.Generations[0].Generation != 1 {
		t.Errorf("Generations = %+v", detail.Generations)
	}
	if detail.LastText != "writing x" {
		t.Errorf("LastText = %q", detail.LastText)
	}

	if _, err := f.g.AgentDetails("ghost", time.Now()); err == nil {
		t.Error("unknown agent should error")
	}
}

func TestDiscoveredOutputsJoinSnapshot(t *testing.T) {
	f := newFixture(t)
	// An output stream matched by the configured globs but owned by no
	// agent in the state file still gets a row.
	stray := filepath.Join(f.cfg.WorkspaceDir(), "agents", "agent-9", "output.jsonl")
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stray, []byte(assistantText("exploring")), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalAgents != 2 {
		t.Fatalf("TotalAgents = %d, want 2", snap.TotalAgents)
	}
	as := snap.Agents["agent-9"]
	if as == nil {
		t.Fatal("discovered agent missing from snapshot")
	}
	if as.Status != workspace.StatusRunning {
		t.Errorf("Status = %q, want running", as.Status)
	}
}

func TestRewrittenOutputDoesNotReplayEvents(t *testing.T) {
	f := newFixture(t)
	path := f.writeOutput(t, "a1b2c3d", 1, assistantText("step one")+assistantText("step two"))
	if _, err := f.g.FullStatus(time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := len(f.g.DrainNewEvents()); got != 2 {
		t.Fatalf("initial drain = %d, want 2", got)
	}

	// Shrink the file so the tracked offset overruns it.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte(assistantText("rewritten")), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(f.g.DrainNewEvents()); got != 0 {
		t.Errorf("drain after rewrite = %d, want 0", got)
	}
	if got := len(f.g.RecentEvents()); got != 2 {
		t.Errorf("recent = %d, want 2", got)
	}
	// The snapshot itself reflects the rebuilt parse.
	if got := snap.Agents["a1b2c3d"].Interactions; got != 1 {
		t.Errorf("Interactions = %d, want 1", got)
	}
}

func TestEventTimestampsDriveActivity(t *testing.T) {
	f := newFixture(t)
	stamp := time.Now().Add(-5 * time.Minute).UTC().Format(time.RFC3339)
	line := fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":"old news"}]}}`+"\n", stamp)
	f.writeOutput(t, "a1b2c3d", 1, line)

	// The file was just written, but the event says five minutes ago.
	snap, err := f.g.FullStatus(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	as := snap.Agents["a1b2c3d"]
	if as.Status != workspace.StatusIdle {
		t.Errorf("Status = %q, want idle", as.Status)
	}
	if as.LastActivity != stamp {
		t.Errorf("LastActivity = %q, want %q", as.LastActivity, stamp)
	}
}

func TestAgentIDFromPath(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/x/.gas/agents/a1b2c3d/gen-1/output.jsonl", "a1b2c3d"},
		{"/x/.gas/agents/agent-1/generations/gen-1/output.jsonl", "agent-1"},
		{"/x/.gas/agents/worker-2/generations/gen-3/output.jsonl", "worker-2"},
		{"/x/work/agent-7/out.jsonl", "agent-7"},
		{"/x/work/builder/out.jsonl", "builder"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := AgentIDFromPath(tt.path); got != tt.want {
				t.Errorf("AgentIDFromPath = %q, want %q", got, tt.want)
			}
		})
	}
}
