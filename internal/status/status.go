// Package status derives the live dashboard view: it discovers agent
// output streams, parses them incrementally, and folds heartbeats and
// activity into one snapshot.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/parser"
	"github.com/nextlevelbuilder/gasflow/internal/tracker"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// AgentStatus is one agent's row in the snapshot.
type AgentStatus struct {
	AgentID       string  `json:"agent_id"`
	Role          string  `json:"role"`
	Wave          int     `json:"wave"`
	Generation    int     `json:"generation"`
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	CurrentTask   string  `json:"current_task,omitempty"`
	LastActivity  string  `json:"last_activity,omitempty"`
	Interactions  int     `json:"interactions"`
	Errors        int     `json:"errors"`
	Confidence    float64 `json:"confidence"`
	ToolCalls     int     `json:"tool_calls"`
	FilesCreated  int     `json:"files_created"`
	FilesModified int     `json:"files_modified"`
	Activity      string  `json:"activity,omitempty"`
	TaskComplete  bool    `json:"task_complete,omitempty"`
}

// WaveSummary aggregates one wave for the dashboard.
type WaveSummary struct {
	Wave      int      `json:"wave"`
	Status    string   `json:"status"`
	Agents    []string `json:"agents"`
	Completed int      `json:"completed"`
}

// Snapshot is the full dashboard payload.
type Snapshot struct {
	ProjectName     string                  `json:"project_name"`
	Mode            string                  `json:"mode"`
	Status          string                  `json:"status"`
	StartTime       string                  `json:"start_time"`
	OverallProgress float64                 `json:"overall_progress"`
	CurrentWave     int                     `json:"current_wave"`
	TotalWaves      int                     `json:"total_waves"`
	TotalAgents     int                     `json:"total_agents"`
	ActiveAgents    int                     `json:"active_agents"`
	CompletedAgents int                     `json:"completed_agents"`
	Agents          map[string]*AgentStatus `json:"agents"`
	Waves           map[string]*WaveSummary `json:"waves"`
	Knowledge       knowledge.Stats         `json:"knowledge"`
	RecentLearnings []knowledge.Entry       `json:"recent_learnings,omitempty"`
	Timestamp       string                  `json:"timestamp"`
}

// AgentEvent is a live event attributed to an agent.
type AgentEvent struct {
	AgentID string `json:"agent_id"`
	parser.LiveEvent
}

// Gatherer maintains the incremental parsing state behind snapshots.
type Gatherer struct {
	cfg  *config.Config
	ws   *workspace.Store
	know *knowledge.Store

	positions *tracker.PositionTracker
	cache     *tracker.ParseCache

	mu      sync.Mutex
	parsed  map[string]*parser.Result
	recent  []AgentEvent
	fresh   []AgentEvent
	lastSig string
}

// NewGatherer wires a gatherer over the workspace. know may be nil.
func NewGatherer(cfg *config.Config, ws *workspace.Store, know *knowledge.Store) *Gatherer {
	return &Gatherer{
		cfg:       cfg,
		ws:        ws,
		know:      know,
		positions: tracker.NewPositionTracker(cfg.Limits.MaxTrackedFiles),
		cache:     tracker.NewParseCache(cfg.Limits.ParseCacheSize),
		parsed:    map[string]*parser.Result{},
	}
}

// CacheStats exposes parse-cache effectiveness for diagnostics.
func (g *Gatherer) CacheStats() tracker.CacheStats { return g.cache.Stats() }

// FullStatus assembles a snapshot at the given instant.
func (g *Gatherer) FullStatus(now time.Time) (*Snapshot, error) {
	st, err := g.ws.Load()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ProjectName: st.ProjectName,
		Mode:        st.Mode,
		Status:      st.Status,
		StartTime:   st.StartTime,
		CurrentWave: st.CurrentWave,
		TotalWaves:  st.TotalWaves,
		Agents:      map[string]*AgentStatus{},
		Waves:       map[string]*WaveSummary{},
		Timestamp:   now.UTC().Format(time.RFC3339),
	}

	var progressSum float64
	for id, agent := range st.Agents {
		as := g.agentStatus(agent, now)
		snap.Agents[id] = as
		progressSum += as.Progress
		switch as.Status {
		case workspace.StatusCompleted:
			snap.CompletedAgents++
		case workspace.StatusRunning:
			snap.ActiveAgents++
		}
	}

	// Output streams matched by the configured globs can belong to
	// agents the state file does not know about; fold them in too.
	for _, path := range g.discoverOutputs() {
		id := AgentIDFromPath(path)
		if _, ok := snap.Agents[id]; ok {
			continue
		}
		as := g.discoveredStatus(id, path, now)
		if as == nil {
			continue
		}
		snap.Agents[id] = as
		progressSum += as.Progress
		switch as.Status {
		case workspace.StatusCompleted:
			snap.CompletedAgents++
		case workspace.StatusRunning:
			snap.ActiveAgents++
		}
	}
	snap.TotalAgents = len(snap.Agents)

	if snap.TotalAgents > 0 {
		avg := progressSum / float64(snap.TotalAgents)
		completed := float64(snap.CompletedAgents) / float64(snap.TotalAgents)
		snap.OverallProgress = min(100, 0.5*avg+50*completed)
	}

	for key, w := range st.Waves {
		wave, _ := strconv.Atoi(key)
		ws := &WaveSummary{Wave: wave, Status: w.Status, Agents: append([]string{}, w.Agents...)}
		sort.Strings(ws.Agents)
		for _, id := range w.Agents {
			if as := snap.Agents[id]; as != nil && as.Status == workspace.StatusCompleted {
				ws.Completed++
			}
		}
		snap.Waves[key] = ws
	}

	if g.know != nil {
		snap.Knowledge = g.know.Summary()
		snap.RecentLearnings = g.know.Query(knowledge.QueryOptions{Limit: 5})
	}
	return snap, nil
}

// agentStatus derives one agent's row from its heartbeat and output stream.
func (g *Gatherer) agentStatus(agent *workspace.AgentState, now time.Time) *AgentStatus {
	as := &AgentStatus{
		AgentID:    agent.AgentID,
		Role:       agent.Role,
		Wave:       agent.Wave,
		Generation: agent.CurrentGeneration,
		Status:     workspace.StatusPending,
		Confidence: 1.0,
	}

	gen := agent.CurrentGeneration
	if gen < 1 {
		gen = 1
	}
	gs, err := g.ws.ReadGenerationStatus(agent.AgentID, gen)
	if err == nil {
		as.Progress = gs.Progress
		as.CurrentTask = gs.CurrentTask
		as.Interactions = gs.Interactions
		as.Errors = gs.Errors
		as.Confidence = gs.Confidence
		as.TaskComplete = gs.TaskComplete
	}

	outputPath := g.ws.OutputPath(agent.AgentID, gen)
	res, lastActivity := g.parseOutput(agent.AgentID, outputPath)
	if res != nil {
		foldOutput(as, res)
	}
	if !lastActivity.IsZero() {
		as.LastActivity = lastActivity.UTC().Format(time.RFC3339)
	}

	as.Status = deriveStatus(agent, res, lastActivity, now, g.cfg.Timing)
	if as.Status == workspace.StatusCompleted {
		as.Progress = 100
	}
	return as
}

// discoveredStatus builds a row for an output stream with no entry in
// the state file.
func (g *Gatherer) discoveredStatus(id, path string, now time.Time) *AgentStatus {
	res, lastActivity := g.parseOutput(id, path)
	if res == nil {
		return nil
	}
	as := &AgentStatus{
		AgentID:    id,
		Status:     workspace.StatusPending,
		Confidence: 1.0,
	}
	foldOutput(as, res)
	if !lastActivity.IsZero() {
		as.LastActivity = lastActivity.UTC().Format(time.RFC3339)
	}
	as.Status = deriveStatus(&workspace.AgentState{AgentID: id}, res, lastActivity, now, g.cfg.Timing)
	if as.Status == workspace.StatusCompleted {
		as.Progress = 100
	}
	return as
}

func foldOutput(as *AgentStatus, res *parser.Result) {
	as.ToolCalls = res.TotalTools
	as.FilesCreated = len(res.FilesCreated)
	as.FilesModified = len(res.FilesModified)
	as.Activity = res.ActivitySummary()
	if res.CurrentTask != "" {
		as.CurrentTask = res.CurrentTask
	}
	if est := res.EstimateProgress(); est > as.Progress {
		as.Progress = est
	}
	if res.Interactions > as.Interactions {
		as.Interactions = res.Interactions
	}
	as.Errors += len(res.Errors)
	if res.Completed {
		as.TaskComplete = true
	}
}

// deriveStatus applies the activity heuristics. A completion marker
// always wins; otherwise silence gets more final the longer it lasts.
func deriveStatus(agent *workspace.AgentState, res *parser.Result, lastActivity, now time.Time, timing config.TimingConfig) string {
	if agent.Status == workspace.StatusCompleted || agent.Status == workspace.StatusFailed {
		return agent.Status
	}
	if res != nil && res.Completed {
		return workspace.StatusCompleted
	}
	if lastActivity.IsZero() {
		if res == nil || res.EventCount == 0 {
			return workspace.StatusPending
		}
		return workspace.StatusIdle
	}

	idle := now.Sub(lastActivity).Seconds()
	switch {
	case idle > timing.CompletionGraceSeconds && res != nil && res.EventCount > 20:
		// Long silence after substantial output usually means the
		// process exited without printing a marker.
		return workspace.StatusCompleted
	case idle > timing.CompletionGraceSeconds:
		return workspace.StatusIdle
	case idle > timing.AgentTimeoutSeconds:
		return workspace.StatusIdle
	default:
		return workspace.StatusRunning
	}
}

// parseOutput reads any new bytes of an output file and returns the
// accumulated parse plus the time of its newest event. Files whose
// events carry no timestamps fall back to the file's mtime; an empty
// file has no activity at all.
func (g *Gatherer) parseOutput(agentID, path string) (*parser.Result, time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}
	}
	mtime := info.ModTime()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cached, ok := g.cache.Get(path, mtime.UnixNano()); ok {
		res := cached.(*parser.Result)
		return res, activityTime(res, mtime)
	}

	res := g.parsed[path]
	if res == nil {
		res = parser.New()
		g.parsed[path] = res
	}

	chunk, truncated := g.positions.NextChunk(path)
	if truncated {
		// A rewritten file replays history; rebuild the parse without
		// pushing the replayed events into the live rings.
		g.cache.InvalidateFile(path)
		res = parser.New()
		g.parsed[path] = res
		res.Parse(chunk, g.parseOpts())
		g.cache.Set(path, mtime.UnixNano(), res)
		return res, activityTime(res, mtime)
	}
	if chunk != "" {
		before := len(res.Events)
		res.Parse(chunk, g.parseOpts())
		g.recordEventsLocked(agentID, res, before)
	}
	g.cache.Set(path, mtime.UnixNano(), res)
	return res, activityTime(res, mtime)
}

func (g *Gatherer) parseOpts() parser.Options {
	return parser.Options{
		CompletionMarkers: g.cfg.CompletionMarkers,
		MaxContentLength:  g.cfg.Limits.MaxContentLength,
		MaxLiveEvents:     g.cfg.Limits.MaxLiveEvents,
	}
}

func activityTime(res *parser.Result, mtime time.Time) time.Time {
	if t := res.ActivityTime(); !t.IsZero() {
		return t
	}
	if res.EventCount > 0 {
		return mtime
	}
	return time.Time{}
}

func (g *Gatherer) recordEventsLocked(agentID string, res *parser.Result, before int) {
	newEvents := res.Events[min(before, len(res.Events)):]
	for _, ev := range newEvents {
		ae := AgentEvent{AgentID: agentID, LiveEvent: ev}
		g.fresh = append(g.fresh, ae)
		g.recent = append(g.recent, ae)
	}
	if limit := g.cfg.Limits.RecentEventsLimit; limit > 0 && len(g.recent) > limit {
		g.recent = g.recent[len(g.recent)-limit:]
	}
}

// RecentEvents returns the retained event ring, newest last.
func (g *Gatherer) RecentEvents() []AgentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AgentEvent{}, g.recent...)
}

// DrainNewEvents returns events accumulated since the last drain.
func (g *Gatherer) DrainNewEvents() []AgentEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.fresh
	g.fresh = nil
	return out
}

// Changed reports whether anything under the state directory moved
// since the last call, using a cheap size+mtime signature.
func (g *Gatherer) Changed() bool {
	sig := g.signature()
	g.mu.Lock()
	defer g.mu.Unlock()
	if sig == g.lastSig {
		return false
	}
	g.lastSig = sig
	return true
}

func (g *Gatherer) signature() string {
	var b strings.Builder
	paths := []string{g.ws.StatePath(), g.ws.KnowledgePath()}
	paths = append(paths, g.discoverOutputs()...)
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			fmt.Fprintf(&b, "%s:%d:%d;", p, info.Size(), info.ModTime().UnixNano())
		}
	}
	return b.String()
}

// discoverOutputs globs for output streams under the state directory
// plus any operator-configured patterns under the workspace.
func (g *Gatherer) discoverOutputs() []string {
	seen := map[string]bool{}
	var out []string
	add := func(matches []string) {
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	matches, _ := doublestar.FilepathGlob(filepath.Join(g.ws.Dir(), "agents", "*", "generations", "gen-*", "output.jsonl"))
	add(matches)
	matches, _ = doublestar.FilepathGlob(filepath.Join(g.ws.Dir(), "generations", "gen-*", "output.jsonl"))
	add(matches)
	for _, pattern := range g.cfg.OutputGlobs {
		matches, _ := doublestar.FilepathGlob(filepath.Join(g.cfg.WorkspaceDir(), pattern))
		add(matches)
	}
	sort.Strings(out)
	return out
}

// AgentIDFromPath recovers the owning agent id from an output path:
// the segment under an "agents" directory, a 7-character "a"-prefixed
// segment, a segment containing "agent", or failing all three, the
// parent directory name.
func AgentIDFromPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if part == "agents" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	for _, part := range parts {
		if len(part) == 7 && strings.HasPrefix(part, "a") {
			return part
		}
	}
	for _, part := range parts {
		if strings.Contains(strings.ToLower(part), "agent") {
			return part
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return path
}
