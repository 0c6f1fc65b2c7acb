package workspace

import (
	"fmt"
	"os"
)

// AgentConfig is the per-agent role file written at init time so a
// spawned generation can discover its assignment without the root state.
type AgentConfig struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Focus   string `json:"focus,omitempty"`
	Wave    int    `json:"wave"`
}

// InitOptions configures workspace creation.
type InitOptions struct {
	ProjectName      string
	Objective        string
	Mode             string
	TotalGenerations int
	Agents           []AgentSeed
}

// Init creates the state directory and the root state file. Agents
// start at generation zero; the first generation directory appears
// only when the scheduler spawns it. Init refuses to clobber an
// existing workspace.
func (s *Store) Init(opts InitOptions) (*State, error) {
	if _, err := os.Stat(s.StatePath()); err == nil {
		return nil, fmt.Errorf("state file already exists at %s", s.StatePath())
	}
	if opts.Mode == "" {
		opts.Mode = ModeSingle
	}
	if opts.Mode != ModeSingle && opts.Mode != ModeSwarm {
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if len(opts.Agents) == 0 {
		opts.Agents = []AgentSeed{{ID: NewAgentID(), Role: "generalist", Wave: 1}}
	}

	now := Timestamp()
	st := &State{
		ProjectName:       opts.ProjectName,
		ProjectSlug:       Slugify(opts.ProjectName),
		Version:           Version,
		Mode:              opts.Mode,
		TaskObjective:     opts.Objective,
		Status:            StatusPending,
		StartTime:         now,
		CurrentGeneration: 0,
		TotalGenerations:  opts.TotalGenerations,
		CurrentWave:       1,
		Agents:            map[string]*AgentState{},
		Waves:             map[string]*WaveState{},
		Dependencies:      map[string][]string{},
	}

	maxWave := 0
	for _, seed := range opts.Agents {
		wave := seed.Wave
		if wave <= 0 {
			wave = 1
		}
		if wave > maxWave {
			maxWave = wave
		}
		st.Agents[seed.ID] = &AgentState{
			AgentID:           seed.ID,
			Role:              seed.Role,
			Focus:             seed.Focus,
			Wave:              wave,
			Status:            StatusPending,
			CurrentGeneration: 0,
			LastUpdated:       now,
		}
		key := fmt.Sprintf("%d", wave)
		if st.Waves[key] == nil {
			st.Waves[key] = &WaveState{Status: StatusPending}
		}
		st.Waves[key].Agents = append(st.Waves[key].Agents, seed.ID)
	}
	st.TotalWaves = maxWave

	if err := s.Save(st); err != nil {
		return nil, err
	}
	for _, seed := range opts.Agents {
		cfg := AgentConfig{
			AgentID: seed.ID,
			Role:    seed.Role,
			Focus:   seed.Focus,
			Wave:    st.Agents[seed.ID].Wave,
		}
		s.mu.Lock()
		err := s.writeJSON(s.AgentConfigPath(seed.ID), cfg)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}
