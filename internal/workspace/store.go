package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrNoState is returned when the workspace has not been initialized.
var ErrNoState = errors.New("workspace not initialized")

// Store reads and writes orchestration state under a single state
// directory. All writes are atomic (temp file + rename).
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the state directory root.
func (s *Store) Dir() string { return s.dir }

// StatePath is the root state file.
func (s *Store) StatePath() string { return filepath.Join(s.dir, "gas-state.json") }

// KnowledgePath is the cross-generation knowledge store file.
func (s *Store) KnowledgePath() string { return filepath.Join(s.dir, "knowledge", "store.json") }

// AgentDir returns the directory holding one agent's generations.
func (s *Store) AgentDir(agentID string) string {
	return filepath.Join(s.dir, "agents", agentID)
}

// AgentConfigPath is the per-agent role/focus file.
func (s *Store) AgentConfigPath(agentID string) string {
	return filepath.Join(s.AgentDir(agentID), "config.json")
}

// GenerationsRoot holds an agent's generation directories. An empty
// agentID addresses the single-agent lineage at the workspace root.
func (s *Store) GenerationsRoot(agentID string) string {
	if agentID == "" {
		return filepath.Join(s.dir, "generations")
	}
	return filepath.Join(s.AgentDir(agentID), "generations")
}

// GenerationDir returns one generation's directory for an agent.
func (s *Store) GenerationDir(agentID string, gen int) string {
	return filepath.Join(s.GenerationsRoot(agentID), fmt.Sprintf("gen-%d", gen))
}

// StatusPath is the heartbeat file for a generation.
func (s *Store) StatusPath(agentID string, gen int) string {
	return filepath.Join(s.GenerationDir(agentID, gen), "status.json")
}

// TransferPath is where a retiring generation leaves its handoff document.
func (s *Store) TransferPath(agentID string, gen int) string {
	return filepath.Join(s.GenerationDir(agentID, gen), "transfer.json")
}

// OutputPath is the NDJSON stream a generation appends to while working.
func (s *Store) OutputPath(agentID string, gen int) string {
	return filepath.Join(s.GenerationDir(agentID, gen), "output.jsonl")
}

// Load reads the root state file.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if st.Agents == nil {
		st.Agents = map[string]*AgentState{}
	}
	if st.Waves == nil {
		st.Waves = map[string]*WaveState{}
	}
	return &st, nil
}

// Save writes the root state atomically, stamping LastUpdated.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastUpdated = Timestamp()
	return s.writeJSON(s.StatePath(), st)
}

// Update loads the state, applies fn, and saves the result, holding
// the store lock across the whole read-modify-write.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	st.LastUpdated = Timestamp()
	return s.writeJSON(s.StatePath(), st)
}

// ReadGenerationStatus loads a generation heartbeat.
func (s *Store) ReadGenerationStatus(agentID string, gen int) (*GenerationStatus, error) {
	data, err := os.ReadFile(s.StatusPath(agentID, gen))
	if err != nil {
		return nil, err
	}
	var gs GenerationStatus
	if err := json.Unmarshal(data, &gs); err != nil {
		return nil, fmt.Errorf("parse status for %s gen %d: %w", agentID, gen, err)
	}
	return &gs, nil
}

// WriteGenerationStatus writes a heartbeat atomically, stamping LastUpdated.
func (s *Store) WriteGenerationStatus(gs *GenerationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs.LastUpdated = Timestamp()
	return s.writeJSON(s.StatusPath(gs.AgentID, gs.Generation), gs)
}

// ListGenerations returns an agent's generation numbers in ascending order.
func (s *Store) ListGenerations(agentID string) ([]int, error) {
	entries, err := os.ReadDir(s.GenerationsRoot(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var gens []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "gen-") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "gen-")); err == nil {
			gens = append(gens, n)
		}
	}
	sort.Ints(gens)
	return gens, nil
}

// writeJSON must be called with s.mu held.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
