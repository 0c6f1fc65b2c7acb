// Package workspace owns the on-disk orchestration state: the root
// state file, per-agent generation directories, and their status files.
package workspace

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version stamped into newly initialized state files.
const Version = "2.0.1"

// Orchestration modes.
const (
	ModeSingle = "single"
	ModeSwarm  = "swarm"
)

// Run states shared by the root state, waves, and agents.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusIdle      = "idle"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSucceeded = "succeeded" // generation handed off to a successor
)

// AgentSeed describes an agent before the workspace exists.
type AgentSeed struct {
	ID    string
	Role  string
	Focus string
	Wave  int
}

// AgentState is one agent's entry in the root state file.
type AgentState struct {
	AgentID           string `json:"agent_id"`
	Role              string `json:"role"`
	Focus             string `json:"focus,omitempty"`
	Wave              int    `json:"wave"`
	Status            string `json:"status"`
	CurrentGeneration int    `json:"current_generation"`
	LastUpdated       string `json:"last_updated,omitempty"`
}

// WaveState tracks one wave of the swarm schedule.
type WaveState struct {
	Agents      []string `json:"agents"`
	Status      string   `json:"status"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// State is the root orchestration record (gas-state.json).
type State struct {
	ProjectName       string                 `json:"project_name"`
	ProjectSlug       string                 `json:"project_slug"`
	Version           string                 `json:"version"`
	Mode              string                 `json:"mode"`
	TaskObjective     string                 `json:"task_objective"`
	Status            string                 `json:"status"`
	StartTime         string                 `json:"start_time"`
	CurrentGeneration int                    `json:"current_generation"`
	TotalGenerations  int                    `json:"total_generations"`
	CurrentWave       int                    `json:"current_wave"`
	TotalWaves        int                    `json:"total_waves"`
	Agents            map[string]*AgentState `json:"agents"`
	Waves             map[string]*WaveState  `json:"waves"`
	Dependencies      map[string][]string    `json:"dependencies,omitempty"`
	LastUpdated       string                 `json:"last_updated"`
}

// Learning is one observation an agent records for its successors.
// Type routes it in the knowledge store: "success_pattern",
// "anti_pattern", or anything else for a domain fact.
type Learning struct {
	Type    string `json:"type,omitempty"`
	Pattern string `json:"pattern"`
	Context string `json:"context,omitempty"`
}

// GenerationStatus is the heartbeat file each agent generation keeps
// current while it works (status.json in its generation directory).
type GenerationStatus struct {
	Generation       int        `json:"generation"`
	AgentID          string     `json:"agent_id"`
	Status           string     `json:"status"`
	StartedAt        string     `json:"started_at"`
	LastUpdated      string     `json:"last_updated"`
	Interactions     int        `json:"interactions"`
	Progress         float64    `json:"progress"`
	CurrentTask      string     `json:"current_task"`
	CompletedTasks   []string   `json:"completed_tasks"`
	KeyDecisions     []string   `json:"key_decisions,omitempty"`
	Blockers         []string   `json:"blockers,omitempty"`
	ActiveFiles      []string   `json:"active_files,omitempty"`
	NextSteps        []string   `json:"next_steps,omitempty"`
	OpenQuestions    []string   `json:"open_questions,omitempty"`
	Confidence       float64    `json:"confidence"`
	Errors           int        `json:"errors"`
	TaskComplete     bool       `json:"task_complete,omitempty"`
	Learnings        []Learning `json:"learnings"`
	ParentGeneration int        `json:"parent_generation"`
	SucceededTo      int        `json:"succeeded_to,omitempty"`
	CompletedAt      string     `json:"completed_at,omitempty"`
	TransferDocument string     `json:"transfer_document,omitempty"`
}

// NewGenerationStatus returns the initial heartbeat for a fresh generation.
func NewGenerationStatus(gen int, agentID string, parent int) *GenerationStatus {
	now := Timestamp()
	return &GenerationStatus{
		Generation:       gen,
		AgentID:          agentID,
		Status:           StatusPending,
		StartedAt:        now,
		LastUpdated:      now,
		Progress:         0,
		CurrentTask:      "Waiting to start",
		CompletedTasks:   []string{},
		Confidence:       1.0,
		Learnings:        []Learning{},
		ParentGeneration: parent,
	}
}

// Timestamp returns the canonical UTC timestamp used in state files.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// ParseTimestamp accepts the formats that have appeared in state files.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05Z", time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NewAgentID returns a short random agent identifier such as "a3f9c2d".
func NewAgentID() string {
	return "a" + uuid.NewString()[:6]
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a project name into a filesystem-safe slug.
func Slugify(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}
