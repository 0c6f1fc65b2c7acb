// Package transfer builds the handoff document a retiring generation
// leaves for its successor.
package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// Meta identifies the document and the succession that produced it.
type Meta struct {
	Generation          int     `json:"generation"`
	SuccessorGeneration int     `json:"successor_generation"`
	AgentID             string  `json:"agent_id"`
	CreatedAt           string  `json:"created_at"`
	Reason              string  `json:"reason"`
	ConfidenceAtHandoff float64 `json:"confidence_at_handoff"`
}

// TaskState captures where the retiring generation left the objective.
type TaskState struct {
	Objective      string   `json:"objective"`
	CurrentTask    string   `json:"current_task"`
	CompletedTasks []string `json:"completed_tasks"`
	Blockers       []string `json:"blockers,omitempty"`
	Progress       float64  `json:"progress"`
	Confidence     float64  `json:"confidence"`
}

// CompletedWork itemizes what the retiring generation finished and the
// decisions behind it.
type CompletedWork struct {
	Subtasks     []string `json:"subtasks"`
	KeyDecisions []string `json:"key_decisions,omitempty"`
}

// WorkingMemory is the soft state worth carrying forward.
type WorkingMemory struct {
	RecentLearnings []string `json:"recent_learnings"`
	ActiveFiles     []string `json:"active_files,omitempty"`
	OpenQuestions   []string `json:"open_questions,omitempty"`
	NextSteps       []string `json:"next_steps,omitempty"`
}

// Document is the full transfer payload.
type Document struct {
	Meta                 Meta               `json:"meta"`
	TaskState            TaskState          `json:"task_state"`
	CompletedWork        CompletedWork      `json:"completed_work"`
	WorkingMemory        WorkingMemory      `json:"working_memory"`
	AccumulatedKnowledge knowledge.Snapshot `json:"accumulated_knowledge"`
	ConversationSummary  string             `json:"conversation_summary,omitempty"`
}

// Build assembles a document from the current state, the retiring
// generation's heartbeat, and the top knowledge entries.
func Build(st *workspace.State, gs *workspace.GenerationStatus, know *knowledge.Store, reason string, topK int) *Document {
	doc := &Document{
		Meta: Meta{
			Generation:          gs.Generation,
			SuccessorGeneration: gs.Generation + 1,
			AgentID:             gs.AgentID,
			CreatedAt:           workspace.Timestamp(),
			Reason:              reason,
			ConfidenceAtHandoff: gs.Confidence,
		},
		TaskState: TaskState{
			Objective:      st.TaskObjective,
			CurrentTask:    gs.CurrentTask,
			CompletedTasks: append([]string{}, gs.CompletedTasks...),
			Blockers:       append([]string{}, gs.Blockers...),
			Progress:       gs.Progress,
			Confidence:     gs.Confidence,
		},
		CompletedWork: CompletedWork{
			Subtasks:     append([]string{}, gs.CompletedTasks...),
			KeyDecisions: append([]string{}, gs.KeyDecisions...),
		},
		WorkingMemory: WorkingMemory{
			RecentLearnings: learningPatterns(gs.Learnings),
			ActiveFiles:     append([]string{}, gs.ActiveFiles...),
			OpenQuestions:   append([]string{}, gs.OpenQuestions...),
			NextSteps:       append([]string{}, gs.NextSteps...),
		},
	}
	if know != nil {
		doc.AccumulatedKnowledge = know.Export(topK)
	}
	return doc
}

func learningPatterns(ls []workspace.Learning) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Pattern)
	}
	return out
}

// Validate reports whether the document can seed a successor.
func (d *Document) Validate() error {
	if d.Meta.AgentID == "" {
		return fmt.Errorf("transfer document missing agent id")
	}
	if d.Meta.Generation <= 0 {
		return fmt.Errorf("transfer document has invalid generation %d", d.Meta.Generation)
	}
	if d.Meta.SuccessorGeneration != d.Meta.Generation+1 {
		return fmt.Errorf("successor generation %d does not follow %d", d.Meta.SuccessorGeneration, d.Meta.Generation)
	}
	if d.TaskState.Objective == "" {
		return fmt.Errorf("transfer document missing objective")
	}
	return nil
}

// Save writes the document atomically.
func Save(doc *Document, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transfer document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transfer document: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads and validates a document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse transfer document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
