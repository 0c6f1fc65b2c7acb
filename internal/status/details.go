package status

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/transfer"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// AgentDetail is the expanded per-agent view behind the dashboard's
// drill-down panel.
type AgentDetail struct {
	AgentStatus
	CompletedTasks []string             `json:"completed_tasks,omitempty"`
	Learnings      []workspace.Learning `json:"learnings,omitempty"`
	FilesCreated   []string             `json:"files_created_list,omitempty"`
	FilesModified  []string             `json:"files_modified_list,omitempty"`
	Errors         []string             `json:"errors_list,omitempty"`
	Events         []AgentEvent         `json:"events"`
	Generations    []GenerationSummary  `json:"generations"`
	LastText       string               `json:"last_text,omitempty"`
}

// GenerationSummary is one line of an agent's succession history.
type GenerationSummary struct {
	Generation int     `json:"generation"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	StartedAt  string  `json:"started_at"`
	Reason     string  `json:"retirement_reason,omitempty"`
}

// AgentDetails assembles the drill-down view for one agent.
func (g *Gatherer) AgentDetails(agentID string, now time.Time) (*AgentDetail, error) {
	st, err := g.ws.Load()
	if err != nil {
		return nil, err
	}
	agent := st.Agents[agentID]
	if agent == nil {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	detail := &AgentDetail{AgentStatus: *g.agentStatus(agent, now)}

	gen := agent.CurrentGeneration
	if gen < 1 {
		gen = 1
	}
	if gs, err := g.ws.ReadGenerationStatus(agentID, gen); err == nil {
		detail.CompletedTasks = gs.CompletedTasks
		detail.Learnings = gs.Learnings
	}

	if res, _ := g.parseOutput(agentID, g.ws.OutputPath(agentID, gen)); res != nil {
		detail.FilesCreated = res.FilesCreated
		detail.FilesModified = res.FilesModified
		detail.Errors = res.Errors
		detail.LastText = res.LastText
		for _, ev := range res.Events {
			detail.Events = append(detail.Events, AgentEvent{AgentID: agentID, LiveEvent: ev})
		}
	}

	gens, err := g.ws.ListGenerations(agentID)
	if err != nil {
		return nil, err
	}
	for _, n := range gens {
		gs, err := g.ws.ReadGenerationStatus(agentID, n)
		if err != nil {
			continue
		}
		summary := GenerationSummary{
			Generation: n,
			Status:     gs.Status,
			Progress:   gs.Progress,
			StartedAt:  gs.StartedAt,
		}
		if gs.Status == workspace.StatusSucceeded && gs.TransferDocument != "" {
			if doc, err := transfer.Load(gs.TransferDocument); err == nil {
				summary.Reason = doc.Meta.Reason
			}
		}
		detail.Generations = append(detail.Generations, summary)
	}
	return detail, nil
}
