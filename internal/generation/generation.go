// Package generation manages the agent succession lifecycle: spawning
// generations, consolidating what they learned, and handing off.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/template"
	"github.com/nextlevelbuilder/gasflow/internal/transfer"
	"github.com/nextlevelbuilder/gasflow/internal/worker"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// ErrGenerationBudget is returned when an agent has exhausted its
// allowed generations.
var ErrGenerationBudget = errors.New("generation budget exhausted")

// Manager spawns and retires agent generations.
type Manager struct {
	ws       *workspace.Store
	know     *knowledge.Store
	launcher worker.Launcher
	cfg      *config.Config
	logger   *slog.Logger
	// TemplatePath optionally overrides the built-in prompt template.
	TemplatePath string
}

// NewManager wires a manager from its dependencies.
func NewManager(ws *workspace.Store, know *knowledge.Store, launcher worker.Launcher, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ws: ws, know: know, launcher: launcher, cfg: cfg, logger: logger}
}

// Spawn starts generation gen for an agent. Generations after the
// first require the predecessor's transfer document.
func (m *Manager) Spawn(ctx context.Context, agentID string, gen int) error {
	st, err := m.ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[agentID]
	if agent == nil {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	if max := m.cfg.Limits.MaxGenerations; max > 0 && gen > max {
		return fmt.Errorf("%w: agent %s at generation %d of %d", ErrGenerationBudget, agentID, gen, max)
	}

	var doc *transfer.Document
	if gen > 1 {
		doc, err = transfer.Load(m.ws.TransferPath(agentID, gen-1))
		if err != nil {
			return fmt.Errorf("load transfer for %s gen %d: %w", agentID, gen, err)
		}
	}

	tmpl, err := template.LoadOrDefault(m.TemplatePath)
	if err != nil {
		return fmt.Errorf("load prompt template: %w", err)
	}
	prompt := template.Render(tmpl, template.Variables(st, agent, gen, doc))

	gs := workspace.NewGenerationStatus(gen, agentID, gen-1)
	gs.Status = workspace.StatusRunning
	if doc != nil {
		gs.TransferDocument = m.ws.TransferPath(agentID, gen-1)
		gs.Progress = doc.TaskState.Progress
		gs.CompletedTasks = append([]string{}, doc.CompletedWork.Subtasks...)
		gs.KeyDecisions = append([]string{}, doc.CompletedWork.KeyDecisions...)
		gs.Blockers = append([]string{}, doc.TaskState.Blockers...)
		gs.CurrentTask = doc.TaskState.CurrentTask
	}
	if err := m.ws.WriteGenerationStatus(gs); err != nil {
		return err
	}

	spec := worker.Spec{
		AgentID:    agentID,
		Generation: gen,
		Prompt:     prompt,
		WorkDir:    m.ws.GenerationDir(agentID, gen),
		OutputPath: m.ws.OutputPath(agentID, gen),
		Env: []string{
			"GAS_DIR=" + m.ws.Dir(),
			"GAS_AGENT_ID=" + agentID,
			fmt.Sprintf("GAS_GENERATION=%d", gen),
		},
	}
	if err := m.launcher.Launch(ctx, spec); err != nil {
		return fmt.Errorf("launch %s gen %d: %w", agentID, gen, err)
	}

	err = m.ws.Update(func(st *workspace.State) error {
		a := st.Agents[agentID]
		a.CurrentGeneration = gen
		a.Status = workspace.StatusRunning
		a.LastUpdated = workspace.Timestamp()
		if gen > st.CurrentGeneration {
			st.CurrentGeneration = gen
		}
		if st.Status == workspace.StatusPending {
			st.Status = workspace.StatusRunning
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("generation spawned", "agent", agentID, "generation", gen, "inherited", doc != nil)
	return nil
}

// Succeed retires an agent's current generation and spawns the next:
// learnings are consolidated into the knowledge store, the transfer
// document is written, and the successor starts from it.
func (m *Manager) Succeed(ctx context.Context, agentID, reason string) (int, error) {
	st, err := m.ws.Load()
	if err != nil {
		return 0, err
	}
	agent := st.Agents[agentID]
	if agent == nil {
		return 0, fmt.Errorf("unknown agent %q", agentID)
	}
	gen := agent.CurrentGeneration

	gs, err := m.ws.ReadGenerationStatus(agentID, gen)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("agent %s gen %d has no status file", agentID, gen)
		}
		return 0, err
	}

	if _, err := m.Consolidate(gs); err != nil {
		return 0, err
	}

	doc := transfer.Build(st, gs, m.know, reason, m.cfg.Knowledge.TransferTopK)
	if err := transfer.Save(doc, m.ws.TransferPath(agentID, gen)); err != nil {
		return 0, err
	}

	gs.Status = workspace.StatusSucceeded
	gs.SucceededTo = gen + 1
	gs.CompletedAt = workspace.Timestamp()
	gs.TransferDocument = m.ws.TransferPath(agentID, gen)
	if err := m.ws.WriteGenerationStatus(gs); err != nil {
		return 0, err
	}

	next := gen + 1
	if err := m.Spawn(ctx, agentID, next); err != nil {
		return 0, err
	}
	m.logger.Info("succession complete",
		"agent", agentID, "retired", gen, "successor", next, "reason", reason)
	return next, nil
}

// Consolidate folds a generation's recorded learnings into the
// knowledge store, routed by each learning's type, and returns how
// many new entries were created.
func (m *Manager) Consolidate(gs *workspace.GenerationStatus) (int, error) {
	if m.know == nil {
		return 0, nil
	}
	added := 0
	for _, learning := range gs.Learnings {
		var kind string
		switch learning.Type {
		case "success_pattern":
			kind = knowledge.KindSuccess
		case "anti_pattern":
			kind = knowledge.KindAnti
		default:
			kind = knowledge.KindDomain
		}
		ctx := learning.Context
		if ctx == "" {
			ctx = gs.AgentID
		}
		_, reinforced, err := m.know.Add(kind, ctx, learning.Pattern, knowledge.AddOptions{
			SourceGeneration: gs.Generation,
			SourceAgent:      gs.AgentID,
		})
		if err != nil {
			return added, err
		}
		if !reinforced {
			added++
		}
	}
	if added > 0 {
		m.logger.Debug("learnings consolidated", "agent", gs.AgentID, "generation", gs.Generation, "new", added)
	}
	return added, nil
}

// MarkCompleted records an agent as finished in the root state.
func (m *Manager) MarkCompleted(agentID string) error {
	return m.ws.Update(func(st *workspace.State) error {
		a := st.Agents[agentID]
		if a == nil {
			return fmt.Errorf("unknown agent %q", agentID)
		}
		a.Status = workspace.StatusCompleted
		a.LastUpdated = workspace.Timestamp()
		return nil
	})
}

// MarkFailed records an agent as failed in the root state.
func (m *Manager) MarkFailed(agentID string) error {
	return m.ws.Update(func(st *workspace.State) error {
		a := st.Agents[agentID]
		if a == nil {
			return fmt.Errorf("unknown agent %q", agentID)
		}
		a.Status = workspace.StatusFailed
		a.LastUpdated = workspace.Timestamp()
		return nil
	})
}
