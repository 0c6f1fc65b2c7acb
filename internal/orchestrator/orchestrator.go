// Package orchestrator drives a run end to end: spawning generations,
// evaluating succession triggers, advancing waves, and reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gasflow/internal/bus"
	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/trigger"
	"github.com/nextlevelbuilder/gasflow/internal/wave"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// Orchestrator owns one run of the succession loop.
type Orchestrator struct {
	cfg      *config.Config
	ws       *workspace.Store
	know     *knowledge.Store
	gens     *generation.Manager
	sched    *wave.Scheduler
	gatherer *status.Gatherer
	events   bus.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer

	// Clock is swappable for tests.
	Clock func() time.Time
}

// New wires an orchestrator. events may be nil.
func New(cfg *config.Config, ws *workspace.Store, know *knowledge.Store, gens *generation.Manager,
	sched *wave.Scheduler, gatherer *status.Gatherer, events bus.Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		ws:       ws,
		know:     know,
		gens:     gens,
		sched:    sched,
		gatherer: gatherer,
		events:   events,
		logger:   logger,
		tracer:   otel.Tracer("gasflow/orchestrator"),
		Clock:    time.Now,
	}
}

func (o *Orchestrator) publish(ev bus.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// Run dispatches on the workspace mode and blocks until the run
// completes, fails, or ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	st, err := o.ws.Load()
	if err != nil {
		return err
	}
	o.publish(bus.Event{Type: bus.EventRunStarted, Payload: st.ProjectName})

	stopMaintenance := o.startMaintenance(ctx)
	defer stopMaintenance()

	if st.Mode == workspace.ModeSwarm {
		err = o.runSwarm(ctx, st)
	} else {
		err = o.runSingle(ctx, st)
	}
	if err == nil {
		o.publish(bus.Event{Type: bus.EventRunCompleted})
	}
	return err
}

// runSingle drives one agent through successive generations until it
// completes or exhausts its budget.
func (o *Orchestrator) runSingle(ctx context.Context, st *workspace.State) error {
	agentID := singleAgentID(st)
	if agentID == "" {
		return fmt.Errorf("no agents in workspace")
	}
	if st.Agents[agentID].Status == workspace.StatusPending {
		if err := o.gens.Spawn(ctx, agentID, 1); err != nil {
			return err
		}
	}

	interval := time.Duration(o.cfg.Timing.TriggerPollSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := o.tickSingle(ctx, agentID)
			if err != nil {
				return err
			}
			if done {
				return o.finishRun(workspace.ModeSingle)
			}
		}
	}
}

// tickSingle evaluates one agent once and reports whether the run is over.
func (o *Orchestrator) tickSingle(ctx context.Context, agentID string) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tick",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	now := o.Clock()
	snap, err := o.gatherer.FullStatus(now)
	if err != nil {
		return false, err
	}
	as := snap.Agents[agentID]
	if as == nil {
		return false, fmt.Errorf("agent %s missing from snapshot", agentID)
	}

	switch as.Status {
	case workspace.StatusCompleted:
		if as.TaskComplete {
			if err := o.completeAgent(agentID); err != nil {
				return false, err
			}
			return true, nil
		}
		// The generation ended without declaring the task done; the
		// lineage continues with a successor.
		if err := o.succeed(ctx, agentID, "generation ended without task completion", ""); err != nil {
			return false, err
		}
		return false, nil
	case workspace.StatusFailed:
		if err := o.gens.MarkFailed(agentID); err != nil {
			return false, err
		}
		return false, fmt.Errorf("agent %s failed", agentID)
	}

	return false, o.maybeSucceed(ctx, agentID, now)
}

// maybeSucceed runs the trigger evaluation for an agent's current
// generation and hands off when it fires.
func (o *Orchestrator) maybeSucceed(ctx context.Context, agentID string, now time.Time) error {
	st, err := o.ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[agentID]
	gen := agent.CurrentGeneration
	if gen < 1 {
		return nil
	}
	gs, err := o.ws.ReadGenerationStatus(agentID, gen)
	if err != nil {
		o.logger.Warn("heartbeat unreadable", "agent", agentID, "generation", gen, "error", err)
		return nil
	}

	res := trigger.Evaluate(gs, o.cfg.Trigger, now)
	if !res.ShouldHandoff {
		return nil
	}
	if res.Urgency == trigger.UrgencySoon && gs.Progress >= 90 {
		// Nearly done: let it finish rather than churn a generation.
		return nil
	}

	reason := fmt.Sprintf("%s (%s, score %.2f)", res.PrimaryTrigger, res.Urgency, res.Weighted)
	return o.succeed(ctx, agentID, reason, res.Urgency)
}

// succeed retires an agent's current generation and spawns the next,
// marking the agent failed when the generation budget is gone.
func (o *Orchestrator) succeed(ctx context.Context, agentID, reason, urgency string) error {
	st, err := o.ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[agentID]
	if agent == nil {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	gen := agent.CurrentGeneration

	next, err := o.gens.Succeed(ctx, agentID, reason)
	if err != nil {
		if errors.Is(err, generation.ErrGenerationBudget) {
			o.logger.Error("generation budget exhausted", "agent", agentID)
			if markErr := o.gens.MarkFailed(agentID); markErr != nil {
				return markErr
			}
			return err
		}
		return err
	}
	payload := map[string]any{"retired": gen, "successor": next, "reason": reason}
	if urgency != "" {
		payload["urgency"] = urgency
	}
	o.publish(bus.Event{Type: bus.EventSuccession, AgentID: agentID, Payload: payload})
	return nil
}

// runSwarm starts wave 1 and advances the barrier until every wave is done.
func (o *Orchestrator) runSwarm(ctx context.Context, st *workspace.State) error {
	if w := st.Waves["1"]; w != nil && w.Status == workspace.StatusPending {
		if err := o.sched.StartWave(ctx, 1); err != nil {
			return err
		}
	}

	interval := time.Duration(o.cfg.Timing.WavePollSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := o.tickSwarm(ctx)
			if err != nil {
				return err
			}
			if done {
				return o.finishRun(workspace.ModeSwarm)
			}
		}
	}
}

func (o *Orchestrator) tickSwarm(ctx context.Context) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.wave_tick")
	defer span.End()

	now := o.Clock()
	snap, err := o.gatherer.FullStatus(now)
	if err != nil {
		return false, err
	}

	st, err := o.ws.Load()
	if err != nil {
		return false, err
	}
	for id, as := range snap.Agents {
		agent := st.Agents[id]
		if agent == nil || agent.Status != workspace.StatusRunning {
			continue
		}
		if as.Status == workspace.StatusCompleted {
			if as.TaskComplete {
				if err := o.completeAgent(id); err != nil {
					return false, err
				}
			} else if err := o.succeed(ctx, id, "generation ended without task completion", ""); err != nil {
				return false, err
			}
			continue
		}
		if err := o.maybeSucceed(ctx, id, now); err != nil {
			if errors.Is(err, generation.ErrGenerationBudget) {
				// The agent is marked failed; the wave can never finish.
				return false, err
			}
			return false, err
		}
	}

	wasWave := st.CurrentWave
	advanced, err := o.sched.Advance(ctx)
	if err != nil {
		return false, err
	}
	st, err = o.ws.Load()
	if err != nil {
		return false, err
	}
	if advanced && st.CurrentWave != wasWave {
		o.publish(bus.Event{
			Type:    bus.EventWaveChange,
			Payload: map[string]any{"wave": st.CurrentWave, "total": st.TotalWaves},
		})
	}
	return st.Status == workspace.StatusCompleted, nil
}

// completeAgent persists a derived completion and consolidates the
// final generation's learnings.
func (o *Orchestrator) completeAgent(agentID string) error {
	st, err := o.ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[agentID]
	if agent == nil || agent.Status == workspace.StatusCompleted {
		return nil
	}
	if gs, err := o.ws.ReadGenerationStatus(agentID, agent.CurrentGeneration); err == nil {
		if _, err := o.gens.Consolidate(gs); err != nil {
			return err
		}
		gs.Status = workspace.StatusCompleted
		gs.Progress = 100
		gs.CompletedAt = workspace.Timestamp()
		if err := o.ws.WriteGenerationStatus(gs); err != nil {
			return err
		}
	}
	if err := o.gens.MarkCompleted(agentID); err != nil {
		return err
	}
	o.publish(bus.Event{Type: bus.EventAgentDone, AgentID: agentID})
	o.logger.Info("agent completed", "agent", agentID)
	return nil
}

// finishRun marks the root state and writes the final report.
func (o *Orchestrator) finishRun(mode string) error {
	err := o.ws.Update(func(st *workspace.State) error {
		st.Status = workspace.StatusCompleted
		return nil
	})
	if err != nil {
		return err
	}
	path, err := o.WriteReport()
	if err != nil {
		return err
	}
	o.logger.Info("run complete", "mode", mode, "report", path)
	return nil
}

func singleAgentID(st *workspace.State) string {
	for id := range st.Agents {
		return id
	}
	return ""
}
