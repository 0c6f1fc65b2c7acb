package orchestrator

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
)

// startMaintenance schedules knowledge prune/decay sweeps on the
// configured cron expression. Returns a stop function; a no-op when
// maintenance is disabled or the expression is invalid.
func (o *Orchestrator) startMaintenance(ctx context.Context) func() {
	expr := o.cfg.Knowledge.MaintenanceCron
	if expr == "" || o.know == nil {
		return func() {}
	}
	gron := gronx.New()
	if !gron.IsValid(expr) {
		o.logger.Warn("invalid maintenance cron, sweeps disabled", "expr", expr)
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				due, err := gron.IsDue(expr, now)
				if err != nil || !due {
					continue
				}
				o.runMaintenance()
			}
		}
	}()
	return func() { close(stop) }
}

// runMaintenance prunes low-confidence entries and decays stale ones.
func (o *Orchestrator) runMaintenance() {
	st, err := o.ws.Load()
	if err != nil {
		return
	}
	removed, err := o.know.Prune(o.cfg.Knowledge.PruneMinConfidence, 0)
	if err != nil {
		o.logger.Warn("knowledge prune failed", "error", err)
		return
	}
	decayed, err := o.know.Decay(st.CurrentGeneration)
	if err != nil {
		o.logger.Warn("knowledge decay failed", "error", err)
		return
	}
	pruned := 0
	for _, n := range removed {
		pruned += n
	}
	if pruned > 0 || decayed > 0 {
		o.logger.Info("knowledge maintenance", "pruned", pruned, "decayed", decayed)
	}
}
