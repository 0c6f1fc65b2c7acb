package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// WriteReport renders the end-of-run report next to the state
// directory: FINAL_REPORT.md for single runs, SWARM_REPORT.md for
// swarms. Returns the report path.
func (o *Orchestrator) WriteReport() (string, error) {
	st, err := o.ws.Load()
	if err != nil {
		return "", err
	}

	name := "FINAL_REPORT.md"
	if st.Mode == workspace.ModeSwarm {
		name = "SWARM_REPORT.md"
	}
	path := filepath.Join(o.ws.Dir(), name)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s Run Report\n\n", st.ProjectName)
	fmt.Fprintf(&b, "- Objective: %s\n", st.TaskObjective)
	fmt.Fprintf(&b, "- Mode: %s\n", st.Mode)
	fmt.Fprintf(&b, "- Status: %s\n", st.Status)
	fmt.Fprintf(&b, "- Started: %s\n", st.StartTime)
	fmt.Fprintf(&b, "- Finished: %s\n", workspace.Timestamp())
	if st.Mode == workspace.ModeSwarm {
		fmt.Fprintf(&b, "- Waves: %d\n", st.TotalWaves)
	}

	b.WriteString("\n## Agents\n\n")
	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := st.Agents[id]
		fmt.Fprintf(&b, "### %s (%s, wave %d)\n\n", id, a.Role, a.Wave)
		fmt.Fprintf(&b, "- Final status: %s after %d generation(s)\n", a.Status, a.CurrentGeneration)
		gens, _ := o.ws.ListGenerations(id)
		for _, n := range gens {
			gs, err := o.ws.ReadGenerationStatus(id, n)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "- Gen %d: %s, %.0f%% progress, %d interactions, %d errors\n",
				n, gs.Status, gs.Progress, gs.Interactions, gs.Errors)
		}
		b.WriteString("\n")
	}

	if o.know != nil {
		b.WriteString("## Knowledge\n\n")
		stats := o.know.Summary()
		fmt.Fprintf(&b, "%d entries accumulated (avg confidence %.2f).\n\n", stats.Total, stats.AvgConfidence)
		b.WriteString(o.know.Markdown())
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
