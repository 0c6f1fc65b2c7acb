package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/trigger"
)

var (
	triggerAgent string
	triggerGen   int
	triggerJSON  bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Evaluate the succession trigger for an agent",
	Long: `trigger scores the agent's current generation heartbeat against the
succession thresholds. Exit codes: 0 no handoff, 1 handoff soon,
2 handoff immediately, 3 evaluation error.`,
	Run: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerAgent, "agent", "", "agent id (defaults to the only agent)")
	triggerCmd.Flags().IntVar(&triggerGen, "generation", 0, "generation (defaults to the agent's current)")
	triggerCmd.Flags().BoolVar(&triggerJSON, "json", false, "emit the full evaluation as JSON")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) {
	res, err := evaluateTrigger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(trigger.ExitError)
	}

	if triggerJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		fmt.Printf("urgency=%s score=%.2f primary=%s\n", res.Urgency, res.Weighted, res.PrimaryTrigger)
		for _, rec := range res.Recommendations {
			fmt.Println("  -", rec)
		}
	}
	os.Exit(res.ExitCode())
}

func evaluateTrigger() (trigger.Result, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return trigger.Result{}, err
	}
	ws := openStore(cfg)
	st, err := ws.Load()
	if err != nil {
		return trigger.Result{}, err
	}

	agentID := triggerAgent
	if agentID == "" {
		if len(st.Agents) != 1 {
			return trigger.Result{}, fmt.Errorf("--agent is required with %d agents", len(st.Agents))
		}
		for id := range st.Agents {
			agentID = id
		}
	}
	agent := st.Agents[agentID]
	if agent == nil {
		return trigger.Result{}, fmt.Errorf("unknown agent %q", agentID)
	}

	gen := triggerGen
	if gen <= 0 {
		gen = agent.CurrentGeneration
	}
	gs, err := ws.ReadGenerationStatus(agentID, gen)
	if err != nil {
		return trigger.Result{}, fmt.Errorf("read status for %s gen %d: %w", agentID, gen, err)
	}
	return trigger.Evaluate(gs, cfg.Trigger, time.Now()), nil
}
