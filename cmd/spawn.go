package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/generation"
)

var (
	spawnAgent    string
	spawnGen      int
	spawnTemplate string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Manually spawn a generation for an agent",
	Long: `spawn starts one generation outside the orchestrator loop, for
recovering a stuck run or driving successions by hand. Generations
after the first require the predecessor's transfer document.`,
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnAgent, "agent", "", "agent id (required)")
	spawnCmd.Flags().IntVar(&spawnGen, "generation", 0, "generation to spawn (defaults to the agent's current)")
	spawnCmd.Flags().StringVar(&spawnTemplate, "template", "", "prompt template file overriding the built-in")
	_ = spawnCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ws := openStore(cfg)
	know, err := openKnowledge(cfg, ws)
	if err != nil {
		return err
	}
	st, err := ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[spawnAgent]
	if agent == nil {
		return fmt.Errorf("unknown agent %q", spawnAgent)
	}
	gen := spawnGen
	if gen <= 0 {
		gen = agent.CurrentGeneration
	}

	gens := generation.NewManager(ws, know, newLauncher(cfg, logger), cfg, logger)
	gens.TemplatePath = spawnTemplate
	if err := gens.Spawn(cmd.Context(), spawnAgent, gen); err != nil {
		return err
	}
	fmt.Printf("Spawned %s generation %d\n", spawnAgent, gen)
	return nil
}
