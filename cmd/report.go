package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/orchestrator"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/wave"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the run report for the current workspace",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ws := openStore(cfg)
	know, err := openKnowledge(cfg, ws)
	if err != nil {
		return err
	}

	gens := generation.NewManager(ws, know, newLauncher(cfg, logger), cfg, logger)
	sched := wave.NewScheduler(ws, gens, cfg.SharedDir(), logger)
	gatherer := status.NewGatherer(cfg, ws, know)
	orch := orchestrator.New(cfg, ws, know, gens, sched, gatherer, nil, logger)

	path, err := orch.WriteReport()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
