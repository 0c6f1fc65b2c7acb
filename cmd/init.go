package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/wave"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

var (
	initProject     string
	initObjective   string
	initMode        string
	initAgents      int
	initGenerations int
	initSaveConfig  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new orchestration workspace",
	Long: `init creates the state directory, the root state file, and one
pending first generation per agent. Missing project details are
collected interactively.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProject, "project", "p", "", "project name")
	initCmd.Flags().StringVarP(&initObjective, "objective", "o", "", "task objective")
	initCmd.Flags().StringVarP(&initMode, "mode", "m", "", "single or swarm")
	initCmd.Flags().IntVarP(&initAgents, "agents", "n", 0, "swarm size (implies --mode swarm)")
	initCmd.Flags().IntVarP(&initGenerations, "generations", "g", 0, "generation budget hint recorded in state")
	initCmd.Flags().BoolVar(&initSaveConfig, "save-config", false, "write the effective config next to the workspace")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if initAgents > 1 && initMode == "" {
		initMode = workspace.ModeSwarm
	}
	if err := promptForMissing(); err != nil {
		return err
	}
	if initMode == "" {
		initMode = workspace.ModeSingle
	}

	opts := workspace.InitOptions{
		ProjectName:      initProject,
		Objective:        initObjective,
		Mode:             initMode,
		TotalGenerations: initGenerations,
	}
	var plan wave.Decomposition
	if initMode == workspace.ModeSwarm {
		if initAgents < 2 {
			initAgents = 5
		}
		plan = wave.Decompose(initObjective, initAgents)
		opts.Agents = plan.Agents
	}

	ws := openStore(cfg)
	st, err := ws.Init(opts)
	if err != nil {
		return err
	}
	if initMode == workspace.ModeSwarm {
		err = ws.Update(func(st *workspace.State) error {
			st.Dependencies = plan.Dependencies
			return nil
		})
		if err != nil {
			return err
		}
	}

	if initSaveConfig {
		if err := cfg.Save(resolveConfigPath()); err != nil {
			return err
		}
	}

	logger.Info("workspace initialized",
		"project", st.ProjectName,
		"mode", st.Mode,
		"agents", len(st.Agents),
		"waves", st.TotalWaves,
		"state", ws.StatePath())
	fmt.Printf("Initialized %s (%s, %d agent(s)) in %s\n", st.ProjectName, st.Mode, len(st.Agents), ws.Dir())
	return nil
}

// promptForMissing runs the interactive form for anything the flags did
// not supply. Non-interactive callers must pass everything via flags.
func promptForMissing() error {
	if initProject != "" && initObjective != "" {
		return nil
	}
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return fmt.Errorf("--project and --objective are required when stdin is not a terminal")
	}

	mode := initMode
	if mode == "" {
		mode = workspace.ModeSingle
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project name").
				Value(&initProject).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("project name is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Task objective").
				Description("What should the agents accomplish?").
				Value(&initObjective).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("objective is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Mode").
				Options(
					huh.NewOption("single agent with successions", workspace.ModeSingle),
					huh.NewOption("swarm of wave-scheduled agents", workspace.ModeSwarm),
				).
				Value(&mode),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	initMode = mode
	return nil
}
