package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/template"
	"github.com/nextlevelbuilder/gasflow/internal/transfer"
)

var (
	renderAgent    string
	renderGen      int
	renderTemplate string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Preview the prompt a generation would receive",
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderAgent, "agent", "", "agent id (required)")
	renderCmd.Flags().IntVar(&renderGen, "generation", 0, "generation (defaults to the agent's current)")
	renderCmd.Flags().StringVar(&renderTemplate, "template", "", "prompt template file overriding the built-in")
	_ = renderCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ws := openStore(cfg)
	st, err := ws.Load()
	if err != nil {
		return err
	}
	agent := st.Agents[renderAgent]
	if agent == nil {
		return fmt.Errorf("unknown agent %q", renderAgent)
	}
	gen := renderGen
	if gen <= 0 {
		gen = agent.CurrentGeneration
	}

	var doc *transfer.Document
	if gen > 1 {
		doc, err = transfer.Load(ws.TransferPath(renderAgent, gen-1))
		if err != nil {
			return fmt.Errorf("load transfer for generation %d: %w", gen, err)
		}
	}

	tmpl, err := template.LoadOrDefault(renderTemplate)
	if err != nil {
		return err
	}
	_, err = os.Stdout.WriteString(template.Render(tmpl, template.Variables(st, agent, gen, doc)))
	return err
}
