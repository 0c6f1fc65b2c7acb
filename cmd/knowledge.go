package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:     "knowledge",
	Aliases: []string{"know"},
	Short:   "Inspect and maintain the cross-generation knowledge store",
}

var (
	knowAddKind       string
	knowAddContext    string
	knowAddConfidence float64
	knowAddGen        int
	knowAddAgent      string
	knowAddEvidence   string
	knowAddImpact     string
)

var knowledgeAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Record a learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		entry, reinforced, err := know.Add(knowAddKind, knowAddContext, args[0], knowledge.AddOptions{
			Confidence:       knowAddConfidence,
			SourceGeneration: knowAddGen,
			SourceAgent:      knowAddAgent,
			Evidence:         knowAddEvidence,
			Impact:           knowAddImpact,
		})
		if err != nil {
			return err
		}
		verb := "added"
		if reinforced {
			verb = "reinforced"
		}
		fmt.Printf("%s %s (%s, confidence %.2f, seen %d)\n", verb, entry.ID, entry.Context, entry.Confidence, entry.Occurrences)
		return nil
	},
}

var (
	knowQueryKind    string
	knowQueryContext string
	knowQueryMinConf float64
	knowQueryLimit   int
)

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List entries matching the filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		entries := know.Query(knowledge.QueryOptions{
			Kind:          knowQueryKind,
			Context:       knowQueryContext,
			MinConfidence: knowQueryMinConf,
			Limit:         knowQueryLimit,
		})
		for _, e := range entries {
			fmt.Printf("%s  %.2f  x%d  [%s] %s\n", e.ID, e.Confidence, e.Occurrences, e.Context, e.Pattern)
		}
		if len(entries) == 0 {
			fmt.Println("no matching entries")
		}
		return nil
	},
}

var knowledgeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(know.Summary())
	},
}

var knowDecayGen int

var knowledgeDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Decay stale unreinforced entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		gen := knowDecayGen
		if gen <= 0 {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg).Load()
			if err != nil {
				return err
			}
			gen = st.CurrentGeneration
		}
		n, err := know.Decay(gen)
		if err != nil {
			return err
		}
		fmt.Printf("decayed %d entries\n", n)
		return nil
	},
}

var (
	knowPruneMinConf float64
	knowPruneMaxAge  int
)

var knowledgePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop low-confidence or stale entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		removed, err := know.Prune(knowPruneMinConf, knowPruneMaxAge)
		if err != nil {
			return err
		}
		for _, kind := range []string{knowledge.KindSuccess, knowledge.KindAnti, knowledge.KindDomain} {
			fmt.Printf("%s: pruned %d\n", kind, removed[kind])
		}
		return nil
	},
}

var (
	knowExportTopK     int
	knowExportMarkdown bool
)

var knowledgeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the store as JSON or markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		know, err := cmdKnowledge()
		if err != nil {
			return err
		}
		if knowExportMarkdown {
			_, err := os.Stdout.WriteString(know.Markdown())
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(know.Export(knowExportTopK))
	},
}

func init() {
	knowledgeAddCmd.Flags().StringVar(&knowAddKind, "kind", knowledge.KindSuccess, "success_pattern, anti_pattern, or domain_fact")
	knowledgeAddCmd.Flags().StringVar(&knowAddContext, "context", "general", "context the pattern applies to")
	knowledgeAddCmd.Flags().Float64Var(&knowAddConfidence, "confidence", 0, "initial confidence (defaults to 0.75)")
	knowledgeAddCmd.Flags().IntVar(&knowAddGen, "generation", 0, "source generation")
	knowledgeAddCmd.Flags().StringVar(&knowAddAgent, "agent", "", "source agent id")
	knowledgeAddCmd.Flags().StringVar(&knowAddEvidence, "evidence", "", "evidence backing a success pattern")
	knowledgeAddCmd.Flags().StringVar(&knowAddImpact, "impact", "", "impact an anti-pattern caused")

	knowledgeQueryCmd.Flags().StringVar(&knowQueryKind, "kind", "", "restrict to one kind")
	knowledgeQueryCmd.Flags().StringVar(&knowQueryContext, "context", "", "context substring filter")
	knowledgeQueryCmd.Flags().Float64Var(&knowQueryMinConf, "min-confidence", 0, "minimum confidence")
	knowledgeQueryCmd.Flags().IntVar(&knowQueryLimit, "limit", 0, "maximum entries to print")

	knowledgeDecayCmd.Flags().IntVar(&knowDecayGen, "generation", 0, "current generation (defaults to the state's)")

	knowledgePruneCmd.Flags().Float64Var(&knowPruneMinConf, "min-confidence", 0.2, "drop entries below this confidence")
	knowledgePruneCmd.Flags().IntVar(&knowPruneMaxAge, "max-age-days", 0, "drop entries not seen in this many days (0 disables)")

	knowledgeExportCmd.Flags().IntVar(&knowExportTopK, "top", 0, "top entries per category (0 exports all)")
	knowledgeExportCmd.Flags().BoolVar(&knowExportMarkdown, "markdown", false, "render as markdown instead of JSON")

	knowledgeCmd.AddCommand(knowledgeAddCmd, knowledgeQueryCmd, knowledgeStatsCmd,
		knowledgeDecayCmd, knowledgePruneCmd, knowledgeExportCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func cmdKnowledge() (*knowledge.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openKnowledge(cfg, openStore(cfg))
}
