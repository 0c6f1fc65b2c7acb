package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
	"github.com/nextlevelbuilder/gasflow/pkg/protocol"
)

var (
	statusJSON   bool
	statusFollow bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current run snapshot",
	Long: `status prints one snapshot of the run. With --follow it subscribes
to a running gateway and re-renders on every status update.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the raw snapshot as JSON")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "re-render on gateway status updates")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if statusFollow {
		return followStatus(cmd.Context(), fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port))
	}
	ws := openStore(cfg)
	know, err := openKnowledge(cfg, ws)
	if err != nil {
		return err
	}

	snap, err := status.NewGatherer(cfg, ws, know).FullStatus(time.Now())
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	printSnapshot(snap)
	return nil
}

// followStatus re-renders the snapshot on every initial_status or
// status_update envelope from the gateway.
func followStatus(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		if env.Type != protocol.TypeInitialStatus && env.Type != protocol.TypeStatusUpdate {
			continue
		}
		var snap status.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			continue
		}
		fmt.Println()
		printSnapshot(&snap)
	}
}

func printSnapshot(snap *status.Snapshot) {
	started := snap.StartTime
	if t, err := workspace.ParseTimestamp(snap.StartTime); err == nil {
		started = humanize.Time(t)
	}
	fmt.Printf("%s  %s mode, started %s\n", color.New(color.Bold).Sprint(snap.ProjectName), snap.Mode, started)
	fmt.Printf("%s  %.0f%% overall, %d/%d agents done",
		colorStatus(snap.Status), snap.OverallProgress, snap.CompletedAgents, snap.TotalAgents)
	if snap.TotalWaves > 1 {
		fmt.Printf(", wave %d/%d", snap.CurrentWave, snap.TotalWaves)
	}
	fmt.Println()

	ids := make([]string, 0, len(snap.Agents))
	for id := range snap.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Agent", "Role", "Gen", "Wave", "Status", "Progress", "Task"})
	for _, id := range ids {
		a := snap.Agents[id]
		t.AppendRow(table.Row{
			a.AgentID,
			a.Role,
			a.Generation,
			a.Wave,
			colorStatus(a.Status),
			fmt.Sprintf("%3.0f%%", a.Progress),
			a.CurrentTask,
		})
	}
	t.Render()

	if snap.Knowledge.Total > 0 {
		fmt.Printf("Knowledge: %d entries (%d success / %d anti / %d facts), avg confidence %.2f\n",
			snap.Knowledge.Total,
			snap.Knowledge.SuccessPatterns,
			snap.Knowledge.AntiPatterns,
			snap.Knowledge.DomainFacts,
			snap.Knowledge.AvgConfidence)
	}
}

func colorStatus(s string) string {
	switch s {
	case workspace.StatusRunning:
		return color.GreenString(s)
	case workspace.StatusCompleted, workspace.StatusSucceeded:
		return color.CyanString(s)
	case workspace.StatusFailed:
		return color.RedString(s)
	case workspace.StatusIdle:
		return color.YellowString(s)
	default:
		return s
	}
}
