package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/pkg/protocol"
)

var (
	eventsFollow bool
	eventsAgent  string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent agent activity",
	Long: `events prints the recent live-event ring. With --follow it connects
to a running gateway over websocket and streams events as they happen.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream from the running gateway")
	eventsCmd.Flags().StringVar(&eventsAgent, "agent", "", "only show events for this agent")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if eventsFollow {
		return followEvents(cmd.Context(), fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port))
	}

	ws := openStore(cfg)
	know, err := openKnowledge(cfg, ws)
	if err != nil {
		return err
	}
	gatherer := status.NewGatherer(cfg, ws, know)
	if _, err := gatherer.FullStatus(time.Now()); err != nil {
		return err
	}
	for _, ev := range gatherer.RecentEvents() {
		if eventsAgent != "" && ev.AgentID != eventsAgent {
			continue
		}
		printEvent(ev)
	}
	return nil
}

// followEvents subscribes to the gateway's live_event stream and
// prints until interrupted.
func followEvents(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	sub := protocol.ClientMessage{
		Type:   protocol.TypeSubscribe,
		Events: []string{protocol.TypeLiveEvent},
	}
	if eventsAgent != "" {
		sub.AgentID = eventsAgent
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

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
		if env.Type != protocol.TypeLiveEvent {
			continue
		}
		var ev status.AgentEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			continue
		}
		if eventsAgent != "" && ev.AgentID != eventsAgent {
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev status.AgentEvent) {
	label := ev.Type
	if ev.Tool != "" {
		label = ev.Tool
	}
	fmt.Printf("%s  %-10s %-14s %s\n", ev.Timestamp, ev.AgentID, label, ev.Content)
}
