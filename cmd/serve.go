package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gasflow/internal/bus"
	"github.com/nextlevelbuilder/gasflow/internal/gateway"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/tracing"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live dashboard for an existing run",
	Long: `serve starts the HTTP/websocket gateway over the workspace state.
It watches the state tree and pushes status updates and agent events
to connected dashboards. The run itself can be owned by another
process (or by "run --serve").`,
	RunE: runServeCmd,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	ws := openStore(cfg)
	know, err := openKnowledge(cfg, ws)
	if err != nil {
		return err
	}

	gatherer := status.NewGatherer(cfg, ws, know)
	srv := gateway.NewServer(cfg, gatherer, bus.New(), logger)
	return srv.Start(ctx)
}
