package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gasflow/internal/bus"
	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/gateway"
	"github.com/nextlevelbuilder/gasflow/internal/generation"
	"github.com/nextlevelbuilder/gasflow/internal/orchestrator"
	"github.com/nextlevelbuilder/gasflow/internal/status"
	"github.com/nextlevelbuilder/gasflow/internal/tracing"
	"github.com/nextlevelbuilder/gasflow/internal/wave"
	"github.com/nextlevelbuilder/gasflow/internal/worker"
)

var (
	runServe    bool
	runTemplate string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the succession loop until the objective completes",
	Long: `run drives the workspace to completion: it spawns generations,
evaluates succession triggers, advances swarm waves, and writes the
final report. With --serve the dashboard gateway runs alongside.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve the dashboard while running")
	runCmd.Flags().StringVar(&runTemplate, "template", "", "prompt template file overriding the built-in")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
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

	gens := generation.NewManager(ws, know, newLauncher(cfg, logger), cfg, logger)
	gens.TemplatePath = runTemplate
	sched := wave.NewScheduler(ws, gens, cfg.SharedDir(), logger)
	gatherer := status.NewGatherer(cfg, ws, know)
	events := bus.New()

	orch := orchestrator.New(cfg, ws, know, gens, sched, gatherer, events, logger)

	if !runServe {
		return orch.Run(ctx)
	}

	srv := gateway.NewServer(cfg, gatherer, events, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		defer stop() // run finished, bring the gateway down too
		return orch.Run(gctx)
	})
	return g.Wait()
}

// newLauncher builds the worker launcher the config asks for.
func newLauncher(cfg *config.Config, logger *slog.Logger) worker.Launcher {
	if cfg.Worker.Strategy == "exec" {
		return &worker.ExecLauncher{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Logger:  logger,
		}
	}
	return &worker.NoopLauncher{}
}
