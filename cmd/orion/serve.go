package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session HTTP API and WebSocket events",
	Long: `Serve the session API. Sessions stream progress events over /ws/{session}.
When gepa.sweep_schedule is set, saved threads the ledger has not seen are
mined on that cron schedule. When orion.watch_tools is set, edits to the
learned-tool file by other processes are picked up without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides orion.listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Orion.WatchTools {
		watcher, err := learned.NewWatcher(rt.tools, learned.DefaultDebounce, logger)
		if err != nil {
			return err
		}
		watcher.Start(ctx)
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop tool watcher")
			}
		}()
	}

	if schedule := cfg.GEPA.SweepSchedule; schedule != "" {
		sweeper, err := session.NewSweeper(schedule, cfg.Orion.ThreadsDir, rt.miner, rt.dispatcher, rt.metrics, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		logger.Info().Str("schedule", schedule).Time("next", sweeper.Next()).Msg("Mining sweep scheduled")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sweeper.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Msg("Mining sweep did not stop cleanly")
			}
		}()
	}

	hub := session.NewHub(logger)
	orch := rt.orchestrator(session.WithPublisher(hub))
	server := session.NewServer(orch, hub, rt.tools, rt.threads, logger)

	addr := cfg.Orion.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	return server.ListenAndServe(ctx, addr)
}
