package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/1ureka/syncspace/internal/config"
	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/signaling"
	"github.com/1ureka/syncspace/internal/util"
)

func relayCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the pairing and signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Relay.Listen = listen
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}

			// Root context, cancelled on Ctrl+C or SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			banner("relay")
			return runRelay(ctx, cfg.Relay)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :3000, or :$PORT)")
	return cmd
}

// runRelay serves until ctx is cancelled.
func runRelay(ctx context.Context, rc config.RelayConfig) error {
	store := pairing.NewStore()

	sweepDone, err := pairing.StartSweeper(ctx, store, rc.SweepInterval, rc.ExpiryWindow)
	if err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	srv := signaling.NewServer(signaling.NewRelay(store), rc.PingInterval)
	addr, err := srv.Start(rc.Listen)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx, rc.StatsInterval)
	util.LogSuccess("relay listening on %s (ws path /ws, codes expire after %s)", addr, rc.ExpiryWindow)

	<-ctx.Done()

	util.LogInfo("shutting down relay")
	err = srv.Close()
	<-sweepDone
	return err
}
