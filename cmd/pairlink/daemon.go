package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/pairlink/internal/logutil"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Connect to the relay and run the engines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			s, err := stackFromViper(logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("daemon starting")
			if err := runUntilInterrupt(ctx, s); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}
