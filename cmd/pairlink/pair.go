package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/pairlink/internal/logutil"
)

func newPairCmd() *cobra.Command {
	var listen bool
	cmd := &cobra.Command{
		Use:   "pair <wc-uri>",
		Short: "Redeem a wc: pairing URI",
		Args:  cobra.ExactArgs(1),
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

			ctx := cmd.Context()
			if err := s.Relay.Connect(ctx); err != nil {
				return err
			}
			paired, err := s.Pairings.Pair(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "paired on topic %s\n", paired.Topic)

			if !listen {
				return nil
			}
			watchEvents(s)
			s.Sessions.Run(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&listen, "listen", false, "Stay connected and log incoming proposals and requests.")
	return cmd
}
