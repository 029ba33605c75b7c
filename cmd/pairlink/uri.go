package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/pairlink/pairing"
)

func newURICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uri <wc-uri>",
		Short: "Decode and inspect a wc: pairing URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := pairing.ParseURI(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "topic:          %s\n", uri.Topic)
			_, _ = fmt.Fprintf(out, "version:        %s\n", uri.Version)
			_, _ = fmt.Fprintf(out, "relay protocol: %s\n", uri.Relay.Protocol)
			if uri.Relay.Data != "" {
				_, _ = fmt.Fprintf(out, "relay data:     %s\n", uri.Relay.Data)
			}
			_, _ = fmt.Fprintf(out, "sym key:        %s\n", uri.SymKey.Hex())
			if len(uri.Methods) > 0 {
				_, _ = fmt.Fprintf(out, "methods:        %s\n", strings.Join(uri.Methods, ", "))
			}
			return nil
		},
	}
}
