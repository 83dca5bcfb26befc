package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dan-strohschein/dbhandler/client"
)

func newHealthCmd(root *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and probe the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeFn, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			if err := h.Connect(ctx); err != nil {
				return err
			}
			state, err := h.Health(ctx)
			out := cmd.OutOrStdout()
			if err != nil {
				return err
			}
			if state != client.HEALTHY {
				return fmt.Errorf("connection is %s", state)
			}
			printSuccess(out, "connection %s (generation %d)", state, h.Manager().Generation())
			if debug {
				fmt.Fprintln(out, h.Manager().DumpDebugInfoJSON())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "print a JSON snapshot of the connection manager")
	return cmd
}
