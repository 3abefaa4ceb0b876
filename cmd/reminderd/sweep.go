package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"reminderd/internal/app"
	"reminderd/internal/sweep"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:       "sweep carts|verification",
		Short:     "Run one sweep now and print its report",
		Long:      "Runs a single sweep against the configured store and transport, then exits.\n--at evaluates eligibility as of an RFC 3339 instant instead of now.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{sweep.SweepCarts, sweep.SweepVerification},
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = t
			}
			a, err := app.New(root.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.RunSweep(cmd.Context(), args[0], when)
			if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC 3339), default now")
	return cmd
}
