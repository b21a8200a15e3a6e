package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newUsageCmd() *cobra.Command {
	usageCmd := &cobra.Command{Use: "usage", Short: "Usage counters"}

	usageCmd.AddCommand(&cobra.Command{
		Use:   "show USER_ID",
		Short: "Show a user's usage for the current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.acct.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	})

	usageCmd.AddCommand(&cobra.Command{
		Use:   "sync USER_ID",
		Short: "Recompute a user's counters from the ledger and the memory service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.acct.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return usageCmd
}
