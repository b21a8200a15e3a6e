package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

func newPlanCmd() *cobra.Command {
	planCmd := &cobra.Command{Use: "plan", Short: "Plan catalog and subscriptions"}

	planCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the plans in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.catalog.List())
			})
		},
	})

	var period string
	setCmd := &cobra.Command{
		Use:   "set USER_ID PLAN_ID",
		Short: "Assign a plan to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now().UTC()
			start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
			if period != "" {
				t, err := time.Parse("2006-01-02", period)
				if err != nil {
					return fmt.Errorf("--period-start must be YYYY-MM-DD: %w", err)
				}
				start = t
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, ok := a.catalog.Get(args[1]); !ok {
					return fmt.Errorf("unknown plan %q", args[1])
				}
				sub := &model.Subscription{UserID: args[0], PlanID: args[1], PeriodStart: start}
				if err := a.store.Subscriptions().Put(ctx, sub); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sub)
			})
		},
	}
	setCmd.Flags().StringVar(&period, "period-start", "", "Billing period start (YYYY-MM-DD); defaults to the current month")
	planCmd.AddCommand(setCmd)
	return planCmd
}
