package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

func newIdentityCmd() *cobra.Command {
	identityCmd := &cobra.Command{Use: "identity", Short: "External memory-service identities"}

	var email string
	var lookupOnly bool
	resolveCmd := &cobra.Command{
		Use:   "resolve USER_ID",
		Short: "Print a user's external id, provisioning it unless --lookup-only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if lookupOnly {
					extID, ok, err := a.resolver.Lookup(ctx, args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("user %s has no external identity", args[0])
					}
					return printJSON(cmd.OutOrStdout(), map[string]string{"userId": args[0], "externalUserId": extID})
				}
				extID, err := a.resolver.Resolve(ctx, model.User{ID: args[0], Email: email})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"userId": args[0], "externalUserId": extID})
			})
		},
	}
	resolveCmd.Flags().StringVarP(&email, "email", "e", "", "User email passed to the memory service")
	resolveCmd.Flags().BoolVar(&lookupOnly, "lookup-only", false, "Never provision")
	identityCmd.AddCommand(resolveCmd)
	return identityCmd
}
