package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

func newLinksCmd() *cobra.Command {
	linksCmd := &cobra.Command{Use: "links", Short: "Message memory links"}

	var chatID string
	getCmd := &cobra.Command{
		Use:   "get USER_ID [MESSAGE_ID]",
		Short: "Show the memories linked to a message, or to every message of --chat",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					if chatID == "" {
						return fmt.Errorf("MESSAGE_ID or --chat required")
					}
					links, err := a.links.ForChat(ctx, args[0], chatID)
					if err != nil {
						return err
					}
					if links == nil {
						links = []*model.MessageMemoryLink{}
					}
					return printJSON(cmd.OutOrStdout(), links)
				}
				link, found, err := a.links.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("no memories linked to message %s", args[1])
				}
				return printJSON(cmd.OutOrStdout(), link)
			})
		},
	}
	getCmd.Flags().StringVar(&chatID, "chat", "", "Chat ID")
	linksCmd.AddCommand(getCmd)
	return linksCmd
}
