package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull everything into the local store",
	Long:  "Hydrate conversations, their messages, and notifications from the backend so later commands work offline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		defer eng.Close(context.Background())

		if err := eng.Open(ctx); err != nil {
			return err
		}

		if err := eng.Sync().HydrateConversations(ctx); err != nil {
			return fmt.Errorf("failed to sync conversations: %w", err)
		}
		convs := eng.State().Conversations()
		fmt.Printf("Synced %d conversations\n", len(convs))

		// Hydrations are awaited one at a time; overlapping requests in the
		// same scope would supersede each other.
		total := 0
		for _, conv := range convs {
			if err := eng.Sync().HydrateMessages(ctx, conv.ID); err != nil {
				return fmt.Errorf("failed to sync messages for %s: %w", conv.ID, err)
			}
			total += len(eng.State().Messages(conv.ID))
		}
		fmt.Printf("Synced %d messages\n", total)

		if err := eng.Sync().HydrateNotifications(ctx); err != nil {
			return fmt.Errorf("failed to sync notifications: %w", err)
		}
		fmt.Printf("Synced %d notifications\n", len(eng.State().Notifications()))
		return nil
	},
}
