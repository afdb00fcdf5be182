package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// notifications list
	notificationsListUnread bool
	notificationsListJSON   bool
)

// ============================================================================
// Root notifications command
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Browse and mutate notifications",
}

// ============================================================================
// notifications list
// ============================================================================

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		defer eng.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := eng.Sync().HydrateNotifications(ctx); err != nil {
			fmt.Println("(offline, showing cached data)")
		}

		notifications := eng.State().Notifications()
		filtered := notifications[:0:0]
		for _, n := range notifications {
			if notificationsListUnread && n.Status != parley.NotificationDelivered {
				continue
			}
			filtered = append(filtered, n)
		}

		if notificationsListJSON {
			data, err := json.MarshalIndent(filtered, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(filtered) == 0 {
			fmt.Println("No notifications found.")
			return nil
		}
		for _, n := range filtered {
			fmt.Printf("  %s [%s] %s\n", n.ID, n.Status, n.Title)
			if n.Body != "" {
				fmt.Printf("      %s\n", n.Body)
			}
		}
		return nil
	},
}

// ============================================================================
// notifications read / archive
// ============================================================================

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotificationMutation(args[0], "marked read", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().MarkNotificationRead(ctx, id)
		})
	},
}

var notificationsArchiveCmd = &cobra.Command{
	Use:   "archive <notification-id>",
	Short: "Archive a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNotificationMutation(args[0], "archived", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().ArchiveNotification(ctx, id)
		})
	},
}

func runNotificationMutation(id, verb string, fn func(*parley.Engine, context.Context, string) error) error {
	eng := getEngine()
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := eng.Sync().HydrateNotifications(ctx); err != nil {
		fmt.Println("(offline, mutating against cached data)")
	}
	if err := fn(eng, ctx, id); err != nil {
		return err
	}
	fmt.Printf("Notification %s %s.\n", id, verb)
	return nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsListUnread, "unread", false, "Show only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsListJSON, "json", false, "Output raw JSON")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsArchiveCmd)

	rootCmd.AddCommand(notificationsCmd)
}
