package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and sync status",
	Long:  "Display the current configuration, then hydrate the local store from the backend and report what the engine sees.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
			return nil
		}
		if cfg.Sync.StorePath != "" {
			fmt.Printf("  Store:       %s\n", cfg.Sync.StorePath)
		}

		eng := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer eng.Close(context.Background())

		if err := eng.Open(ctx); err != nil {
			return err
		}

		offline := false
		if err := eng.Sync().HydrateConversations(ctx); err != nil {
			offline = true
		}
		if err := eng.Sync().HydrateNotifications(ctx); err != nil {
			offline = true
		}

		convs := eng.State().Conversations()
		notifs := eng.State().Notifications()
		unreadConvs, unreadNotifs := eng.State().Unread()

		fmt.Println()
		if offline {
			fmt.Println("Sync (offline, showing cached data):")
		} else {
			fmt.Println("Sync:")
		}
		fmt.Printf("  Conversations: %d (%d unread)\n", len(convs), unreadConvs)
		fmt.Printf("  Notifications: %d (%d unread)\n", len(notifs), unreadNotifs)

		stats := eng.Sync().Stats()
		fmt.Println()
		fmt.Println("Session counters:")
		fmt.Printf("  Hydrations:      %d\n", stats.Hydrations)
		fmt.Printf("  Mutations:       %d\n", stats.Mutations)
		fmt.Printf("  Rollbacks:       %d\n", stats.Rollbacks)
		fmt.Printf("  Remote failures: %d\n", stats.RemoteFailures)
		fmt.Printf("  Cache failures:  %d\n", stats.CacheFailures)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
