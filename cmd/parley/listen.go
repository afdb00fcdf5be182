package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	parley "github.com/parleyhq/parley-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var listenRaw bool

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream realtime notifications until interrupted",
	Long:  "Open the realtime channel and print notifications as the server pushes them. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getRealtimeEngine()
		defer eng.Close(context.Background())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ch := eng.Channel()
		ch.OnOpen(func() {
			fmt.Println("Connected. Waiting for notifications...")
		})
		ch.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("Connection lost, retry %d in %s...\n", attempt, delay)
		})
		ch.OnError(func(err error) {
			fmt.Printf("Channel error: %v\n", err)
		})
		if listenRaw {
			ch.OnAny(func(env *parley.Envelope) {
				fmt.Printf("<- %s frame\n", env.Type)
			})
		}

		// Notifications land in reactive state via the engine wiring; print
		// them from there so what we show is exactly what a UI would see.
		unsubscribe := eng.State().Subscribe(func(change parley.Change) {
			if change.Kind != parley.ChangeNotifications {
				return
			}
			_, unread := eng.State().Unread()
			fmt.Printf("Notifications updated (%d unread)\n", unread)
		})
		defer unsubscribe()

		if err := eng.Open(ctx); err != nil {
			return err
		}
		if err := eng.Sync().HydrateNotifications(ctx); err != nil {
			fmt.Println("(offline, will print pushes once reconnected)")
		}

		<-ctx.Done()
		fmt.Println("\nStopping.")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	listenCmd.Flags().BoolVar(&listenRaw, "raw", false, "Print every inbound frame type")
	rootCmd.AddCommand(listenCmd)
}
