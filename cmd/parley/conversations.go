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
	// conversations list
	conversationsListStarred bool
	conversationsListUnread  bool
	conversationsListJSON    bool

	// conversations messages
	conversationsMessagesJSON bool

	// conversations create
	conversationsCreateDescription string
)

// ============================================================================
// Root conversations command
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Browse and mutate conversations",
	Long:    "List, star, rename, and delete conversations. Reads serve cached data when the backend is unreachable.",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		defer eng.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := eng.Sync().HydrateConversations(ctx); err != nil {
			fmt.Println("(offline, showing cached data)")
		}

		conversations := eng.State().Conversations()
		filtered := conversations[:0:0]
		for _, c := range conversations {
			if conversationsListStarred && !c.Starred {
				continue
			}
			if conversationsListUnread && !c.Unread {
				continue
			}
			filtered = append(filtered, c)
		}

		if conversationsListJSON {
			data, err := json.MarshalIndent(filtered, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(filtered) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range filtered {
			marks := ""
			if c.Starred {
				marks += " *"
			}
			if c.Unread {
				marks += " (unread)"
			}
			fmt.Printf("  %s: %s%s\n", c.ID, c.Title, marks)
		}
		return nil
	},
}

// ============================================================================
// conversations messages
// ============================================================================

var conversationsMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		eng := getEngine()
		defer eng.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := eng.Sync().HydrateMessages(ctx, conversationID); err != nil {
			fmt.Println("(offline, showing cached data)")
		}

		messages := eng.State().Messages(conversationID)
		if conversationsMessagesJSON {
			data, err := json.MarshalIndent(messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range messages {
			status := ""
			if m.Status != parley.MessageSent {
				status = fmt.Sprintf(" [%s]", m.Status)
			}
			fmt.Printf("  %s %s:%s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Role, status, m.Content)
		}
		return nil
	},
}

// ============================================================================
// conversations create
// ============================================================================

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		defer eng.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		draft := parley.ConversationDraft{Title: args[0], Description: conversationsCreateDescription}
		created, err := eng.Sync().CreateConversation(ctx, draft)
		if err != nil {
			return err
		}
		fmt.Printf("Created conversation %s\n", created.ID)
		return nil
	},
}

// ============================================================================
// conversations send
// ============================================================================

var conversationsSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		eng := getEngine()
		defer eng.Close(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// The mutation path needs the conversation in reactive state first.
		if err := eng.Sync().HydrateConversations(ctx); err != nil {
			fmt.Println("(offline, sending against cached data)")
		}

		msg, err := eng.Sync().SendMessage(ctx, conversationID, content)
		if err != nil {
			return err
		}
		fmt.Printf("Message %s sent (server id %s).\n", msg.ID, msg.ServerMessageID)
		return nil
	},
}

// ============================================================================
// conversations star / rename / read / rm
// ============================================================================

var conversationsStarCmd = &cobra.Command{
	Use:   "star <conversation-id>",
	Short: "Toggle a conversation's star",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConversationMutation(args[0], "star toggled", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().ToggleStar(ctx, id)
		})
	},
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := args[1]
		return runConversationMutation(args[0], "renamed", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().RenameConversation(ctx, id, title)
		})
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConversationMutation(args[0], "marked read", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().MarkConversationRead(ctx, id)
		})
	},
}

var conversationsRmCmd = &cobra.Command{
	Use:   "rm <conversation-id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConversationMutation(args[0], "deleted", func(eng *parley.Engine, ctx context.Context, id string) error {
			return eng.Sync().DeleteConversation(ctx, id)
		})
	},
}

// runConversationMutation hydrates first so the target exists in reactive
// state, then applies one mutation and reports the outcome.
func runConversationMutation(id, verb string, fn func(*parley.Engine, context.Context, string) error) error {
	eng := getEngine()
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := eng.Sync().HydrateConversations(ctx); err != nil {
		fmt.Println("(offline, mutating against cached data)")
	}
	if err := fn(eng, ctx, id); err != nil {
		return err
	}
	fmt.Printf("Conversation %s %s.\n", id, verb)
	return nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsListStarred, "starred", false, "Show only starred conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsListUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsListJSON, "json", false, "Output raw JSON")

	conversationsMessagesCmd.Flags().BoolVar(&conversationsMessagesJSON, "json", false, "Output raw JSON")

	conversationsCreateCmd.Flags().StringVar(&conversationsCreateDescription, "description", "", "Conversation description")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsMessagesCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsSendCmd)
	conversationsCmd.AddCommand(conversationsStarCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	conversationsCmd.AddCommand(conversationsRmCmd)

	rootCmd.AddCommand(conversationsCmd)
}
