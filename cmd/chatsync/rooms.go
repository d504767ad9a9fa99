package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/meshline/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesJSON bool

	// send
	sendReplyTo string
	sendJSON    bool
)

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Fetch a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchMessages(ctx, roomID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, msg := range chatsync.HydrateReplies(msgs) {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		logger := newLogger()

		coord, cleanup, err := newCoordinator(cfg, client, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		saved, err := coord.SendMessage(ctx, roomID, chatsync.Message{
			Content:   content,
			ReplyToID: sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(saved, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent to room %s\n", roomID)
		fmt.Printf("  Message ID: %s\n", saved.ID)
		fmt.Printf("  Status:     %s\n", saved.Status)
		return nil
	},
}

// ============================================================================
// edit
// ============================================================================

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <content>",
	Short: "Edit a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID, content := args[0], args[1]
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.EditMessage(ctx, messageID, content); err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}
		fmt.Printf("Message %s edited.\n", messageID)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message for everyone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.DeleteForEveryone(ctx, messageID); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Message %s deleted for everyone.\n", messageID)
		return nil
	},
}

// ============================================================================
// hide
// ============================================================================

var hideCmd = &cobra.Command{
	Use:   "hide <message-id>",
	Short: "Delete a message for yourself only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.DeleteForMe(ctx, messageID); err != nil {
			return fmt.Errorf("hide failed: %w", err)
		}
		fmt.Printf("Message %s hidden.\n", messageID)
		return nil
	},
}

// ============================================================================
// clear
// ============================================================================

var clearCmd = &cobra.Command{
	Use:   "clear <room-id>",
	Short: "Wipe a room's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.ClearRoom(ctx, roomID); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Printf("Room %s cleared.\n", roomID)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printMessage renders one message line for terminal output.
func printMessage(msg chatsync.Message) {
	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID
	}
	content := msg.Content
	if msg.DeletedForEveryone {
		content = "(deleted)"
	}
	if msg.ReplyTo != nil {
		fmt.Printf("[%s] %s (re %s: %s): %s\n",
			msg.CreatedAt.Format(time.RFC3339), author, msg.ReplyTo.Sender, msg.ReplyTo.Text, content)
		return
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.RFC3339), author, content)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(hideCmd)
	rootCmd.AddCommand(clearCmd)
}
