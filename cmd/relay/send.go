package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, conversationID, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent %s at %s\n", msg.ID, time.UnixMilli(msg.CreatedAt).Format(time.RFC3339))
		return nil
	},
}
