package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(channelsCmd)
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels visible to the authenticated user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		channels, err := client.ListChannels(ctx)
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}
		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}

		for _, ch := range channels {
			title := ch.Title
			if title == "" {
				title = "(untitled)"
			}
			line := fmt.Sprintf("%-26s %-8s %s", ch.ID, ch.Type, title)
			if ch.UnreadCount > 0 {
				line += fmt.Sprintf("  [%d unread]", ch.UnreadCount)
			}
			fmt.Println(line)
		}
		return nil
	},
}
